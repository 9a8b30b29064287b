package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/heliosev/helios/pkg/common"
	"github.com/heliosev/helios/pkg/log"
	"github.com/levenlabs/go-lflag"
)

// ErrNoResults is returned when the geocoder found nothing for the query.
var ErrNoResults = errors.New("no geocoding results")

// Geoapify resolves coordinates to street addresses and back using the
// Geoapify geocoding API.
type Geoapify struct {
	client *http.Client
	apiURL string
	apiKey string
}

// Configured registers the Geoapify flags.
func Configured() *Geoapify {
	apiURL := lflag.String("geoapify-api-url", "https://api.geoapify.com/v1", "Geoapify API base URL")
	apiKey := lflag.String("geoapify-api-key", "", "Geoapify API key")

	g := &Geoapify{}
	lflag.Do(func() {
		*g = *New(*apiURL, *apiKey, common.HTTPClient(30*time.Second))
	})
	return g
}

// New returns a Geoapify client.
func New(apiURL, apiKey string, client *http.Client) *Geoapify {
	return &Geoapify{
		client: client,
		apiURL: apiURL,
		apiKey: apiKey,
	}
}

type featureCollection struct {
	Features []struct {
		Properties struct {
			AddressLine1 string `json:"address_line1"`
		} `json:"properties"`
	} `json:"features"`
}

func (g *Geoapify) get(ctx context.Context, path string, params url.Values) (featureCollection, error) {
	var fc featureCollection

	params.Set("apiKey", g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fc, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fc, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		log.Ctx(ctx).ErrorContext(
			ctx,
			"geoapify request failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return fc, fmt.Errorf("geoapify %s returned %d: %s", path, resp.StatusCode, body)
	}
	log.Ctx(ctx).DebugContext(ctx, "geoapify request succeeded", slog.String("path", path))

	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return fc, fmt.Errorf("error decoding geoapify response: %w", err)
	}
	if len(fc.Features) == 0 {
		return fc, ErrNoResults
	}
	return fc, nil
}

// StreetAddress returns the first address line of the location nearest to the
// coordinates.
func (g *Geoapify) StreetAddress(ctx context.Context, lat, lon float64) (string, error) {
	fc, err := g.get(ctx, "/geocode/reverse", url.Values{
		"lat": {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon": {strconv.FormatFloat(lon, 'f', -1, 64)},
	})
	if err != nil {
		return "", err
	}
	return fc.Features[0].Properties.AddressLine1, nil
}
