package solar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/heliosev/helios/pkg/common"
	"github.com/heliosev/helios/pkg/log"
	"github.com/heliosev/helios/pkg/metrics"
	"github.com/heliosev/helios/pkg/session"
	"github.com/heliosev/helios/pkg/store"
	"github.com/heliosev/helios/pkg/types"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/oauth2"
)

// Provider is the name tokens and metrics are recorded under.
const Provider = "enphase"

// intervalsPerHour converts a 15 minute interval's Wh into average watts.
const intervalsPerHour = 4

// generationLookback is how far back production is examined to find the
// generation window.
const generationLookback = 5 * 24 * time.Hour

// ErrNoGenerationWindow is returned when recent production never crossed the
// thresholds that bound the generation window.
var ErrNoGenerationWindow = errors.New("no generation window found")

// Config holds the Enphase account settings.
type Config struct {
	SystemID     string
	APIKey       string
	ClientID     string
	ClientSecret string
	AuthCode     string

	APIURL      string
	TokenURL    string
	AuthURL     string
	RedirectURL string
}

// Enphase reads production, consumption and battery telemetry from the
// Enphase v4 API.
type Enphase struct {
	cfg  Config
	sess *session.Session
	now  func() time.Time
}

// Configured registers the Enphase flags and returns a client that is usable
// after lflag.Configure.
func Configured(st store.Store, rec *metrics.Recorder) *Enphase {
	systemID := lflag.String("enphase-system-id", "", "Enphase system ID")
	apiKey := lflag.String("enphase-api-key", "", "Enphase API key")
	clientID := lflag.String("enphase-client-id", "", "Enphase OAuth client ID")
	clientSecret := lflag.String("enphase-client-secret", "", "Enphase OAuth client secret")
	authCode := lflag.String("enphase-auth-code", "", "Enphase authorization code, exchanged for tokens when none are stored")
	apiURL := lflag.String("enphase-api-url", "https://api.enphaseenergy.com/api/v4", "Enphase API base URL")
	tokenURL := lflag.String("enphase-token-url", "https://api.enphaseenergy.com/oauth/token", "Enphase OAuth token URL")
	authURL := lflag.String("enphase-auth-url", "https://api.enphaseenergy.com/oauth/authorize", "Enphase OAuth authorization URL")
	redirectURL := lflag.String("enphase-redirect-url", "https://api.enphaseenergy.com/oauth/redirect_uri", "Enphase OAuth redirect URL")

	e := &Enphase{}
	lflag.Do(func() {
		*e = *New(Config{
			SystemID:     *systemID,
			APIKey:       *apiKey,
			ClientID:     *clientID,
			ClientSecret: *clientSecret,
			AuthCode:     *authCode,
			APIURL:       *apiURL,
			TokenURL:     *tokenURL,
			AuthURL:      *authURL,
			RedirectURL:  *redirectURL,
		}, st, common.HTTPClient(time.Minute), rec)
	})
	return e
}

// New returns an Enphase client whose tokens are persisted to st.
func New(cfg Config, st store.Store, client *http.Client, rec *metrics.Recorder) *Enphase {
	policy := session.TelemetryPolicy()
	tokens := session.NewTokenManager(session.TokenConfig{
		Provider: Provider,
		OAuth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		AuthCode: cfg.AuthCode,
	}, policy, st, client, rec)

	return &Enphase{
		cfg:  cfg,
		sess: session.New(Provider, client, tokens, policy, rec),
		now:  time.Now,
	}
}

// Session returns the underlying Session.
func (e *Enphase) Session() *session.Session {
	return e.sess
}

// AuthURL returns the URL a user visits to authorize access to their system
// and obtain an authorization code.
func (e *Enphase) AuthURL() string {
	return e.sess.Tokens().AuthCodeURL()
}

type productionInterval struct {
	EndAt int64   `json:"end_at"`
	WhDel float64 `json:"wh_del"`
}

type consumptionInterval struct {
	EndAt int64   `json:"end_at"`
	Enwh  float64 `json:"enwh"`
}

type batteryInterval struct {
	EndAt  int64 `json:"end_at"`
	Charge struct {
		Enwh float64 `json:"enwh"`
	} `json:"charge"`
	SOC struct {
		Percent int `json:"percent"`
	} `json:"soc"`
}

type telemetryResponse[T any] struct {
	SystemID  int64 `json:"system_id"`
	Intervals []T   `json:"intervals"`
}

type batteryResponse struct {
	telemetryResponse[batteryInterval]
	LastReportedAggregateSOC string `json:"last_reported_aggregate_soc"`
}

func (e *Enphase) telemetry(ctx context.Context, method string, lastN time.Duration, dest any) error {
	u := fmt.Sprintf("%s/systems/%s/telemetry/%s", e.cfg.APIURL, url.PathEscape(e.cfg.SystemID), method)
	params := url.Values{
		"granularity": {"week"},
		"start_at":    {strconv.FormatInt(e.now().Add(-lastN).Unix(), 10)},
		"key":         {e.cfg.APIKey},
	}
	resp, err := e.sess.Get(ctx, u, params)
	if err != nil {
		return fmt.Errorf("failed to get %s telemetry: %w", method, err)
	}
	if err := resp.Decode(dest); err != nil {
		return fmt.Errorf("failed to get %s telemetry: %w", method, err)
	}
	return nil
}

// ProductionMeters returns the production intervals reported over the last
// lastN. Only ProducedWatts and SampleTime are set.
func (e *Enphase) ProductionMeters(ctx context.Context, lastN time.Duration) ([]types.PowerSnapshot, error) {
	var pro telemetryResponse[productionInterval]
	if err := e.telemetry(ctx, "production_meter", lastN, &pro); err != nil {
		return nil, err
	}
	snaps := make([]types.PowerSnapshot, 0, len(pro.Intervals))
	for _, iv := range pro.Intervals {
		snaps = append(snaps, types.PowerSnapshot{
			SampleTime:    time.Unix(iv.EndAt, 0),
			ProducedWatts: iv.WhDel * intervalsPerHour,
		})
	}
	return snaps, nil
}

// Meters returns production, consumption, export and home battery charging
// for every interval over the last lastN, oldest first.
func (e *Enphase) Meters(ctx context.Context, lastN time.Duration) ([]types.PowerSnapshot, error) {
	var pro telemetryResponse[productionInterval]
	if err := e.telemetry(ctx, "production_meter", lastN, &pro); err != nil {
		return nil, err
	}
	var con telemetryResponse[consumptionInterval]
	if err := e.telemetry(ctx, "consumption_meter", lastN, &con); err != nil {
		return nil, err
	}
	if len(con.Intervals) < len(pro.Intervals) {
		return nil, fmt.Errorf("consumption intervals (%d) do not cover production intervals (%d)", len(con.Intervals), len(pro.Intervals))
	}
	var bat batteryResponse
	if err := e.telemetry(ctx, "battery", lastN, &bat); err != nil {
		return nil, err
	}
	// systems without a battery report no intervals
	charged := make(map[int64]float64, len(bat.Intervals))
	for _, b := range bat.Intervals {
		charged[b.EndAt] = b.Charge.Enwh * intervalsPerHour
	}

	snaps := make([]types.PowerSnapshot, 0, len(pro.Intervals))
	for i, p := range pro.Intervals {
		c := con.Intervals[i]
		snaps = append(snaps, types.PowerSnapshot{
			SampleTime:          time.Unix(p.EndAt, 0),
			ProducedWatts:       p.WhDel * intervalsPerHour,
			ConsumedWatts:       c.Enwh * intervalsPerHour,
			ExportedWatts:       (p.WhDel - c.Enwh) * intervalsPerHour,
			BatteryChargedWatts: charged[p.EndAt],
		})
	}
	return snaps, nil
}

// BatteryCharge returns the home battery's level and the power charged into
// it during the most recent interval.
func (e *Enphase) BatteryCharge(ctx context.Context) (types.BatteryState, error) {
	var bat batteryResponse
	if err := e.telemetry(ctx, "battery", time.Hour, &bat); err != nil {
		return types.BatteryState{}, err
	}

	level, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(bat.LastReportedAggregateSOC), "%"))
	if err != nil {
		return types.BatteryState{}, fmt.Errorf("invalid battery level %q: %w", bat.LastReportedAggregateSOC, err)
	}

	state := types.BatteryState{LevelPercent: level}
	if n := len(bat.Intervals); n > 0 {
		state.MostRecentChargedWatts = bat.Intervals[n-1].Charge.Enwh * intervalsPerHour
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"battery charge",
		slog.Int("level", state.LevelPercent),
		slog.Float64("chargedWatts", state.MostRecentChargedWatts),
	)
	return state, nil
}

// GenerationWindow finds the local hours during which production is high
// enough to charge from: the first morning hour producing between 1200 and
// 1400 watts through the first afternoon hour producing between 900 and 1200
// watts, over the last five days.
func (e *Enphase) GenerationWindow(ctx context.Context, loc *time.Location) (types.GenerationWindow, error) {
	if loc == nil {
		loc = time.Local
	}
	snaps, err := e.ProductionMeters(ctx, generationLookback)
	if err != nil {
		return types.GenerationWindow{}, err
	}

	first, last := -1, -1
	for _, s := range snaps {
		h := s.SampleTime.In(loc).Hour()
		w := s.ProducedWatts
		if h >= 12 {
			if last < 0 && w > 900 && w < 1200 {
				last = h
			}
		} else if first < 0 && w >= 1200 && w < 1400 {
			first = h
		}
	}
	if first < 0 || last < 0 {
		return types.GenerationWindow{}, ErrNoGenerationWindow
	}

	window := types.GenerationWindow{FirstHour: first, LastHour: last}
	log.Ctx(ctx).InfoContext(ctx, "found generation window", slog.Int("firstHour", first), slog.Int("lastHour", last))
	return window, nil
}
