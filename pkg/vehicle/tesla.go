package vehicle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
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
const Provider = "tesla"

const (
	wakeAttempts = 11
	wakeDelay    = 5 * time.Second
)

// AddressResolver turns coordinates into a street address.
type AddressResolver interface {
	StreetAddress(ctx context.Context, lat, lon float64) (string, error)
}

// Config holds the Tesla account settings.
type Config struct {
	APIURL       string
	TokenURL     string
	ClientID     string
	Scopes       []string
	RefreshToken string
}

// Fleet is a Tesla account. Its vehicles share one Session.
type Fleet struct {
	cfg   Config
	sess  *session.Session
	store store.Store
	geo   AddressResolver
	now   func() time.Time
	sleep session.Sleeper
}

// Configured registers the Tesla flags.
func Configured(st store.Store, geo AddressResolver, rec *metrics.Recorder) *Fleet {
	apiURL := lflag.String("tesla-api-url", "https://owner-api.teslamotors.com/api/1", "Tesla owner API base URL")
	tokenURL := lflag.String("tesla-token-url", "https://auth.tesla.com/oauth2/v3/token", "Tesla OAuth token URL")
	clientID := lflag.String("tesla-client-id", "ownerapi", "Tesla OAuth client ID")
	scope := lflag.String("tesla-scope", "openid email offline_access", "Tesla OAuth scopes, space separated")
	refreshToken := lflag.String("tesla-refresh-token", "", "Tesla refresh token, used when no tokens are stored")

	f := &Fleet{}
	lflag.Do(func() {
		*f = *New(Config{
			APIURL:       *apiURL,
			TokenURL:     *tokenURL,
			ClientID:     *clientID,
			Scopes:       strings.Fields(*scope),
			RefreshToken: *refreshToken,
		}, st, geo, common.HTTPClient(time.Minute), rec)
	})
	return f
}

// New returns a Fleet whose tokens and vehicle snapshots are persisted to st.
func New(cfg Config, st store.Store, geo AddressResolver, client *http.Client, rec *metrics.Recorder) *Fleet {
	policy := session.VehicleControlPolicy()
	tokens := session.NewTokenManager(session.TokenConfig{
		Provider: Provider,
		OAuth: oauth2.Config{
			ClientID: cfg.ClientID,
			Scopes:   cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		SeedRefreshToken: cfg.RefreshToken,
		ScopeOnRefresh:   len(cfg.Scopes) > 0,
	}, policy, st, client, rec)

	return &Fleet{
		cfg:   cfg,
		sess:  session.New(Provider, client, tokens, policy, rec),
		store: st,
		geo:   geo,
		now:   time.Now,
		sleep: session.Sleep,
	}
}

// Session returns the underlying Session.
func (f *Fleet) Session() *session.Session {
	return f.sess
}

// SetSleeper replaces how the Fleet and its Session wait between attempts.
func (f *Fleet) SetSleeper(fn session.Sleeper) {
	f.sleep = fn
	f.sess.SetSleeper(fn)
}

// SetClock replaces the Fleet's clock.
func (f *Fleet) SetClock(fn func() time.Time) {
	f.now = fn
	f.sess.SetClock(fn)
}

type envelope[T any] struct {
	Response T `json:"response"`
}

type commandResult struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}

func (f *Fleet) url(format string, args ...any) string {
	return f.cfg.APIURL + fmt.Sprintf(format, args...)
}

func get[T any](ctx context.Context, f *Fleet, u string) (T, error) {
	var env envelope[T]
	resp, err := f.sess.Get(ctx, u, nil)
	if err != nil {
		return env.Response, err
	}
	if err := resp.Decode(&env); err != nil {
		return env.Response, err
	}
	return env.Response, nil
}

// Vehicles lists the vehicles on the account.
func (f *Fleet) Vehicles(ctx context.Context) ([]types.VehicleInfo, error) {
	vs, err := get[[]types.VehicleInfo](ctx, f, f.url("/vehicles"))
	if err != nil {
		return nil, fmt.Errorf("failed to list vehicles: %w", err)
	}
	return vs, nil
}

// Discover lists the vehicles on the account and prepares each one for
// control. The set is not refreshed afterwards.
func (f *Fleet) Discover(ctx context.Context) ([]*Vehicle, error) {
	infos, err := f.Vehicles(ctx)
	if err != nil {
		return nil, err
	}
	vehicles := make([]*Vehicle, 0, len(infos))
	for _, info := range infos {
		log.Ctx(ctx).InfoContext(ctx, "found vehicle", slog.String("name", info.DisplayName), slog.Int64("id", info.ID))
		v, err := f.Vehicle(ctx, info)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

// Vehicle prepares a single vehicle for control by recording its startup
// snapshot and loading its latest one, if any.
func (f *Fleet) Vehicle(ctx context.Context, info types.VehicleInfo) (*Vehicle, error) {
	v := &Vehicle{
		fleet: f,
		id:    info.ID,
		name:  info.DisplayName,
	}

	log.Ctx(ctx).DebugContext(ctx, "recording startup charge state", slog.Int64("vehicleID", v.id))
	cs, err := v.ChargeState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to record startup charge state for %d: %w", v.id, err)
	}
	v.startup = types.VehicleSnapshot{ChargeState: cs, RecordedAt: f.now()}
	if err := f.store.Set(ctx, store.VehicleStartupKey(v.id), v.startup); err != nil {
		return nil, fmt.Errorf("failed to store startup snapshot for %d: %w", v.id, err)
	}

	var latest types.VehicleSnapshot
	switch err := f.store.Get(ctx, store.VehicleLatestKey(v.id), &latest); {
	case err == nil:
		// the current may have been reset since the snapshot was stored
		if latest.ChargeCurrentRequest == cs.ChargeCurrentRequest {
			v.latest = &latest
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load latest snapshot for %d: %w", v.id, err)
	}
	return v, nil
}
