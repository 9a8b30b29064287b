package solar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/heliosev/helios/pkg/session"
	"github.com/heliosev/helios/pkg/store"
	"github.com/heliosev/helios/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeEnphase struct {
	*httptest.Server
	production  []map[string]any
	consumption []map[string]any
	battery     map[string]any
	status      int
	queries     []url.Values
}

func newFakeEnphase(t *testing.T) *fakeEnphase {
	f := &fakeEnphase{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "cid", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "enphase-access",
			"refresh_token": "enphase-refresh",
			"token_type":    "bearer",
		})
	})
	mux.HandleFunc("GET /api/v4/systems/42/telemetry/{method}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer enphase-access", r.Header.Get("Authorization"))
		f.queries = append(f.queries, r.URL.Query())
		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			return
		}
		var body any
		switch r.PathValue("method") {
		case "production_meter":
			body = map[string]any{"system_id": 42, "intervals": f.production}
		case "consumption_meter":
			body = map[string]any{"system_id": 42, "intervals": f.consumption}
		case "battery":
			body = f.battery
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(body)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestEnphase(t *testing.T, f *fakeEnphase) (*Enphase, *[]time.Duration) {
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	e := New(Config{
		SystemID:     "42",
		APIKey:       "api-key",
		ClientID:     "cid",
		ClientSecret: "secret",
		AuthCode:     "the-code",
		APIURL:       f.URL + "/api/v4",
		TokenURL:     f.URL + "/oauth/token",
		AuthURL:      f.URL + "/oauth/authorize",
		RedirectURL:  "https://example.com/redirect",
	}, st, f.Client(), nil)
	e.now = func() time.Time { return testNow }

	var sleeps []time.Duration
	e.sess.SetClock(func() time.Time { return testNow })
	e.sess.SetSleeper(func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})
	return e, &sleeps
}

func TestEnphaseMeters(t *testing.T) {
	f := newFakeEnphase(t)
	f.production = []map[string]any{
		{"end_at": 1717243200, "wh_del": 1000},
		{"end_at": 1717244100, "wh_del": 1250},
	}
	f.consumption = []map[string]any{
		{"end_at": 1717243200, "enwh": 400},
		{"end_at": 1717244100, "enwh": 450},
	}
	f.battery = map[string]any{
		"system_id": 42,
		"intervals": []map[string]any{
			{"end_at": 1717244100, "charge": map[string]any{"enwh": 75}},
		},
	}
	e, sleeps := newTestEnphase(t, f)

	snaps, err := e.Meters(t.Context(), time.Hour)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, types.PowerSnapshot{
		SampleTime:          time.Unix(1717244100, 0),
		ProducedWatts:       5000,
		ConsumedWatts:       1800,
		ExportedWatts:       3200,
		BatteryChargedWatts: 300,
	}, snaps[1])
	assert.Equal(t, 2400.0, snaps[0].ExportedWatts)
	assert.Zero(t, snaps[0].BatteryChargedWatts, "interval without battery telemetry")
	assert.Empty(t, *sleeps)

	require.Len(t, f.queries, 3)
	assert.Equal(t, "week", f.queries[0].Get("granularity"))
	assert.Equal(t, "api-key", f.queries[0].Get("key"))
	assert.Equal(t, strconv.FormatInt(testNow.Add(-time.Hour).Unix(), 10), f.queries[0].Get("start_at"))

	t.Run("ShortConsumption", func(t *testing.T) {
		f.consumption = f.consumption[:1]
		_, err := e.Meters(t.Context(), time.Hour)
		assert.Error(t, err)
	})
}

func TestEnphaseBatteryCharge(t *testing.T) {
	f := newFakeEnphase(t)
	f.battery = map[string]any{
		"system_id":                   42,
		"last_reported_aggregate_soc": "87%",
		"intervals": []map[string]any{
			{"end_at": 1717243200, "charge": map[string]any{"enwh": 50}, "soc": map[string]any{"percent": 85}},
			{"end_at": 1717244100, "charge": map[string]any{"enwh": 100}, "soc": map[string]any{"percent": 87}},
		},
	}
	e, _ := newTestEnphase(t, f)

	state, err := e.BatteryCharge(t.Context())
	require.NoError(t, err)
	assert.Equal(t, types.BatteryState{LevelPercent: 87, MostRecentChargedWatts: 400}, state)

	t.Run("BadLevel", func(t *testing.T) {
		f.battery["last_reported_aggregate_soc"] = "n/a"
		_, err := e.BatteryCharge(t.Context())
		assert.Error(t, err)
	})
}

func TestEnphaseGenerationWindow(t *testing.T) {
	f := newFakeEnphase(t)
	day := time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC)
	at := func(h int, watts float64) map[string]any {
		return map[string]any{"end_at": day.Add(time.Duration(h) * time.Hour).Unix(), "wh_del": watts / 4}
	}
	f.production = []map[string]any{
		at(7, 400),
		at(8, 1000),
		at(9, 1300),
		at(10, 1250),
		at(13, 3000),
		at(15, 1100),
		at(16, 950),
	}
	e, _ := newTestEnphase(t, f)

	window, err := e.GenerationWindow(t.Context(), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, types.GenerationWindow{FirstHour: 9, LastHour: 15}, window)
	assert.Equal(t, strconv.FormatInt(testNow.Add(-generationLookback).Unix(), 10), f.queries[0].Get("start_at"))

	t.Run("NotFound", func(t *testing.T) {
		f.production = []map[string]any{at(9, 100), at(15, 100)}
		_, err := e.GenerationWindow(t.Context(), time.UTC)
		assert.ErrorIs(t, err, ErrNoGenerationWindow)
	})
}

func TestEnphaseRetries(t *testing.T) {
	f := newFakeEnphase(t)
	f.status = http.StatusUnprocessableEntity
	e, sleeps := newTestEnphase(t, f)

	_, err := e.BatteryCharge(t.Context())
	assert.ErrorIs(t, err, session.ErrUnexpectedStatus)
	assert.Len(t, f.queries, 31)
	require.Len(t, *sleeps, 30)
	assert.Equal(t, 5*time.Minute, (*sleeps)[0])

	t.Run("GenericFailure", func(t *testing.T) {
		f.status = http.StatusInternalServerError
		*sleeps = nil
		_, err := e.BatteryCharge(t.Context())
		assert.Error(t, err)
		require.Len(t, *sleeps, 30)
		for _, d := range *sleeps {
			assert.Equal(t, 10*time.Second, d)
		}
	})
}

func TestEnphaseAuthURL(t *testing.T) {
	f := newFakeEnphase(t)
	e, _ := newTestEnphase(t, f)

	u, err := url.Parse(e.AuthURL())
	require.NoError(t, err)
	assert.Equal(t, "/oauth/authorize", u.Path)
	assert.Equal(t, "code", u.Query().Get("response_type"))
	assert.Equal(t, "cid", u.Query().Get("client_id"))
	assert.Equal(t, "https://example.com/redirect", u.Query().Get("redirect_uri"))
}
