package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/heliosev/helios/pkg/store"
	"github.com/heliosev/helios/pkg/store/storemock"
	"github.com/heliosev/helios/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeTesla struct {
	*httptest.Server

	mu          sync.Mutex
	chargeState map[int64]types.ChargeState
	location    map[int64]types.DriveState
	asleepFor   int
	wakes       int
	commands    []string
	tokenForms  []map[string]string
}

func newFakeTesla(t *testing.T) *fakeTesla {
	f := &fakeTesla{
		chargeState: map[int64]types.ChargeState{
			1: {BatteryLevel: 40, ChargeLimitSOC: 80, ChargingState: types.ChargingStateCharging, ChargeCurrentRequest: 16},
			2: {BatteryLevel: 70, ChargeLimitSOC: 80, ChargingState: types.ChargingStateDisconnected, ChargeCurrentRequest: 32},
		},
		location: map[int64]types.DriveState{
			1: {Latitude: 37.4, Longitude: -122.1},
			2: {Latitude: 40.7, Longitude: -74},
		},
	}
	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"response": v})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/v3/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"client_id":     r.PostForm.Get("client_id"),
			"refresh_token": r.PostForm.Get("refresh_token"),
			"scope":         r.PostForm.Get("scope"),
		})
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tesla-access",
			"refresh_token": "tesla-refresh-2",
			"token_type":    "Bearer",
		})
	})
	mux.HandleFunc("GET /api/1/vehicles", func(w http.ResponseWriter, r *http.Request) {
		write(w, []types.VehicleInfo{
			{ID: 1, DisplayName: "Sparky", State: "online"},
			{ID: 2, DisplayName: "Volt", State: "asleep"},
		})
	})
	mux.HandleFunc("POST /api/1/vehicles/{id}/wake_up", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.wakes++
		state := "online"
		if f.asleepFor > 0 {
			f.asleepFor--
			state = "asleep"
		}
		write(w, map[string]any{"id": pathID(r), "state": state})
	})
	mux.HandleFunc("GET /api/1/vehicles/{id}/data_request/charge_state", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		write(w, f.chargeState[pathID(r)])
	})
	mux.HandleFunc("GET /api/1/vehicles/{id}/vehicle_data", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := pathID(r)
		write(w, types.VehicleData{ID: id, ChargeState: f.chargeState[id], DriveState: f.location[id]})
	})
	mux.HandleFunc("POST /api/1/vehicles/{id}/command/{cmd}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		defer f.mu.Unlock()
		id := pathID(r)
		cmd := r.PathValue("cmd")
		f.commands = append(f.commands, r.PathValue("id")+":"+cmd)
		cs := f.chargeState[id]
		switch cmd {
		case "set_charging_amps":
			cs.ChargeCurrentRequest = body["charging_amps"]
		case "charge_start":
			cs.ChargingState = types.ChargingStateCharging
		case "charge_stop":
			cs.ChargingState = types.ChargingStateStopped
		}
		f.chargeState[id] = cs
		write(w, map[string]any{"result": true, "reason": ""})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func pathID(r *http.Request) int64 {
	var id int64
	json.Unmarshal([]byte(r.PathValue("id")), &id)
	return id
}

type fakeGeo map[float64]string

func (g fakeGeo) StreetAddress(ctx context.Context, lat, lon float64) (string, error) {
	addr, ok := g[lat]
	if !ok {
		return "", errors.New("unknown location")
	}
	return addr, nil
}

func newTestFleet(t *testing.T, f *fakeTesla, st store.Store, seed bool) (*Fleet, *[]time.Duration) {
	if st == nil {
		fs, err := store.NewFileStore(t.TempDir())
		require.NoError(t, err)
		st = fs
	}
	if seed {
		require.NoError(t, st.Set(t.Context(), store.TokenKey(Provider), types.TokenSet{
			AccessToken:  "tesla-access",
			RefreshToken: "tesla-refresh",
			LastRefresh:  testNow,
		}))
	}
	fl := New(Config{
		APIURL:       f.URL + "/api/1",
		TokenURL:     f.URL + "/oauth2/v3/token",
		ClientID:     "ownerapi",
		Scopes:       []string{"openid", "offline_access"},
		RefreshToken: "seed-refresh",
	}, st, fakeGeo{37.4: "1 Solar Way", 40.7: "5 Broadway"}, f.Client(), nil)

	var sleeps []time.Duration
	fl.SetClock(func() time.Time { return testNow })
	fl.SetSleeper(func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})
	return fl, &sleeps
}

func TestFleetDiscover(t *testing.T) {
	f := newFakeTesla(t)
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	fl, _ := newTestFleet(t, f, st, true)

	vs, err := fl.Discover(t.Context())
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, int64(1), vs[0].ID())
	assert.Equal(t, "Sparky", vs[0].DisplayName())
	assert.Equal(t, "Volt", vs[1].DisplayName())
	assert.Nil(t, vs[0].LatestSnapshot())

	var startup types.VehicleSnapshot
	require.NoError(t, st.Get(t.Context(), store.VehicleStartupKey(2), &startup))
	assert.Equal(t, 32, startup.ChargeCurrentRequest)
	assert.True(t, startup.RecordedAt.Equal(testNow))
	assert.Equal(t, 32, vs[1].StartupSnapshot().ChargeCurrentRequest)
}

func TestFleetBootstrapsFromSeed(t *testing.T) {
	f := newFakeTesla(t)
	fl, _ := newTestFleet(t, f, nil, false)

	_, err := fl.Vehicles(t.Context())
	require.NoError(t, err)
	require.Len(t, f.tokenForms, 1)
	assert.Equal(t, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     "ownerapi",
		"refresh_token": "seed-refresh",
		"scope":         "openid offline_access",
	}, f.tokenForms[0])
}

func TestVehicleQueries(t *testing.T) {
	f := newFakeTesla(t)
	fl, _ := newTestFleet(t, f, nil, true)
	vs, err := fl.Discover(t.Context())
	require.NoError(t, err)
	sparky, volt := vs[0], vs[1]

	home, err := sparky.IsHome(t.Context(), "1 Solar Way")
	require.NoError(t, err)
	assert.True(t, home)
	home, err = volt.IsHome(t.Context(), "1 Solar Way")
	require.NoError(t, err)
	assert.False(t, home)

	connected, err := sparky.IsConnected(t.Context())
	require.NoError(t, err)
	assert.True(t, connected)
	connected, err = volt.IsConnected(t.Context())
	require.NoError(t, err)
	assert.False(t, connected)

	charging, err := sparky.IsCharging(t.Context())
	require.NoError(t, err)
	assert.True(t, charging)

	level, err := sparky.ChargeLevel(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 40, level)

	charged, err := sparky.IsCharged(t.Context())
	require.NoError(t, err)
	assert.False(t, charged)

	f.mu.Lock()
	cs := f.chargeState[1]
	cs.ChargingState = types.ChargingStateComplete
	f.chargeState[1] = cs
	f.mu.Unlock()
	charged, err = sparky.IsCharged(t.Context())
	require.NoError(t, err)
	assert.True(t, charged)
}

func TestVehicleCommands(t *testing.T) {
	f := newFakeTesla(t)
	fl, _ := newTestFleet(t, f, nil, true)
	vs, err := fl.Discover(t.Context())
	require.NoError(t, err)
	sparky := vs[0]

	require.NoError(t, sparky.SetChargingAmps(t.Context(), 10))
	require.NoError(t, sparky.StopCharging(t.Context()))
	require.NoError(t, sparky.StartCharging(t.Context()))
	assert.Equal(t, []string{
		"1:set_charging_amps",
		"1:set_charging_amps",
		"1:charge_stop",
		"1:charge_stop",
		"1:charge_start",
	}, f.commands)
	assert.Equal(t, 10, f.chargeState[1].ChargeCurrentRequest)

	f.commands = nil
	require.NoError(t, sparky.ResetChargeConfiguration(t.Context()))
	assert.Equal(t, []string{"1:set_charging_amps", "1:set_charging_amps"}, f.commands)
	assert.Equal(t, 16, f.chargeState[1].ChargeCurrentRequest)
}

func TestVehicleWake(t *testing.T) {
	f := newFakeTesla(t)
	fl, sleeps := newTestFleet(t, f, nil, true)
	v, err := fl.Vehicle(t.Context(), types.VehicleInfo{ID: 1, DisplayName: "Sparky"})
	require.NoError(t, err)

	t.Run("EventuallyOnline", func(t *testing.T) {
		f.wakes = 0
		*sleeps = nil
		f.asleepFor = 3
		require.NoError(t, v.Wake(t.Context()))
		assert.Equal(t, 4, f.wakes)
		assert.Equal(t, []time.Duration{wakeDelay, wakeDelay, wakeDelay}, *sleeps)
	})

	t.Run("NeverOnline", func(t *testing.T) {
		f.wakes = 0
		*sleeps = nil
		f.asleepFor = 100
		require.NoError(t, v.Wake(t.Context()))
		assert.Equal(t, wakeAttempts, f.wakes)
		assert.Len(t, *sleeps, wakeAttempts-1)
	})
}

func TestVehicleSnapshots(t *testing.T) {
	f := newFakeTesla(t)
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	fl, _ := newTestFleet(t, f, st, true)

	now := testNow
	fl.SetClock(func() time.Time { return now })

	v, err := fl.Vehicle(t.Context(), types.VehicleInfo{ID: 1, DisplayName: "Sparky"})
	require.NoError(t, err)
	_, ok := v.LastChargingAmps()
	assert.False(t, ok)

	snap, err := v.StoreLatestSnapshot(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 16, snap.ChargeCurrentRequest)

	amps, ok := v.LastChargingAmps()
	assert.True(t, ok)
	assert.Equal(t, 16, amps)

	now = testNow.Add(15 * time.Minute)
	_, ok = v.LastChargingAmps()
	assert.True(t, ok)

	now = testNow.Add(16 * time.Minute)
	_, ok = v.LastChargingAmps()
	assert.False(t, ok)

	// a restart picks up the stored latest snapshot
	v2, err := fl.Vehicle(t.Context(), types.VehicleInfo{ID: 1, DisplayName: "Sparky"})
	require.NoError(t, err)
	require.NotNil(t, v2.LatestSnapshot())
	assert.True(t, v2.LatestSnapshot().RecordedAt.Equal(testNow))
}

func TestVehicleResetForgetsLastChargingAmps(t *testing.T) {
	f := newFakeTesla(t)
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	fl, _ := newTestFleet(t, f, st, true)

	v, err := fl.Vehicle(t.Context(), types.VehicleInfo{ID: 1, DisplayName: "Sparky"})
	require.NoError(t, err)

	require.NoError(t, v.SetChargingAmps(t.Context(), 10))
	_, err = v.StoreLatestSnapshot(t.Context())
	require.NoError(t, err)
	amps, ok := v.LastChargingAmps()
	require.True(t, ok)
	assert.Equal(t, 10, amps)

	require.NoError(t, v.ResetChargeConfiguration(t.Context()))
	cs, err := v.ChargeState(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 16, cs.ChargeCurrentRequest)
	_, ok = v.LastChargingAmps()
	assert.False(t, ok, "reset must not leave the previous target in place")

	// a restart after the reset ignores the stale stored snapshot
	v2, err := fl.Vehicle(t.Context(), types.VehicleInfo{ID: 1, DisplayName: "Sparky"})
	require.NoError(t, err)
	assert.Nil(t, v2.LatestSnapshot())
	_, ok = v2.LastChargingAmps()
	assert.False(t, ok)
}

func TestVehicleStoreFailure(t *testing.T) {
	f := newFakeTesla(t)
	ms := new(storemock.MockStore)
	ms.On("Update", mock.Anything, store.TokenKey(Provider)).Return(types.TokenSet{
		AccessToken:  "tesla-access",
		RefreshToken: "tesla-refresh",
		LastRefresh:  testNow,
	}, nil)
	ms.On("Set", mock.Anything, store.VehicleStartupKey(1), mock.Anything).Return(errors.New("disk full"))
	fl, _ := newTestFleet(t, f, ms, false)

	_, err := fl.Vehicle(t.Context(), types.VehicleInfo{ID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	ms.AssertExpectations(t)
}
