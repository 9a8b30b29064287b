package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/heliosev/helios/pkg/metrics"
	"github.com/heliosev/helios/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStatus types.Status

func (s staticStatus) Status() types.Status {
	return types.Status(s)
}

func newTestServer(t *testing.T) *Server {
	return newTestServerWithAction(t, "started charging at 10A")
}

func newTestServerWithAction(t *testing.T, action string) *Server {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorderWithRegistry(reg)
	require.NoError(t, err)
	rec.SetTarget(2500, 10)

	return New(":0", staticStatus{
		Timestamp:         time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC),
		CycleID:           "abc",
		Eligible:          true,
		SelectedVehicleID: 1,
		SelectedVehicle:   "Sparky",
		TargetAmps:        10,
		Action:            action,
		LatestSnapshot: &types.VehicleSnapshot{
			ChargeState: types.ChargeState{BatteryLevel: 40, ChargeCurrentRequest: 10},
		},
	}, reg)
}

func TestHandler(t *testing.T) {
	h := newTestServer(t).setupHandler()

	t.Run("Healthz", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
		assert.True(t, strings.HasPrefix(w.Header().Get("Server"), "helios/"))
	})

	t.Run("Status", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var got types.Status
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "abc", got.CycleID)
		assert.Equal(t, 10, got.TargetAmps)
		require.NotNil(t, got.LatestSnapshot)
		assert.Equal(t, 40, got.LatestSnapshot.BatteryLevel)
	})

	t.Run("Metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "helios_target_amps 10")
	})

	t.Run("Gzip", func(t *testing.T) {
		// small responses are not worth compressing
		h := newTestServerWithAction(t, strings.Repeat("x", 2000)).setupHandler()
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

		gz, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		b, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Contains(t, string(b), `"cycleID":"abc"`)
	})

	t.Run("Method Not Allowed", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/status", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestRun(t *testing.T) {
	t.Run("Serves Until Canceled", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		srv := newTestServer(t)
		srv.listenAddr = addr

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()

		require.Eventually(t, func() bool {
			resp, err := http.Get("http://" + addr + "/healthz")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down")
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		srv := New("", staticStatus{}, nil)
		assert.False(t, srv.Enabled())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, srv.Run(ctx))
	})
}
