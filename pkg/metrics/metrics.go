package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the Prometheus instruments Helios exports. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	requests       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	cycles         *prometheus.CounterVec
	targetAmps     prometheus.Gauge
	powerTarget    prometheus.Gauge
	selected       prometheus.Gauge
}

// NewRecorder registers metrics on the default Prometheus registerer.
func NewRecorder() (*Recorder, error) {
	return NewRecorderWithRegistry(prometheus.DefaultRegisterer)
}

// NewRecorderWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewRecorderWithRegistry(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helios_api_requests_total",
			Help: "Provider API responses by status code",
		}, []string{"provider", "code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helios_api_retries_total",
			Help: "Provider API retries by reason",
		}, []string{"provider", "reason"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helios_token_refreshes_total",
			Help: "Token refresh and bootstrap attempts by result",
		}, []string{"provider", "result"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helios_cycles_total",
			Help: "Control cycles by outcome",
		}, []string{"outcome"}),
		targetAmps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helios_target_amps",
			Help: "Most recent amperage target, 0 when no viable target",
		}),
		powerTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helios_power_target_watts",
			Help: "Most recent power target before conversion to amps",
		}),
		selected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helios_selected_vehicle_id",
			Help: "ID of the vehicle currently selected for charging, 0 when none",
		}),
	}

	var err error
	if r.requests, err = register(reg, r.requests); err != nil {
		return nil, err
	}
	if r.retries, err = register(reg, r.retries); err != nil {
		return nil, err
	}
	if r.tokenRefreshes, err = register(reg, r.tokenRefreshes); err != nil {
		return nil, err
	}
	if r.cycles, err = register(reg, r.cycles); err != nil {
		return nil, err
	}
	if r.targetAmps, err = register(reg, r.targetAmps); err != nil {
		return nil, err
	}
	if r.powerTarget, err = register(reg, r.powerTarget); err != nil {
		return nil, err
	}
	if r.selected, err = register(reg, r.selected); err != nil {
		return nil, err
	}
	return r, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveResponse counts a provider response status code. Transport errors
// are recorded with code 0.
func (r *Recorder) ObserveResponse(provider string, code int) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(provider, strconv.Itoa(code)).Inc()
}

// ObserveRetry counts a retry and why it happened.
func (r *Recorder) ObserveRetry(provider, reason string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(provider, reason).Inc()
}

// ObserveTokenRefresh counts a token refresh or bootstrap attempt.
func (r *Recorder) ObserveTokenRefresh(provider string, ok bool) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	r.tokenRefreshes.WithLabelValues(provider, result).Inc()
}

// ObserveCycle counts a finished control cycle.
func (r *Recorder) ObserveCycle(outcome string) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(outcome).Inc()
}

// SetTarget records the latest power and amperage targets.
func (r *Recorder) SetTarget(powerWatts float64, amps int) {
	if r == nil {
		return
	}
	r.powerTarget.Set(powerWatts)
	r.targetAmps.Set(float64(amps))
}

// SetSelectedVehicle records the selected vehicle id.
func (r *Recorder) SetSelectedVehicle(id int64) {
	if r == nil {
		return
	}
	r.selected.Set(float64(id))
}
