package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/heliosev/helios/pkg/log"
	"github.com/heliosev/helios/pkg/types"
)

const (
	// LineVolts is the nominal voltage used to estimate what a vehicle draws at
	// a given current.
	LineVolts = 240
	// WattsPerAmp converts a power target into amps, leaving a small margin
	// over LineVolts.
	WattsPerAmp = 244
	// MinAmps is the lowest charge current worth requesting.
	MinAmps = 5
	// RampWindow is how long after start a vehicle's estimated draw is scaled
	// down while its charger ramps up.
	RampWindow = 900 * time.Second
)

// ErrNoPriorProduction is returned when the previous snapshot produced
// nothing so the production trend cannot be computed.
var ErrNoPriorProduction = errors.New("previous snapshot has no production")

// Settings configure the Controller.
type Settings struct {
	// HomeBatteryThreshold is the minimum home battery percentage before any
	// power is diverted to a vehicle.
	HomeBatteryThreshold int
	// ReservedPowerWatts is withheld from every power target.
	ReservedPowerWatts float64
}

// State is carried between calls. The zero value is a cold start.
type State struct {
	// PriorTargetAmps is the last target returned, 0 when there was none.
	PriorTargetAmps int `json:"priorTargetAmps"`
	// LastCheck is the last time CheckPower allowed a cycle.
	LastCheck time.Time `json:"lastCheck"`
}

// Decision is the result of FindTarget.
type Decision struct {
	// Amps is the target charge current, 0 when no target is viable.
	Amps int
	// PowerTargetWatts is the power the target was derived from. It is 0 when
	// the home battery was below the threshold.
	PowerTargetWatts float64
	Explanation      string
}

// HasTarget returns true if a charge current should be applied.
func (d Decision) HasTarget() bool {
	return d.Amps >= MinAmps
}

// Controller decides how much current to divert to a vehicle.
type Controller struct {
	settings  Settings
	startTime time.Time
}

// NewController creates a new Controller. startTime anchors the ramp window.
func NewController(settings Settings, startTime time.Time) *Controller {
	return &Controller{
		settings:  settings,
		startTime: startTime,
	}
}

// StartTime returns when the controller started.
func (c *Controller) StartTime() time.Time {
	return c.startTime
}

// FindTarget computes the charge current to request given the home battery
// and the two most recent telemetry snapshots. The returned State always
// carries the new target, including when there is none. When an error is
// returned the State is returned unchanged.
func (c *Controller) FindTarget(
	ctx context.Context,
	st State,
	battery types.BatteryState,
	latest, previous types.PowerSnapshot,
	now time.Time,
) (Decision, State, error) {
	if battery.LevelPercent < c.settings.HomeBatteryThreshold {
		log.Ctx(ctx).InfoContext(
			ctx,
			"home battery level too low, no amperage target will be set",
			slog.Int("batteryLevel", battery.LevelPercent),
			slog.Int("threshold", c.settings.HomeBatteryThreshold),
		)
		st.PriorTargetAmps = 0
		return Decision{
			Explanation: fmt.Sprintf("home battery at %d%% is below %d%%", battery.LevelPercent, c.settings.HomeBatteryThreshold),
		}, st, nil
	}

	if previous.ProducedWatts == 0 {
		return Decision{}, st, fmt.Errorf("%w: sample at %s", ErrNoPriorProduction, previous.SampleTime)
	}
	ratio := latest.ProducedWatts / previous.ProducedWatts

	log.Ctx(ctx).DebugContext(
		ctx,
		"finding target",
		slog.Float64("produced", latest.ProducedWatts),
		slog.Float64("exported", latest.ExportedWatts),
		slog.Float64("batteryCharged", battery.MostRecentChargedWatts),
		slog.Float64("productionRatio", ratio),
		slog.Int("priorTarget", st.PriorTargetAmps),
	)

	var powerTarget float64
	var explanation string
	if st.PriorTargetAmps == 0 {
		powerTarget = (latest.ExportedWatts+battery.MostRecentChargedWatts)*ratio - c.settings.ReservedPowerWatts
		explanation = "surplus from export and battery charging"
	} else {
		consumed := float64(LineVolts * st.PriorTargetAmps)
		if elapsed := now.Sub(c.startTime); elapsed <= RampWindow {
			consumed *= elapsed.Seconds() / RampWindow.Seconds()
			log.Ctx(ctx).DebugContext(ctx, "scaled vehicle consumption for ramp up", slog.Float64("vehicleConsumed", consumed))
		}
		powerTarget = (consumed+battery.MostRecentChargedWatts+latest.ExportedWatts)*ratio - c.settings.ReservedPowerWatts
		explanation = fmt.Sprintf("surplus including %.0fW already drawn by the vehicle", consumed)
	}

	if powerTarget > latest.ProducedWatts {
		log.Ctx(ctx).DebugContext(
			ctx,
			"power target greater than produced",
			slog.Float64("powerTarget", powerTarget),
			slog.Float64("produced", latest.ProducedWatts),
		)
		powerTarget = latest.ProducedWatts - c.settings.ReservedPowerWatts
		explanation = "limited by total production"
	}

	log.Ctx(ctx).InfoContext(ctx, "found power target", slog.Int("watts", int(powerTarget)))

	amps := int(math.Floor(powerTarget / WattsPerAmp))
	if amps < MinAmps {
		log.Ctx(ctx).InfoContext(ctx, "no reasonable amperage target could be found", slog.Int("amps", amps))
		amps = 0
		explanation = fmt.Sprintf("%.0fW is not enough for %dA", powerTarget, MinAmps)
	} else {
		log.Ctx(ctx).InfoContext(ctx, "found amperage target", slog.Int("amps", amps))
	}

	st.PriorTargetAmps = amps
	return Decision{
		Amps:             amps,
		PowerTargetWatts: powerTarget,
		Explanation:      explanation,
	}, st, nil
}
