package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heliosev/helios/pkg/arbiter"
	"github.com/heliosev/helios/pkg/controller"
	"github.com/heliosev/helios/pkg/log"
	"github.com/heliosev/helios/pkg/metrics"
	"github.com/heliosev/helios/pkg/session"
	"github.com/heliosev/helios/pkg/types"
)

// resetTimeout bounds restoring the selected vehicle on shutdown.
const resetTimeout = 5 * time.Minute

// Solar is the telemetry the Runner reads.
type Solar interface {
	BatteryCharge(ctx context.Context) (types.BatteryState, error)
	Meters(ctx context.Context, lastN time.Duration) ([]types.PowerSnapshot, error)
	GenerationWindow(ctx context.Context, loc *time.Location) (types.GenerationWindow, error)
}

// Vehicle is a vehicle the Runner can charge.
type Vehicle interface {
	arbiter.Vehicle
	IsCharged(ctx context.Context) (bool, error)
	SetChargingAmps(ctx context.Context, amps int) error
	StartCharging(ctx context.Context) error
	StoreLatestSnapshot(ctx context.Context) (types.VehicleSnapshot, error)
	LastChargingAmps() (int, bool)
}

// Runner drives the control loop. Every step runs serially on the caller's
// goroutine; only Status may be called concurrently.
type Runner struct {
	settings   Settings
	solar      Solar
	arbiter    *arbiter.Arbiter
	controller *controller.Controller
	metrics    *metrics.Recorder
	now        func() time.Time

	state     controller.State
	window    types.GenerationWindow
	windowDay string

	mu     sync.RWMutex
	status types.Status
}

// New returns a Runner.
func New(settings Settings, solar Solar, arb *arbiter.Arbiter, ctrl *controller.Controller, rec *metrics.Recorder) *Runner {
	if settings.Location == nil {
		settings.Location = time.Local
	}
	if settings.MeterLookback <= 0 {
		settings.MeterLookback = time.Hour
	}
	return &Runner{
		settings:   settings,
		solar:      solar,
		arbiter:    arb,
		controller: ctrl,
		metrics:    rec,
		now:        time.Now,
	}
}

// Status returns the outcome of the most recent eligible cycle.
func (r *Runner) Status() types.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runner) setStatus(s types.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// Run runs a cycle every PollInterval until ctx is done, then restores the
// selected vehicle's charge configuration. It only returns an error if
// tokens could not be obtained.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.settings.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Cycle(ctx); err != nil {
			if errors.Is(err, session.ErrFatalAuth) {
				return err
			}
			if ctx.Err() == nil {
				log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("error", err))
			}
		}

		select {
		case <-ctx.Done():
			r.shutdown(ctx)
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) shutdown(ctx context.Context) {
	sel := r.arbiter.Selected()
	if sel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()

	log.Ctx(ctx).InfoContext(ctx, "resetting charge configuration", slog.Int64("vehicleID", sel.ID()))
	if err := sel.ResetChargeConfiguration(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to reset charge configuration", slog.Any("error", err))
	}
}

// Cycle runs a single pass of the control loop if the throttle allows it.
// The returned Status has Eligible unset when the cycle was skipped.
func (r *Runner) Cycle(ctx context.Context) (types.Status, error) {
	now := r.now().In(r.settings.Location)

	ok, st := controller.CheckPower(r.state, now)
	r.state = st
	if !ok {
		return types.Status{Timestamp: now}, nil
	}

	status := types.Status{
		Timestamp: now,
		CycleID:   uuid.NewString(),
		Eligible:  true,
	}
	ctx = log.WithAttrs(ctx, slog.String("cycle", status.CycleID))

	err := r.cycle(ctx, now, &status)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		status.Error = err.Error()
	}
	r.metrics.ObserveCycle(outcome)
	r.setStatus(status)
	return status, err
}

func (r *Runner) cycle(ctx context.Context, now time.Time, status *types.Status) error {
	// 1. Only charge during the generation window, if enabled
	if r.settings.LimitToGenerationWindow {
		window, err := r.generationWindow(ctx, now)
		if err != nil {
			return err
		}
		if !window.Contains(now) {
			log.Ctx(ctx).InfoContext(ctx, "outside generation window", slog.Int("hour", now.Hour()))
			status.Action = "outside generation window"
			return nil
		}
	}

	// 2. Pick the vehicle
	sel, err := r.arbiter.SelectVehicle(ctx, r.settings.HomeAddress)
	if err != nil {
		return fmt.Errorf("failed to select vehicle: %w", err)
	}
	if sel == nil {
		log.Ctx(ctx).InfoContext(ctx, "no vehicle home and connected")
		r.metrics.SetSelectedVehicle(0)
		status.Action = "no vehicle"
		return nil
	}
	v, ok := sel.(Vehicle)
	if !ok {
		return fmt.Errorf("vehicle %d cannot be charged", sel.ID())
	}
	status.SelectedVehicleID = v.ID()
	status.SelectedVehicle = v.DisplayName()
	r.metrics.SetSelectedVehicle(v.ID())

	// 3. Read telemetry
	battery, err := r.solar.BatteryCharge(ctx)
	if err != nil {
		return fmt.Errorf("failed to get battery charge: %w", err)
	}
	status.BatteryLevel = battery.LevelPercent

	meters, err := r.solar.Meters(ctx, r.settings.MeterLookback)
	if err != nil {
		return fmt.Errorf("failed to get meters: %w", err)
	}
	if len(meters) < 2 {
		return fmt.Errorf("need 2 telemetry intervals, got %d", len(meters))
	}
	latest, previous := meters[len(meters)-1], meters[len(meters)-2]

	// 4. Decide
	decision, st, err := r.controller.FindTarget(ctx, r.state, battery, latest, previous, now)
	if err != nil {
		return fmt.Errorf("failed to find target: %w", err)
	}
	r.state = st
	status.PowerTargetWatts = decision.PowerTargetWatts
	status.TargetAmps = decision.Amps
	r.metrics.SetTarget(decision.PowerTargetWatts, decision.Amps)

	// 5. Apply
	action, err := r.apply(ctx, v, decision)
	status.Action = action
	if err != nil {
		return err
	}

	// 6. Record what the vehicle ended up doing
	snap, err := v.StoreLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to store latest snapshot: %w", err)
	}
	status.LatestSnapshot = &snap
	return nil
}

func (r *Runner) apply(ctx context.Context, v Vehicle, d controller.Decision) (string, error) {
	if !d.HasTarget() {
		charging, err := v.IsCharging(ctx)
		if err != nil {
			return "", err
		}
		if !charging {
			return "idle", nil
		}
		if err := v.StopCharging(ctx); err != nil {
			return "", err
		}
		return "stopped charging", nil
	}

	charged, err := v.IsCharged(ctx)
	if err != nil {
		return "", err
	}
	if charged {
		log.Ctx(ctx).InfoContext(ctx, "vehicle is charged", slog.Int64("vehicleID", v.ID()))
		return "charged", nil
	}

	if last, ok := v.LastChargingAmps(); ok && last == d.Amps {
		log.Ctx(ctx).DebugContext(ctx, "charging amps already at target", slog.Int("amps", d.Amps))
	} else if err := v.SetChargingAmps(ctx, d.Amps); err != nil {
		return "", err
	}

	charging, err := v.IsCharging(ctx)
	if err != nil {
		return "", err
	}
	if !charging {
		if err := v.StartCharging(ctx); err != nil {
			return "", err
		}
		return fmt.Sprintf("started charging at %dA", d.Amps), nil
	}
	return fmt.Sprintf("charging at %dA", d.Amps), nil
}

// generationWindow returns today's window, finding it at most once a day.
func (r *Runner) generationWindow(ctx context.Context, now time.Time) (types.GenerationWindow, error) {
	day := now.Format(time.DateOnly)
	if r.windowDay == day {
		return r.window, nil
	}
	window, err := r.solar.GenerationWindow(ctx, r.settings.Location)
	if err != nil {
		return window, fmt.Errorf("failed to get generation window: %w", err)
	}
	r.window = window
	r.windowDay = day
	return window, nil
}
