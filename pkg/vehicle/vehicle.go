package vehicle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/heliosev/helios/pkg/log"
	"github.com/heliosev/helios/pkg/session"
	"github.com/heliosev/helios/pkg/store"
	"github.com/heliosev/helios/pkg/types"
)

// lastAmpsMaxAge bounds how old the latest snapshot can be for its charge
// current to still be trusted.
const lastAmpsMaxAge = 900

// Vehicle controls charging of a single vehicle.
type Vehicle struct {
	fleet *Fleet
	id    int64
	name  string

	startup types.VehicleSnapshot
	latest  *types.VehicleSnapshot
}

// ID returns the vehicle's ID.
func (v *Vehicle) ID() int64 {
	return v.id
}

// DisplayName returns the vehicle's name.
func (v *Vehicle) DisplayName() string {
	return v.name
}

func (v *Vehicle) logger(ctx context.Context) *slog.Logger {
	return log.Ctx(ctx).With(slog.Int64("vehicleID", v.id), slog.String("vehicle", v.name))
}

// Wake wakes the vehicle, polling until it reports being online. A vehicle
// that stays asleep is logged but not treated as an error.
func (v *Vehicle) Wake(ctx context.Context) error {
	u := v.fleet.url("/vehicles/%d/wake_up", v.id)
	for i := 0; i < wakeAttempts; i++ {
		resp, err := v.fleet.sess.Post(ctx, u, nil, session.WithAttempts(2), session.WithDelay(0))
		if err != nil {
			return fmt.Errorf("failed to wake %d: %w", v.id, err)
		}
		if resp.OK() {
			var env envelope[types.VehicleInfo]
			if err := resp.Decode(&env); err != nil {
				return fmt.Errorf("failed to wake %d: %w", v.id, err)
			}
			if env.Response.State == "online" {
				return nil
			}
		}
		if i+1 < wakeAttempts {
			if err := v.fleet.sleep(ctx, wakeDelay); err != nil {
				return err
			}
		}
	}
	v.logger(ctx).WarnContext(ctx, "failed to wake vehicle")
	return nil
}

func (v *Vehicle) command(ctx context.Context, name string, body any) error {
	resp, err := v.fleet.sess.Post(ctx, v.fleet.url("/vehicles/%d/command/%s", v.id, name), body)
	if err != nil {
		return fmt.Errorf("%s failed for %d: %w", name, v.id, err)
	}
	var env envelope[commandResult]
	if err := resp.Decode(&env); err != nil {
		return fmt.Errorf("%s failed for %d: %w", name, v.id, err)
	}
	if !env.Response.Result {
		v.logger(ctx).WarnContext(ctx, "vehicle rejected command", slog.String("command", name), slog.String("reason", env.Response.Reason))
	}
	return nil
}

// SetChargingAmps sets the charge current. The command is sent twice since
// the vehicle occasionally drops the first one after waking.
func (v *Vehicle) SetChargingAmps(ctx context.Context, amps int) error {
	if err := v.Wake(ctx); err != nil {
		return err
	}
	v.logger(ctx).InfoContext(ctx, "setting charging amps", slog.Int("amps", amps))
	// the latest snapshot no longer describes the vehicle's current
	v.latest = nil
	body := map[string]int{"charging_amps": amps}
	for range 2 {
		if err := v.command(ctx, "set_charging_amps", body); err != nil {
			return err
		}
	}
	return nil
}

// StartCharging starts charging.
func (v *Vehicle) StartCharging(ctx context.Context) error {
	if err := v.Wake(ctx); err != nil {
		return err
	}
	v.logger(ctx).InfoContext(ctx, "starting to charge")
	return v.command(ctx, "charge_start", nil)
}

// StopCharging stops charging. Like SetChargingAmps the command is sent twice.
func (v *Vehicle) StopCharging(ctx context.Context) error {
	if err := v.Wake(ctx); err != nil {
		return err
	}
	v.logger(ctx).InfoContext(ctx, "stopping charging")
	for range 2 {
		if err := v.command(ctx, "charge_stop", nil); err != nil {
			return err
		}
	}
	return nil
}

// VehicleData returns the full vehicle data.
func (v *Vehicle) VehicleData(ctx context.Context) (types.VehicleData, error) {
	if err := v.Wake(ctx); err != nil {
		return types.VehicleData{}, err
	}
	vd, err := get[types.VehicleData](ctx, v.fleet, v.fleet.url("/vehicles/%d/vehicle_data", v.id))
	if err != nil {
		return vd, fmt.Errorf("failed to get vehicle data for %d: %w", v.id, err)
	}
	return vd, nil
}

// ChargeState returns the live charge state.
func (v *Vehicle) ChargeState(ctx context.Context) (types.ChargeState, error) {
	if err := v.Wake(ctx); err != nil {
		return types.ChargeState{}, err
	}
	cs, err := get[types.ChargeState](ctx, v.fleet, v.fleet.url("/vehicles/%d/data_request/charge_state", v.id))
	if err != nil {
		return cs, fmt.Errorf("failed to get charge state for %d: %w", v.id, err)
	}
	return cs, nil
}

// ChargeLevel returns the battery level percentage.
func (v *Vehicle) ChargeLevel(ctx context.Context) (int, error) {
	cs, err := v.ChargeState(ctx)
	if err != nil {
		return 0, err
	}
	return cs.BatteryLevel, nil
}

// Location returns the vehicle's coordinates.
func (v *Vehicle) Location(ctx context.Context) (lat, lon float64, err error) {
	vd, err := v.VehicleData(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vd.DriveState.Latitude, vd.DriveState.Longitude, nil
}

// IsHome returns true if the street address at the vehicle's location
// exactly matches homeAddress.
func (v *Vehicle) IsHome(ctx context.Context, homeAddress string) (bool, error) {
	lat, lon, err := v.Location(ctx)
	if err != nil {
		return false, err
	}
	addr, err := v.fleet.geo.StreetAddress(ctx, lat, lon)
	if err != nil {
		return false, fmt.Errorf("failed to resolve address for %d: %w", v.id, err)
	}
	return addr == homeAddress, nil
}

// IsConnected returns true if a charge cable is plugged in.
func (v *Vehicle) IsConnected(ctx context.Context) (bool, error) {
	cs, err := v.ChargeState(ctx)
	if err != nil {
		return false, err
	}
	return cs.ChargingState != types.ChargingStateDisconnected, nil
}

// IsCharging returns true if the vehicle is drawing current.
func (v *Vehicle) IsCharging(ctx context.Context) (bool, error) {
	cs, err := v.ChargeState(ctx)
	if err != nil {
		return false, err
	}
	return cs.ChargingState == types.ChargingStateCharging, nil
}

// IsCharged returns true if the vehicle reached its charge limit.
func (v *Vehicle) IsCharged(ctx context.Context) (bool, error) {
	cs, err := v.ChargeState(ctx)
	if err != nil {
		return false, err
	}
	return cs.BatteryLevel >= cs.ChargeLimitSOC || cs.ChargingState == types.ChargingStateComplete, nil
}

// ResetChargeConfiguration restores the charge current recorded when the
// vehicle was first prepared.
func (v *Vehicle) ResetChargeConfiguration(ctx context.Context) error {
	return v.SetChargingAmps(ctx, v.startup.ChargeCurrentRequest)
}

// StartupSnapshot returns the snapshot recorded when the vehicle was prepared.
func (v *Vehicle) StartupSnapshot() types.VehicleSnapshot {
	return v.startup
}

// LatestSnapshot returns the most recently stored snapshot, or nil.
func (v *Vehicle) LatestSnapshot() *types.VehicleSnapshot {
	return v.latest
}

// StoreLatestSnapshot records the current charge state as the latest
// snapshot.
func (v *Vehicle) StoreLatestSnapshot(ctx context.Context) (types.VehicleSnapshot, error) {
	cs, err := v.ChargeState(ctx)
	if err != nil {
		return types.VehicleSnapshot{}, err
	}
	snap := types.VehicleSnapshot{ChargeState: cs, RecordedAt: v.fleet.now()}
	if err := v.fleet.store.Set(ctx, store.VehicleLatestKey(v.id), snap); err != nil {
		return snap, fmt.Errorf("failed to store latest snapshot for %d: %w", v.id, err)
	}
	v.latest = &snap
	return snap, nil
}

// LastChargingAmps returns the charge current from the latest snapshot if it
// was recorded within the last 15 minutes.
func (v *Vehicle) LastChargingAmps() (int, bool) {
	if v.latest == nil {
		return 0, false
	}
	if v.fleet.now().Sub(v.latest.RecordedAt).Seconds() > lastAmpsMaxAge {
		return 0, false
	}
	return v.latest.ChargeCurrentRequest, true
}
