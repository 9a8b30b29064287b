package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/heliosev/helios/pkg/log"
	"github.com/heliosev/helios/pkg/types"
)

// Vehicle is what the Arbiter needs to know about and do to a vehicle.
type Vehicle interface {
	ID() int64
	DisplayName() string
	IsHome(ctx context.Context, homeAddress string) (bool, error)
	IsConnected(ctx context.Context) (bool, error)
	ChargeLevel(ctx context.Context) (int, error)
	IsCharging(ctx context.Context) (bool, error)
	StopCharging(ctx context.Context) error
	ResetChargeConfiguration(ctx context.Context) error
}

// Arbiter picks which of a fixed set of vehicles receives charge current.
type Arbiter struct {
	vehicles []Vehicle
	selected Vehicle
}

// New returns an Arbiter over vehicles. The set is never refreshed, so
// vehicles added to or removed from the account later are not seen.
func New(vehicles []Vehicle) *Arbiter {
	return &Arbiter{vehicles: vehicles}
}

// Selected returns the currently selected vehicle, or nil.
func (a *Arbiter) Selected() Vehicle {
	return a.selected
}

type candidate struct {
	types.VehicleCandidate
	vehicle Vehicle
}

// Candidates returns the vehicles that are at homeAddress and plugged in,
// ordered by ascending charge level. Ties keep discovery order.
func (a *Arbiter) Candidates(ctx context.Context, homeAddress string) ([]types.VehicleCandidate, error) {
	cs, err := a.candidates(ctx, homeAddress)
	if err != nil {
		return nil, err
	}
	out := make([]types.VehicleCandidate, len(cs))
	for i, c := range cs {
		out[i] = c.VehicleCandidate
	}
	return out, nil
}

func (a *Arbiter) candidates(ctx context.Context, homeAddress string) ([]candidate, error) {
	var cs []candidate
	for _, v := range a.vehicles {
		home, err := v.IsHome(ctx, homeAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to locate %s: %w", v.DisplayName(), err)
		}
		if !home {
			log.Ctx(ctx).DebugContext(ctx, "vehicle not home", slog.Int64("vehicleID", v.ID()))
			continue
		}
		connected, err := v.IsConnected(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check connection of %s: %w", v.DisplayName(), err)
		}
		if !connected {
			log.Ctx(ctx).DebugContext(ctx, "vehicle not connected", slog.Int64("vehicleID", v.ID()))
			continue
		}
		level, err := v.ChargeLevel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get charge level of %s: %w", v.DisplayName(), err)
		}
		cs = append(cs, candidate{
			VehicleCandidate: types.VehicleCandidate{
				ID:                 v.ID(),
				DisplayName:        v.DisplayName(),
				ChargeLevelPercent: level,
				IsHome:             true,
				IsConnected:        true,
			},
			vehicle: v,
		})
	}
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].ChargeLevelPercent < cs[j].ChargeLevelPercent
	})
	return cs, nil
}

// SelectVehicle selects the least charged vehicle that is home and plugged
// in. If none are, the previous selection is kept. When the selection moves
// to a different vehicle the previous one is stopped, if charging, and its
// charge current is restored before the new selection takes effect. On any
// error the previous selection is kept.
func (a *Arbiter) SelectVehicle(ctx context.Context, homeAddress string) (Vehicle, error) {
	cs, err := a.candidates(ctx, homeAddress)
	if err != nil {
		return a.selected, err
	}
	if len(cs) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no vehicles home and connected, keeping selection")
		return a.selected, nil
	}

	next := cs[0]
	prev := a.selected
	if prev != nil && prev.ID() == next.ID {
		return prev, nil
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"selected vehicle",
		slog.String("name", next.DisplayName),
		slog.Int64("id", next.ID),
		slog.Int("chargeLevel", next.ChargeLevelPercent),
	)
	if prev != nil {
		if err := handOff(ctx, prev); err != nil {
			return prev, err
		}
	}
	a.selected = next.vehicle
	return a.selected, nil
}

// handOff returns v to the state it was in before it was selected.
func handOff(ctx context.Context, v Vehicle) error {
	charging, err := v.IsCharging(ctx)
	if err != nil {
		return fmt.Errorf("failed to check charging of %s: %w", v.DisplayName(), err)
	}
	if charging {
		if err := v.StopCharging(ctx); err != nil {
			return fmt.Errorf("failed to stop charging %s: %w", v.DisplayName(), err)
		}
	}
	if err := v.ResetChargeConfiguration(ctx); err != nil {
		return fmt.Errorf("failed to reset charge configuration of %s: %w", v.DisplayName(), err)
	}
	log.Ctx(ctx).InfoContext(ctx, "released vehicle", slog.Int64("id", v.ID()), slog.Bool("wasCharging", charging))
	return nil
}
