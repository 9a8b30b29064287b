package types

import "time"

// Status describes the outcome of the most recent control cycle.
type Status struct {
	Timestamp         time.Time        `json:"timestamp"`
	CycleID           string           `json:"cycleID"`
	Eligible          bool             `json:"eligible"`
	SelectedVehicleID int64            `json:"selectedVehicleID,omitempty"`
	SelectedVehicle   string           `json:"selectedVehicle,omitempty"`
	BatteryLevel      int              `json:"batteryLevel"`
	PowerTargetWatts  float64          `json:"powerTargetWatts"`
	TargetAmps        int              `json:"targetAmps"`
	Action            string           `json:"action,omitempty"`
	Error             string           `json:"error,omitempty"`
	LatestSnapshot    *VehicleSnapshot `json:"latestSnapshot,omitempty"`
}
