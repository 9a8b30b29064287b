package types

import "time"

// Charging states reported by the vehicle.
const (
	ChargingStateDisconnected = "Disconnected"
	ChargingStateCharging     = "Charging"
	ChargingStateComplete     = "Complete"
	ChargingStateStopped      = "Stopped"
)

// VehicleInfo identifies a vehicle discovered on the account.
type VehicleInfo struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
}

// ChargeState is the live charging state of a vehicle.
type ChargeState struct {
	BatteryLevel         int    `json:"battery_level"`
	ChargeLimitSOC       int    `json:"charge_limit_soc"`
	ChargingState        string `json:"charging_state"`
	ChargeCurrentRequest int    `json:"charge_current_request"`
}

// DriveState holds the fields of the vehicle's drive state we care about.
type DriveState struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VehicleData is the full vehicle data response trimmed to what we use.
type VehicleData struct {
	ID          int64       `json:"id"`
	DisplayName string      `json:"display_name"`
	State       string      `json:"state"`
	ChargeState ChargeState `json:"charge_state"`
	DriveState  DriveState  `json:"drive_state"`
}

// VehicleSnapshot is a persisted copy of a vehicle's charge state. One is
// recorded when the controller starts and another after every check.
type VehicleSnapshot struct {
	ChargeState
	RecordedAt time.Time `json:"recorded_at"`
}

// VehicleCandidate is a vehicle eligible for charging in the current
// selection pass.
type VehicleCandidate struct {
	ID                 int64  `json:"id"`
	DisplayName        string `json:"displayName"`
	ChargeLevelPercent int    `json:"chargeLevelPercent"`
	IsHome             bool   `json:"isHome"`
	IsConnected        bool   `json:"isConnected"`
}
