package types

import "time"

// PowerSnapshot is a single telemetry interval reported by the solar provider.
// All power values are averages over the interval in watts.
type PowerSnapshot struct {
	SampleTime          time.Time `json:"sampleTime"`
	ProducedWatts       float64   `json:"producedWatts"`
	ConsumedWatts       float64   `json:"consumedWatts"`
	ExportedWatts       float64   `json:"exportedWatts"`
	BatteryChargedWatts float64   `json:"batteryChargedWatts"`
}

// BatteryState is the home battery as reported by the solar provider.
type BatteryState struct {
	LevelPercent           int     `json:"levelPercent"`
	MostRecentChargedWatts float64 `json:"mostRecentChargedWatts"`
}

// GenerationWindow is the range of local hours, inclusive, during which
// production is typically high enough to divert to vehicle charging.
type GenerationWindow struct {
	FirstHour int `json:"firstHour"`
	LastHour  int `json:"lastHour"`
}

// Contains returns true if the hour of t falls inside the window.
func (w GenerationWindow) Contains(t time.Time) bool {
	h := t.Hour()
	return h >= w.FirstHour && h <= w.LastHour
}
