package runner

import (
	"fmt"
	"strconv"
	"time"

	"github.com/heliosev/helios/pkg/controller"
	"github.com/levenlabs/go-lflag"
)

// Settings configure the Runner.
type Settings struct {
	HomeAddress             string
	PollInterval            time.Duration
	LimitToGenerationWindow bool
	// Location is the home's time zone. Check minutes and the generation
	// window are evaluated in it.
	Location *time.Location
	// MeterLookback is how far back telemetry is requested each cycle.
	MeterLookback time.Duration
	Controller    controller.Settings
}

// ConfiguredSettings registers the runner flags. The returned Settings are
// filled in by lflag.Configure.
func ConfiguredSettings() *Settings {
	homeAddress := lflag.String("home-address", "", "Street address of the home, as returned by the geocoder (required)")
	threshold := lflag.String("home-battery-threshold", "20", "Minimum home battery percentage before charging a vehicle")
	reserved := lflag.String("reserved-power", "500", "Watts withheld from vehicle charging")
	pollInterval := lflag.Duration("poll-interval", 30*time.Second, "How often to check whether a cycle should run")
	limitToWindow := lflag.Bool("limit-to-generation-window", false, "Only charge during the hours solar production is typically high enough")
	timezone := lflag.String("timezone", "Local", "IANA time zone of the home")

	s := &Settings{}
	lflag.Do(func() {
		t, err := strconv.Atoi(*threshold)
		if err != nil {
			panic(fmt.Sprintf("invalid home-battery-threshold: %v", err))
		}
		r, err := strconv.ParseFloat(*reserved, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid reserved-power: %v", err))
		}
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid timezone: %v", err))
		}
		*s = Settings{
			HomeAddress:             *homeAddress,
			PollInterval:            *pollInterval,
			LimitToGenerationWindow: *limitToWindow,
			Location:                loc,
			MeterLookback:           time.Hour,
			Controller: controller.Settings{
				HomeBatteryThreshold: t,
				ReservedPowerWatts:   r,
			},
		}
	})
	return s
}
