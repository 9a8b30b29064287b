package controller

import "time"

// CheckInterval is the minimum time between allowed cycles.
const CheckInterval = 60 * time.Second

// checkMinutes are the minutes of the hour just after the solar provider
// publishes a new 15 minute interval.
var checkMinutes = [...]int{5, 20, 35, 50}

// CheckPower returns true if a cycle should run at now. It allows at most one
// cycle per CheckInterval and only during the minutes in checkMinutes. now
// should be in the home's local time.
func CheckPower(st State, now time.Time) (bool, State) {
	if !st.LastCheck.IsZero() && now.Sub(st.LastCheck) <= CheckInterval {
		return false, st
	}
	m := now.Minute()
	for _, cm := range checkMinutes {
		if m == cm {
			st.LastCheck = now
			return true, st
		}
	}
	return false, st
}
