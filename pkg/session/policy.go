package session

import (
	"context"
	"time"
)

// Policy controls how a Session retries requests and refreshes tokens for a
// single provider.
type Policy struct {
	// MaxAttempts is the total number of request attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay after the first generic failure. Each following
	// delay is the previous one multiplied by Growth^attempt.
	BaseDelay time.Duration
	Growth    float64

	UnauthorizedDelay   time.Duration
	RateLimitedDelay    time.Duration
	UnavailableDelay    time.Duration
	TransportErrorDelay time.Duration

	// RefreshInterval is how long a token set is used before it is
	// proactively refreshed.
	RefreshInterval time.Duration
	// TokenAttempts and TokenRetryDelay bound token refresh and bootstrap.
	TokenAttempts   int
	TokenRetryDelay time.Duration
}

// DefaultPolicy returns the delays shared by every provider.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         11,
		BaseDelay:           1100 * time.Millisecond,
		Growth:              1.1,
		UnauthorizedDelay:   time.Minute,
		RateLimitedDelay:    5 * time.Minute,
		UnavailableDelay:    time.Hour,
		TransportErrorDelay: 5 * time.Minute,
		RefreshInterval:     2 * time.Hour,
		TokenAttempts:       11,
		TokenRetryDelay:     3 * time.Second,
	}
}

// VehicleControlPolicy is tuned for the vehicle API, which recovers quickly
// but rotates tokens often.
func VehicleControlPolicy() Policy {
	return DefaultPolicy()
}

// TelemetryPolicy is tuned for the solar telemetry API, which aggressively
// rate limits and publishes new intervals every 15 minutes.
func TelemetryPolicy() Policy {
	p := DefaultPolicy()
	p.MaxAttempts = 31
	p.BaseDelay = 10 * time.Second
	p.Growth = 1.0
	p.RefreshInterval = 4 * time.Hour
	return p
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
