package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("key not found")

// Store persists small JSON-encodable records such as token sets and vehicle
// snapshots. Every write replaces the previous value atomically so an
// interrupted write never leaves a partial record behind.
type Store interface {
	// Get decodes the value stored at key into dest. It returns ErrNotFound if
	// the key does not exist.
	Get(ctx context.Context, key string, dest any) error

	// Set atomically replaces the value stored at key.
	Set(ctx context.Context, key string, value any) error

	// Update loads key into dest (leaving dest untouched if it does not exist),
	// calls fn and, if fn returns nil, writes dest back. Updates are serialized
	// and nothing is written when fn or the load fails.
	Update(ctx context.Context, key string, dest any, fn func(found bool) error) error

	// Close releases any underlying resources.
	Close() error
}

// Configured sets up the Store based on flags.
func Configured() Store {
	provider := lflag.String("store-provider", "file", "State store to use (available: file, sqlite, firestore)")

	var p struct{ Store }

	fileStore := configuredFile()
	sqliteStore := configuredSQLite()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := fileStore.Init(); err != nil {
				panic(fmt.Sprintf("file store init failed: %v", err))
			}
			p.Store = fileStore
		case "sqlite":
			if err := sqliteStore.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite store init failed: %v", err))
			}
			p.Store = sqliteStore
		case "firestore":
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Store = fs
		default:
			panic(fmt.Sprintf("unknown store provider: %s", *provider))
		}
	})

	return &p
}

// TokenKey is the key a provider's token set is stored under.
func TokenKey(provider string) string {
	return "tokens/" + provider
}

// VehicleStartupKey is the key of the snapshot recorded when the controller
// started managing a vehicle.
func VehicleStartupKey(vehicleID int64) string {
	return fmt.Sprintf("vehicle/%d/startup", vehicleID)
}

// VehicleLatestKey is the key of the snapshot recorded after the latest check.
func VehicleLatestKey(vehicleID int64) string {
	return fmt.Sprintf("vehicle/%d/latest", vehicleID)
}
