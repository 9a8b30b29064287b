// Command seed imports an existing token set into the configured store so
// helios can start without an authorization code or seed refresh token.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/heliosev/helios/pkg/log"
	"github.com/heliosev/helios/pkg/store"
	"github.com/heliosev/helios/pkg/types"
	"github.com/levenlabs/go-lflag"
)

func main() {
	s := store.Configured()
	provider := lflag.String("provider", "", "Provider the tokens belong to (enphase, tesla)")
	tokenFile := lflag.String("token-file", "", "JSON file containing access_token and refresh_token")
	lflag.Configure()

	ctx := context.Background()
	if err := seed(ctx, s, *provider, *tokenFile); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed tokens", slog.Any("error", err))
		os.Exit(1)
	}
	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close store", slog.Any("error", err))
	}
}

func seed(ctx context.Context, s store.Store, provider, tokenFile string) error {
	switch provider {
	case "enphase", "tesla":
	default:
		return fmt.Errorf("unknown provider: %q", provider)
	}

	b, err := os.ReadFile(tokenFile)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	var ts types.TokenSet
	if err := json.Unmarshal(b, &ts); err != nil {
		return fmt.Errorf("failed to parse token file: %w", err)
	}
	if ts.RefreshToken == "" {
		return fmt.Errorf("token file has no refresh_token")
	}
	// refresh on first use since the file's age is unknown
	if ts.LastRefresh.IsZero() {
		ts.AccessToken = ""
	}

	if err := s.Set(ctx, store.TokenKey(provider), ts); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded tokens", slog.String("provider", provider), log.Redacted("refreshToken", ts.RefreshToken))
	return nil
}
