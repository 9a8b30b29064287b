package types

import "time"

// TokenSet is the persisted OAuth token pair for a provider.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	LastRefresh  time.Time `json:"last_refresh"`
}

// NeedsRefresh returns true if the token set is missing an access token or
// was last refreshed more than interval ago.
func (t TokenSet) NeedsRefresh(now time.Time, interval time.Duration) bool {
	if t.AccessToken == "" || t.LastRefresh.IsZero() {
		return true
	}
	return now.Sub(t.LastRefresh) > interval
}
