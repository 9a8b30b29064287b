package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the embedded release version.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent identifies helios to the vendor clouds.
func UserAgent() string {
	return "Helios/" + Version()
}

// defaultHeaders fills in headers the caller left unset. Requests are cloned
// before modification so retried requests keep their original headers.
type defaultHeaders struct {
	next    http.RoundTripper
	headers http.Header
}

func (d *defaultHeaders) RoundTrip(req *http.Request) (*http.Response, error) {
	var missing bool
	for k := range d.headers {
		if req.Header.Get(k) == "" {
			missing = true
			break
		}
	}
	if !missing {
		return d.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range d.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = v
		}
	}
	return d.next.RoundTrip(req)
}

// HTTPClient returns the client used for the solar, vehicle and geocoding
// APIs. Every request carries the helios User-Agent and asks for JSON unless
// it already says otherwise.
func HTTPClient(timeout time.Duration) *http.Client {
	h := http.Header{}
	h.Set("User-Agent", UserAgent())
	h.Set("Accept", "application/json")
	return &http.Client{
		Transport: &defaultHeaders{
			next:    http.DefaultTransport,
			headers: h,
		},
		Timeout: timeout,
	}
}
