package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/heliosev/helios/pkg/log"
	"github.com/heliosev/helios/pkg/metrics"
)

// ErrUnexpectedStatus is returned when decoding a response that was not
// successful.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK returns true for any 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the body into v. It fails if the response was not
// successful.
func (r *Response) Decode(v any) error {
	if r == nil {
		return fmt.Errorf("%w: no response", ErrUnexpectedStatus)
	}
	if !r.OK() {
		return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, r.StatusCode, truncate(r.Body, 256))
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// Session performs authenticated requests against a single provider,
// retrying according to its Policy.
type Session struct {
	provider string
	client   *http.Client
	tokens   *TokenManager
	policy   Policy
	sleep    Sleeper
	metrics  *metrics.Recorder
}

// New returns a Session. tokens may be nil for unauthenticated APIs.
func New(provider string, client *http.Client, tokens *TokenManager, policy Policy, rec *metrics.Recorder) *Session {
	return &Session{
		provider: provider,
		client:   client,
		tokens:   tokens,
		policy:   policy,
		sleep:    Sleep,
		metrics:  rec,
	}
}

// SetSleeper replaces how the Session and its TokenManager wait between
// attempts.
func (s *Session) SetSleeper(fn Sleeper) {
	s.sleep = fn
	if s.tokens != nil {
		s.tokens.sleep = fn
	}
}

// SetClock replaces the TokenManager's clock.
func (s *Session) SetClock(fn func() time.Time) {
	if s.tokens != nil {
		s.tokens.now = fn
	}
}

// Tokens returns the Session's TokenManager.
func (s *Session) Tokens() *TokenManager {
	return s.tokens
}

type options struct {
	attempts int
	delay    time.Duration
	delaySet bool
}

// Option overrides the Policy for a single request.
type Option func(*options)

// WithAttempts overrides the number of attempts.
func WithAttempts(n int) Option {
	return func(o *options) {
		o.attempts = n
	}
}

// WithDelay overrides the base delay after a generic failure.
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
		o.delaySet = true
	}
}

// Get issues a GET with the query parameters appended to rawURL.
func (s *Session) Get(ctx context.Context, rawURL string, params url.Values, opts ...Option) (*Response, error) {
	if len(params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("error parsing url: %w", err)
		}
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}
	return s.Do(ctx, http.MethodGet, rawURL, nil, opts...)
}

// Post issues a POST with body encoded as JSON. A nil body sends an empty
// object.
func (s *Session) Post(ctx context.Context, rawURL string, body any, opts ...Option) (*Response, error) {
	if body == nil {
		body = struct{}{}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error encoding request: %w", err)
	}
	return s.Do(ctx, http.MethodPost, rawURL, b, opts...)
}

// Do sends the request until it succeeds or the attempts are exhausted.
//
// A successful response is returned immediately. When every attempt fails the
// last response is returned as-is with a nil error so the caller can inspect
// it. An error is returned only if no response was ever received, the context
// was cancelled, or tokens could not be obtained (wrapping ErrFatalAuth).
func (s *Session) Do(ctx context.Context, method, rawURL string, body []byte, opts ...Option) (*Response, error) {
	o := options{attempts: s.policy.MaxAttempts, delay: s.policy.BaseDelay}
	for _, opt := range opts {
		opt(&o)
	}
	if o.attempts < 1 {
		o.attempts = 1
	}
	growth := s.policy.Growth
	if growth <= 0 {
		growth = 1
	}

	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		// the query may carry api keys
		path = u.Path
	}
	l := log.Ctx(ctx).With(
		slog.String("provider", s.provider),
		slog.String("method", method),
		slog.String("path", path),
	)

	delay := o.delay
	var last *Response
	var lastErr error
	for i := 0; i < o.attempts; i++ {
		final := i+1 >= o.attempts

		resp, err := s.send(ctx, method, rawURL, body)
		if err != nil {
			if errors.Is(err, ErrFatalAuth) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			s.metrics.ObserveResponse(s.provider, 0)
			l.WarnContext(ctx, "api request failed", slog.Int("attempt", i+1), slog.Any("error", err))
			if !final {
				s.metrics.ObserveRetry(s.provider, "transport")
				if err := s.sleep(ctx, s.policy.TransportErrorDelay); err != nil {
					return nil, err
				}
			}
			delay = grow(delay, growth, i)
			continue
		}

		last = resp
		lastErr = nil
		s.metrics.ObserveResponse(s.provider, resp.StatusCode)
		if resp.OK() {
			l.DebugContext(ctx, "api request succeeded", slog.Int("status", resp.StatusCode), slog.Int("attempt", i+1))
			return resp, nil
		}

		l.WarnContext(
			ctx,
			"api request unsuccessful",
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", i+1),
			slog.String("body", truncate(resp.Body, 256)),
		)
		if !final {
			if err := s.backoff(ctx, resp.StatusCode, delay); err != nil {
				return nil, err
			}
		}
		delay = grow(delay, growth, i)
	}

	if last == nil {
		l.ErrorContext(ctx, "api request failed after all attempts", slog.Int("attempts", o.attempts), slog.Any("error", lastErr))
		return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, path, o.attempts, lastErr)
	}
	l.ErrorContext(ctx, "api request unsuccessful after all attempts", slog.Int("attempts", o.attempts), slog.Int("status", last.StatusCode))
	return last, nil
}

// backoff waits according to the status code of a failed response.
func (s *Session) backoff(ctx context.Context, code int, delay time.Duration) error {
	switch code {
	case http.StatusUnauthorized:
		s.metrics.ObserveRetry(s.provider, "unauthorized")
		if err := s.sleep(ctx, s.policy.UnauthorizedDelay); err != nil {
			return err
		}
		if s.tokens == nil {
			return nil
		}
		_, err := s.tokens.Token(ctx, true)
		return err
	case http.StatusUnprocessableEntity, http.StatusTooManyRequests:
		s.metrics.ObserveRetry(s.provider, "rate_limited")
		return s.sleep(ctx, s.policy.RateLimitedDelay)
	case http.StatusServiceUnavailable:
		s.metrics.ObserveRetry(s.provider, "unavailable")
		return s.sleep(ctx, s.policy.UnavailableDelay)
	default:
		s.metrics.ObserveRetry(s.provider, "backoff")
		return s.sleep(ctx, delay)
	}
}

func (s *Session) send(ctx context.Context, method, rawURL string, body []byte) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx, false)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       b,
	}, nil
}

func grow(d time.Duration, growth float64, attempt int) time.Duration {
	return time.Duration(float64(d) * math.Pow(growth, float64(attempt)))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
