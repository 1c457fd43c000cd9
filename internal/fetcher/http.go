package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Headers   map[string]string

	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// ReadTimeout bounds waiting for and reading the response.
	ReadTimeout time.Duration

	// MaxBodyBytes caps the response size. Zero means 256 MiB.
	MaxBodyBytes int64

	// InsecureSkipVerify disables TLS verification. Several government
	// feature services serve incomplete certificate chains.
	InsecureSkipVerify bool

	// RatePerSec is the default per-host request rate. Zero disables limiting
	// for hosts without an explicit entry in RateLimiters.
	RatePerSec   float64
	RateLimiters map[string]*rate.Limiter
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 300 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 256 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "geo-pipeline/1.0"
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
	}
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	limiters := make(map[string]*AdaptiveLimiter)
	for host, lim := range opts.RateLimiters {
		limiters[host] = NewAdaptiveLimiter(lim.Limit(), lim.Burst())
	}

	return &HTTPFetcher{
		client:   &http.Client{Transport: transport},
		opts:     opts,
		limiters: limiters,
	}
}

// limiterFor returns the limiter for the URL's host, creating one from
// RatePerSec on first use. Returns nil when the host is unlimited.
func (f *HTTPFetcher) limiterFor(u *url.URL) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[u.Host]; ok {
		return lim
	}
	if f.opts.RatePerSec <= 0 {
		return nil
	}
	burst := max(int(f.opts.RatePerSec), 1)
	lim := NewAdaptiveLimiter(rate.Limit(f.opts.RatePerSec), burst)
	f.limiters[u.Host] = lim
	return lim
}

// Get performs one GET attempt. The attempt is bounded by ConnectTimeout +
// ReadTimeout; exceeding that budget is reported as a TransientError. When
// ctx itself is done its error is returned unwrapped by classification.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, resilience.NewRequestError(eris.Wrapf(err, "fetcher: parse url %q", rawURL), 0)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	if lim := f.limiterFor(u); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.opts.ConnectTimeout+f.opts.ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, resilience.NewRequestError(eris.Wrap(err, "fetcher: create request"), 0)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	for k, v := range f.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classifyTransportErr(ctx, u, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		if lim := f.limiterFor(u); lim != nil {
			lim.OnRateLimit()
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := eris.Errorf("fetcher: http %d from %s: %s", resp.StatusCode, u.Host, string(snippet))
		return nil, resilience.ClassifyStatus(statusErr, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, f.classifyTransportErr(ctx, u, err)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, resilience.NewRequestError(
			eris.Errorf("fetcher: response from %s exceeds %d bytes", u.Host, f.opts.MaxBodyBytes), resp.StatusCode)
	}

	if lim := f.limiterFor(u); lim != nil {
		lim.OnSuccess()
	}
	return body, nil
}

// classifyTransportErr distinguishes caller cancellation from attempt
// timeouts and network failures.
func (f *HTTPFetcher) classifyTransportErr(ctx context.Context, u *url.URL, err error) error {
	if ctx.Err() != nil {
		return eris.Wrap(ctx.Err(), "fetcher: request cancelled")
	}
	wrapped := eris.Wrapf(err, "fetcher: get %s", u.Host)
	if errors.Is(err, context.DeadlineExceeded) || resilience.IsTransient(err) {
		return resilience.NewTransientError(wrapped, 0)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.NewTransientError(wrapped, 0)
	}
	return wrapped
}
