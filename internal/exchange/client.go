// Package exchange implements Component B (Exchange Metadata Fetcher) and
// Component D (Historical Fetcher) from the spec: a REST client for the
// perpetual-futures exchange with bounded concurrency, retry with jittered
// backoff, and a circuit breaker reacting to 418/429/451 — grounded on the
// teacher's internal/esi.Client (semaphore-gated GetJSON / getPaginatedDirect
// retry loop), adapted from ESI's 3-fixed-retry scheme to the spec's
// threshold-driven circuit breaker and throttle multiplier.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"contextengine/internal/config"
	"contextengine/internal/logger"
)

const userAgent = "contextengine/1.0 (+trade-ingestion)"

// Client is a rate-limited, circuit-broken REST client for the exchange.
type Client struct {
	http *http.Client
	cfg  config.Config
	cb   *CircuitBreaker

	semMu sync.Mutex
	sem   chan struct{}

	// limiter enforces the aggregate inter-request pace across every
	// concurrent chunk worker, on top of each attempt's own jittered sleep —
	// the jitter avoids a thundering herd on retry, the limiter caps the
	// process-wide request rate the breaker's throttle multiplier is
	// actually trying to control.
	limiter *rate.Limiter

	authenticated bool
}

func rateLimitFor(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// NewClient builds a Client configured from cfg. Concurrency starts at
// cfg.MaxConcurrentChunks(); the breaker may halve it at runtime.
func NewClient(cfg config.Config) *Client {
	// Signing depends on credentials, not on the concurrency profile, so
	// test mode (which exists to exercise authentication) signs too.
	authed := cfg.ExchangeAPIKey != "" && cfg.ExchangeAPISecret != ""
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		http:          &http.Client{Timeout: cfg.ExchangeAPITimeout, Transport: transport},
		cfg:           cfg,
		cb:            NewCircuitBreaker(cfg.RateLimitThreshold, time.Duration(cfg.CooldownSeconds)*time.Second, authed),
		limiter:       rate.NewLimiter(rateLimitFor(cfg.InterRequestDelay()), 1),
		authenticated: authed,
	}
	c.resize(cfg.MaxConcurrentChunks())
	return c
}

// syncLimiter rescales the aggregate request limiter to the breaker's
// current throttle multiplier, so a rate-limit storm slows every worker's
// shared request budget, not just the offending one's own retry delay.
func (c *Client) syncLimiter() {
	base := c.cfg.InterRequestDelay()
	if base <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rateLimitFor(time.Duration(float64(base) * c.cb.ThrottleMultiplier())))
}

func (c *Client) resize(n int) {
	c.semMu.Lock()
	defer c.semMu.Unlock()
	c.sem = make(chan struct{}, n)
}

// Concurrency returns the current worker-pool size.
func (c *Client) Concurrency() int {
	c.semMu.Lock()
	defer c.semMu.Unlock()
	return cap(c.sem)
}

func (c *Client) acquire(ctx context.Context) error {
	c.semMu.Lock()
	sem := c.sem
	c.semMu.Unlock()
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	c.semMu.Lock()
	sem := c.sem
	c.semMu.Unlock()
	select {
	case <-sem:
	default:
	}
}

// Authenticated reports whether the client currently signs requests.
func (c *Client) Authenticated() bool { return c.authenticated }

// CircuitBreaker exposes the shared breaker, used by callers that need to
// read throttle state for status reporting.
func (c *Client) CircuitBreaker() *CircuitBreaker { return c.cb }

// signQuery HMAC-SHA256 signs a query string with the API secret, the way
// exchange-native authenticated endpoints expect (spec §6 External
// Interfaces: Exchange REST API, authenticated mode).
func signQuery(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) signedURL(base string, q url.Values) string {
	if c.authenticated && c.cfg.ExchangeAPISecret != "" {
		q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
		sig := signQuery(c.cfg.ExchangeAPISecret, q.Encode())
		q.Set("signature", sig)
	}
	return base + "?" + q.Encode()
}

// isRateLimited reports whether status is one of the exchange's
// back-off-now codes (spec §4.D, §7).
func isRateLimited(status int) bool {
	return status == 418 || status == 429 || status == 451
}

// isRetryable reports whether status warrants a retry at all: 5xx server
// errors and the rate-limit codes (getJSON routes rate limits through the
// breaker before it reaches this check).
func isRetryable(status int) bool {
	return status >= 500 || isRateLimited(status)
}

// isAuthFailure reports whether status is the exchange's signature/key
// rejection response (spec §7 taxonomy: AuthFailure, 401/403).
func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// getJSON issues a single GET with retry, jittered backoff, and circuit
// breaker interaction, decoding the JSON response body into dst.
func (c *Client) getJSON(ctx context.Context, rawURL string, dst interface{}) error {
	var lastErr error
	authDowngraded := false
	for attempt := 0; attempt <= c.cfg.BackfillMaxRetries; attempt++ {
		if wait := c.cb.WaitDuration(time.Now()); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		}

		var pacing time.Duration
		if attempt > 0 {
			pacing = c.cb.BaseDelay(c.cfg.BackfillRetryBase * time.Duration(int64(1)<<uint(attempt-1)))
		} else {
			pacing = c.cb.BaseDelay(c.cfg.InterRequestDelay())
		}
		if err := sleepCtx(ctx, applyJitter(pacing)); err != nil {
			return err
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.acquire(ctx); err != nil {
			return err
		}
		if c.cfg.BackfillTestMode {
			logger.Info("Exchange", fmt.Sprintf("test mode request: %s (signature_prefix=%s)", rawURL, signaturePrefix(rawURL)))
		}
		status, body, err := c.doOnce(ctx, rawURL)
		c.release()

		if err != nil {
			lastErr = err
			logger.Warn("Exchange", fmt.Sprintf("request failed (attempt %d/%d): %v", attempt+1, c.cfg.BackfillMaxRetries+1, err))
			continue
		}

		if status == http.StatusOK {
			c.cb.OnSuccess(time.Now())
			c.syncLimiter()
			return json.Unmarshal(body, dst)
		}

		lastErr = fmt.Errorf("exchange: HTTP %d: %s", status, truncate(body, 256))

		if isRateLimited(status) {
			if c.cb.OnRateLimited(time.Now()) {
				c.authenticated = false
				logger.Warn("Exchange", "circuit breaker opened; downgrading to public mode")
			}
			c.syncLimiter()
			c.resize(HalveConcurrency(c.Concurrency()))
			continue
		}
		if isAuthFailure(status) {
			if c.authenticated && !authDowngraded {
				authDowngraded = true
				c.authenticated = false
				logger.Warn("Exchange", fmt.Sprintf("auth failure (HTTP %d): degrading to public mode, retrying once", status))
				attempt-- // one-shot degrade-and-retry must not consume the retry budget
				continue
			}
			return lastErr
		}
		if !isRetryable(status) {
			return lastErr
		}
		logger.Warn("Exchange", fmt.Sprintf("retryable status %d (attempt %d/%d)", status, attempt+1, c.cfg.BackfillMaxRetries+1))
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.authenticated && c.cfg.ExchangeAPIKey != "" {
		req.Header.Set("X-EXCHANGE-APIKEY", c.cfg.ExchangeAPIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func applyJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := 0.8 + rand.Float64()*0.4 // +/-20%
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signaturePrefix pulls out the first few characters of a signed request's
// "signature" query param for test-mode verbose logging (spec §4.D "Test
// mode": "verbose logging of request parameters and signature prefix") —
// never the full signature, so logs stay safe to share.
func signaturePrefix(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "(none)"
	}
	sig := u.Query().Get("signature")
	if sig == "" {
		return "(unsigned)"
	}
	if len(sig) <= 8 {
		return sig
	}
	return sig[:8] + "…"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
