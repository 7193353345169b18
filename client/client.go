// Package client is the typed bilibili API client: signed and cookie-bearing
// requests with retry, rate limiting, and re-authentication policy.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"bilitui/internal/session"
	"bilitui/internal/wbi"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client is the high-level bilibili client. It holds no per-call mutable
// state and is safe for concurrent use; session state is synchronized by
// the session manager.
type Client struct {
	config       Config
	httpClient   *http.Client
	session      *session.Manager
	limiter      *rate.Limiter
	log          logrus.FieldLogger
	apiBase      string
	passportBase string

	// now is stubbed in tests for deterministic signatures.
	now func() time.Time
}

// envelope is the uniform response wrapper every endpoint returns.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	TTL     int             `json:"ttl"`
	Data    json.RawMessage `json:"data"`
}

// New creates a bilibili client and its session manager.
func New(config Config) *Client {
	config = config.withDefaults()
	sess := session.NewManager(session.Config{
		HTTPClient:   config.HTTPClient,
		Logger:       config.Logger,
		DataDir:      config.DataDir,
		UserAgent:    config.UserAgent,
		APIBase:      config.APIBase,
		PassportBase: config.PassportBase,
	})
	return &Client{
		config:       config,
		httpClient:   config.HTTPClient,
		session:      sess,
		limiter:      rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		log:          config.Logger,
		apiBase:      config.APIBase,
		passportBase: config.PassportBase,
		now:          time.Now,
	}
}

// Session exposes the session manager (login state, QR flow, cookies).
func (c *Client) Session() *session.Manager { return c.session }

func withDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// call runs one endpoint operation end to end: auth precondition, WBI
// signing, retry policy, envelope decoding into out.
func (c *Client) call(ctx context.Context, ep endpoint, params url.Values, form url.Values, out any) error {
	ctx, cancel := withDefaultTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	if ep.needsAuth && c.session.State() != session.Authenticated {
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, ep.name)
	}

	if !ep.signed {
		return c.callWithQuery(ctx, ep, rawQuery(params), form, out)
	}

	// Signed endpoint: the signer never fetches key material itself; it is
	// obtained through the session manager.
	keys, err := c.session.EnsureKeys(ctx)
	if err != nil {
		return err
	}
	signed := wbi.Sign(params, keys.ImgKey, keys.SubKey, c.now())
	err = c.callWithQuery(ctx, ep, wbi.Query(signed), form, out)
	if !errors.Is(err, ErrSignatureRejected) {
		return err
	}

	// One-shot recovery: treat key material as stale, refresh, retry once.
	c.log.WithField("endpoint", ep.name).Warn("signature rejected; refreshing wbi keys")
	keys, kerr := c.session.ForceRefreshKeys(ctx)
	if kerr != nil {
		return kerr
	}
	signed = wbi.Sign(params, keys.ImgKey, keys.SubKey, c.now())
	return c.callWithQuery(ctx, ep, wbi.Query(signed), form, out)
}

// rateLimitBackoffFactor stretches the wait after a throttled response.
// Server-side risk control needs more slack than an ordinary transient
// failure before it stops rejecting requests.
const rateLimitBackoffFactor = 4

// rateAwareBackOff scales the next wait when the most recent attempt was
// rate limited, leaving the schedule for other transient failures alone.
type rateAwareBackOff struct {
	next    backoff.BackOff
	lastErr *error
}

func (b *rateAwareBackOff) NextBackOff() time.Duration {
	d := b.next.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if *b.lastErr != nil && errors.Is(*b.lastErr, ErrRateLimited) {
		return d * rateLimitBackoffFactor
	}
	return d
}

func (b *rateAwareBackOff) Reset() { b.next.Reset() }

// callWithQuery applies the endpoint's retry policy around single attempts.
func (c *Client) callWithQuery(ctx context.Context, ep endpoint, query string, form url.Values, out any) error {
	var lastErr error
	attempt := func() error {
		err := c.doOnce(ctx, ep, query, form, out)
		if err == nil {
			return nil
		}
		if ep.retryable && retryable(err) {
			c.log.WithFields(logrus.Fields{
				"endpoint": ep.name,
				"error":    err.Error(),
			}).Debug("retryable request failure")
			lastErr = err
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.RetryBaseInterval
	policy := &rateAwareBackOff{next: bo, lastErr: &lastErr}
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.config.RetryMax)), ctx))
	if errors.Is(err, ErrAuthExpired) {
		c.session.MarkExpired()
	}
	return err
}

// doOnce issues a single request and classifies its outcome.
func (c *Client) doOnce(ctx context.Context, ep endpoint, query string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := c.baseURL(ep.host) + ep.path
	if query != "" {
		target += "?" + query
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, ep.method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Referer", "https://www.bilibili.com/")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if header := c.session.CookieHeader(); header != "" {
		req.Header.Set("Cookie", header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: http 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: http %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrTransient, err)
	}
	if env.Code != 0 {
		return classifyEnvelope(env.Code, env.Message, ep.signed)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", ep.name, err)
	}
	return nil
}

func rawQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	return params.Encode()
}
