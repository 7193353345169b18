package client

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds configuration for the bilibili client.
type Config struct {
	// HTTPClient is the client used for making requests.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Logger receives structured client events. Defaults to the standard
	// logrus logger.
	Logger logrus.FieldLogger

	// DataDir is where the session manager persists credentials and key
	// material. Empty disables persistence.
	DataDir string

	// UserAgent overrides the request User-Agent.
	UserAgent string

	// RequestTimeout is applied to each operation when the caller's
	// context carries no deadline. Zero means no default timeout.
	RequestTimeout time.Duration

	// RetryMax caps retry attempts for transient failures (default 3).
	RetryMax int

	// RetryBaseInterval is the initial backoff interval (default 250ms).
	RetryBaseInterval time.Duration

	// RateLimit is the sustained outgoing request rate in requests per
	// second (default 4); RateBurst the burst size (default 8). The
	// platform's risk control throttles chatty clients, so every request
	// waits on this limiter.
	RateLimit float64
	RateBurst int

	// APIBase and PassportBase override endpoint hosts (tests).
	APIBase      string
	PassportBase string
}

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBaseInterval <= 0 {
		c.RetryBaseInterval = 250 * time.Millisecond
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 4
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 8
	}
	if c.APIBase == "" {
		c.APIBase = "https://api.bilibili.com"
	}
	if c.PassportBase == "" {
		c.PassportBase = "https://passport.bilibili.com"
	}
	return c
}
