// Package session owns the authentication lifecycle: the cookie set, the
// WBI signing key material and its refresh cadence, and the QR login flow.
// All mutation of session state goes through the Manager; other components
// read immutable snapshots.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"bilitui/internal/wbi"
)

// State is the authentication state of the session.
type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

var (
	// ErrKeyFetchFailed indicates the WBI key material could not be obtained.
	ErrKeyFetchFailed = errors.New("wbi key fetch failed")
	// ErrNotAuthenticated indicates an operation that needs cookies was
	// attempted without a logged-in session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	apiBase      = "https://api.bilibili.com"
	passportBase = "https://passport.bilibili.com"

	// WBI keys rotate server-side roughly daily; treat them as stale well
	// before that so a long-running process re-derives in time.
	defaultKeyTTL = 12 * time.Hour
)

// Config configures a Manager.
type Config struct {
	// HTTPClient is used for nav/passport requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives structured session events. Defaults to the standard
	// logrus logger.
	Logger logrus.FieldLogger

	// DataDir is where credentials and cached key material persist. Empty
	// disables persistence.
	DataDir string

	// UserAgent overrides the request User-Agent.
	UserAgent string

	// APIBase and PassportBase override endpoint hosts (tests).
	APIBase      string
	PassportBase string

	// KeyTTL overrides the WBI key staleness interval.
	KeyTTL time.Duration

	// QRPollInterval and QRMaxWait override the QR login poll cadence and
	// overall deadline.
	QRPollInterval time.Duration
	QRMaxWait      time.Duration
}

// Keys is a snapshot of the WBI key material.
type Keys struct {
	ImgKey    string
	SubKey    string
	FetchedAt time.Time
}

// Manager owns the process-wide session. It is safe for concurrent use.
type Manager struct {
	httpClient   *http.Client
	log          logrus.FieldLogger
	apiBase      string
	passportBase string
	userAgent    string
	dataDir      string
	keyTTL       time.Duration

	qrPollInterval time.Duration
	qrMaxWait      time.Duration

	mu      sync.RWMutex
	state   State
	cookies map[string]string
	keys    Keys

	refreshGroup singleflight.Group

	qrMu     sync.Mutex
	qrCancel context.CancelFunc
}

// NewManager creates a Manager, loading any persisted credentials and key
// material from cfg.DataDir. A fresh anonymous session gets a generated
// buvid3 device cookie, as the web client would carry.
func NewManager(cfg Config) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.APIBase == "" {
		cfg.APIBase = apiBase
	}
	if cfg.PassportBase == "" {
		cfg.PassportBase = passportBase
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = defaultKeyTTL
	}
	if cfg.QRPollInterval <= 0 {
		cfg.QRPollInterval = qrPollInterval
	}
	if cfg.QRMaxWait <= 0 {
		cfg.QRMaxWait = qrMaxWait
	}

	m := &Manager{
		httpClient:     cfg.HTTPClient,
		log:            cfg.Logger,
		apiBase:        cfg.APIBase,
		passportBase:   cfg.PassportBase,
		userAgent:      cfg.UserAgent,
		dataDir:        cfg.DataDir,
		keyTTL:         cfg.KeyTTL,
		qrPollInterval: cfg.QRPollInterval,
		qrMaxWait:      cfg.QRMaxWait,
		state:          Anonymous,
		cookies:        map[string]string{},
	}

	if creds, err := m.loadCredentials(); err == nil && creds != nil {
		m.cookies = creds.cookieMap()
		m.state = Authenticated
		m.log.WithField("uid", creds.DedeUserID).Debug("restored persisted session")
	}
	if keys, err := m.loadKeys(); err == nil && keys != nil {
		m.keys = *keys
	}
	if _, ok := m.cookies["buvid3"]; !ok {
		m.cookies["buvid3"] = strings.ToUpper(uuid.NewString()) + "infoc"
	}
	return m
}

// State returns the current authentication state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Cookies returns a snapshot copy of the cookie set.
func (m *Manager) Cookies() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.cookies))
	for k, v := range m.cookies {
		out[k] = v
	}
	return out
}

// CookieHeader renders the cookie set as a Cookie header value, with stable
// name ordering.
func (m *Manager) CookieHeader() string {
	cookies := m.Cookies()
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}

// CSRF returns the bili_jct cookie value used as the csrf form field on
// write endpoints, or "" when not logged in.
func (m *Manager) CSRF() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cookies["bili_jct"]
}

// MarkExpired transitions the session to Expired. Called by the API client
// when the server rejects the cookies; never reversed implicitly.
func (m *Manager) MarkExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Expired {
		return
	}
	m.state = Expired
	m.log.Warn("session expired; re-login required")
}

// Logout drops cookies, resets to Anonymous and removes persisted
// credentials.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.cookies = map[string]string{
		"buvid3": strings.ToUpper(uuid.NewString()) + "infoc",
	}
	m.state = Anonymous
	m.mu.Unlock()
	return m.deleteCredentials()
}

// EnsureKeys returns current WBI key material, fetching it when absent or
// stale. Concurrent callers share a single in-flight fetch.
func (m *Manager) EnsureKeys(ctx context.Context) (Keys, error) {
	m.mu.RLock()
	keys := m.keys
	ttl := m.keyTTL
	m.mu.RUnlock()
	if keys.ImgKey != "" && time.Since(keys.FetchedAt) < ttl {
		return keys, nil
	}
	return m.refreshKeys(ctx)
}

// ForceRefreshKeys discards the cached key material and fetches fresh keys.
// Used for the one-shot retry after a signature rejection.
func (m *Manager) ForceRefreshKeys(ctx context.Context) (Keys, error) {
	m.mu.Lock()
	m.keys = Keys{}
	m.mu.Unlock()
	return m.refreshKeys(ctx)
}

func (m *Manager) refreshKeys(ctx context.Context) (Keys, error) {
	v, err, shared := m.refreshGroup.Do("wbi-keys", func() (any, error) {
		keys, err := m.fetchKeys(ctx)
		if err != nil {
			return Keys{}, err
		}
		m.mu.Lock()
		m.keys = keys
		m.mu.Unlock()
		if err := m.saveKeys(keys); err != nil {
			m.log.WithError(err).Debug("wbi key cache write failed")
		}
		return keys, nil
	})
	if err != nil {
		return Keys{}, err
	}
	if shared {
		m.log.Debug("wbi key refresh shared with concurrent caller")
	}
	return v.(Keys), nil
}

type navWbiImg struct {
	ImgURL string `json:"img_url"`
	SubURL string `json:"sub_url"`
}

type navData struct {
	WbiImg navWbiImg `json:"wbi_img"`
}

// fetchKeys obtains fresh key material from the nav endpoint. The endpoint
// answers for anonymous sessions too; only the wbi_img block is consumed.
func (m *Manager) fetchKeys(ctx context.Context) (Keys, error) {
	var envelope struct {
		Code    int     `json:"code"`
		Message string  `json:"message"`
		Data    navData `json:"data"`
	}
	if err := m.getJSON(ctx, m.apiBase+"/x/web-interface/nav", &envelope); err != nil {
		return Keys{}, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	imgKey, ok := wbi.ExtractKey(envelope.Data.WbiImg.ImgURL)
	if !ok {
		return Keys{}, fmt.Errorf("%w: malformed img_url %q", ErrKeyFetchFailed, envelope.Data.WbiImg.ImgURL)
	}
	subKey, ok := wbi.ExtractKey(envelope.Data.WbiImg.SubURL)
	if !ok {
		return Keys{}, fmt.Errorf("%w: malformed sub_url %q", ErrKeyFetchFailed, envelope.Data.WbiImg.SubURL)
	}
	m.log.Debug("fetched fresh wbi keys")
	return Keys{ImgKey: imgKey, SubKey: subKey, FetchedAt: time.Now()}, nil
}

func (m *Manager) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", m.userAgent)
	req.Header.Set("Referer", "https://www.bilibili.com/")
	if header := m.CookieHeader(); header != "" {
		req.Header.Set("Cookie", header)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// storeCookies merges freshly issued cookies and marks the session
// Authenticated, provided the set actually carries a usable credential
// (SESSDATA and bili_jct). It reports whether it did. Persistence failures
// are logged, not fatal.
func (m *Manager) storeCookies(cookies map[string]string, refreshToken string) bool {
	m.mu.Lock()
	for k, v := range cookies {
		m.cookies[k] = v
	}
	snapshot := make(map[string]string, len(m.cookies))
	for k, v := range m.cookies {
		snapshot[k] = v
	}
	creds := credentialsFromCookies(snapshot, refreshToken)
	if creds == nil {
		m.mu.Unlock()
		m.log.Warn("login response missing expected cookies")
		return false
	}
	m.state = Authenticated
	m.mu.Unlock()

	if err := m.saveCredentials(creds); err != nil {
		m.log.WithError(err).Warn("credential persistence failed")
	}
	m.log.WithField("uid", creds.DedeUserID).Info("session authenticated")
	return true
}
