package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// QRState is the poll state of a QR login attempt.
type QRState int

const (
	QRPending QRState = iota
	QRScanned
	QRConfirmed
	QRExpired
	QRCancelled
)

func (s QRState) String() string {
	switch s {
	case QRPending:
		return "pending"
	case QRScanned:
		return "scanned"
	case QRConfirmed:
		return "confirmed"
	case QRExpired:
		return "expired"
	case QRCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s QRState) Terminal() bool {
	return s == QRConfirmed || s == QRExpired || s == QRCancelled
}

// Poll codes returned in the poll response's data.code field.
const (
	qrCodeConfirmed = 0
	qrCodeExpired   = 86038
	qrCodeScanned   = 86090
	qrCodePending   = 86101
)

const (
	qrPollInterval = 1500 * time.Millisecond
	qrMaxWait      = 180 * time.Second
)

// ErrQRGenerate indicates the login token/QR payload request failed.
var ErrQRGenerate = errors.New("qr login token request failed")

// QRLogin is a single login attempt. The rendered payload is in URL; state
// updates arrive on Updates in issuance order and the channel closes after
// a terminal state.
type QRLogin struct {
	Key string
	URL string

	mu      sync.Mutex
	state   QRState
	updates chan QRState
	cancel  context.CancelFunc
}

// Updates returns the state update stream.
func (q *QRLogin) Updates() <-chan QRState { return q.updates }

// State returns the last observed state.
func (q *QRLogin) State() QRState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Cancel aborts a non-terminal attempt. Safe to call multiple times.
func (q *QRLogin) Cancel() { q.cancel() }

// transition applies a state change if it is a valid move from the current
// state, and reports whether the new state is terminal. Invalid moves
// (e.g. anything after a terminal state) are ignored.
func (q *QRLogin) transition(next QRState) (applied, terminal bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.Terminal() {
		return false, true
	}
	if next == q.state {
		return false, false
	}
	// Pending may move anywhere; Scanned may not regress to Pending.
	if q.state == QRScanned && next == QRPending {
		return false, false
	}
	q.state = next
	q.updates <- next
	if next.Terminal() {
		close(q.updates)
		return true, true
	}
	return true, false
}

type qrGenerateData struct {
	URL       string `json:"url"`
	QrcodeKey string `json:"qrcode_key"`
}

type qrPollData struct {
	URL          string `json:"url"`
	RefreshToken string `json:"refresh_token"`
	Timestamp    int64  `json:"timestamp"`
	Code         int    `json:"code"`
	Message      string `json:"message"`
}

// StartQRLogin requests a login token and QR payload and begins polling in
// the background. At most one attempt is active per Manager: starting a new
// one cancels the previous. The caller renders qr.URL and watches
// qr.Updates.
func (m *Manager) StartQRLogin(ctx context.Context) (*QRLogin, error) {
	var envelope struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    qrGenerateData `json:"data"`
	}
	if err := m.getJSON(ctx, m.passportBase+"/x/passport-login/web/qrcode/generate", &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQRGenerate, err)
	}
	if envelope.Code != 0 || envelope.Data.QrcodeKey == "" {
		return nil, fmt.Errorf("%w: code=%d message=%s", ErrQRGenerate, envelope.Code, envelope.Message)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	qr := &QRLogin{
		Key:     envelope.Data.QrcodeKey,
		URL:     envelope.Data.URL,
		state:   QRPending,
		updates: make(chan QRState, 8),
		cancel:  cancel,
	}

	m.qrMu.Lock()
	if m.qrCancel != nil {
		m.qrCancel()
	}
	m.qrCancel = cancel
	m.qrMu.Unlock()

	m.mu.Lock()
	if m.state != Authenticated {
		m.state = Authenticating
	}
	m.mu.Unlock()

	go m.pollQRLogin(pollCtx, qr)
	return qr, nil
}

// pollQRLogin drives the attempt to a terminal state: a status request
// every poll interval until confirmed, expired, cancelled, or the overall
// deadline passes. Transient poll errors are retried on the next tick.
func (m *Manager) pollQRLogin(ctx context.Context, qr *QRLogin) {
	log := m.log.WithField("qrcode_key", qr.Key)

	ticker := time.NewTicker(m.qrPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.qrMaxWait)
	defer deadline.Stop()

	finish := func(state QRState) {
		qr.transition(state)
		if state != QRConfirmed {
			m.mu.Lock()
			if m.state == Authenticating {
				m.state = Anonymous
			}
			m.mu.Unlock()
		}
		log.WithField("state", state.String()).Debug("qr login finished")
	}

	for {
		select {
		case <-ctx.Done():
			finish(QRCancelled)
			return
		case <-deadline.C:
			finish(QRExpired)
			return
		case <-ticker.C:
			data, cookies, err := m.pollQROnce(ctx, qr.Key)
			if err != nil {
				if ctx.Err() != nil {
					finish(QRCancelled)
					return
				}
				log.WithError(err).Debug("qr poll failed; retrying next tick")
				continue
			}
			switch data.Code {
			case qrCodePending:
				qr.transition(QRPending)
			case qrCodeScanned:
				qr.transition(QRScanned)
			case qrCodeExpired:
				finish(QRExpired)
				return
			case qrCodeConfirmed:
				if !m.storeCookies(cookies, data.RefreshToken) {
					// Confirmed without usable credentials: the attempt is
					// unusable, treat it like an expired code.
					log.Error("login confirmed but credential cookies missing")
					finish(QRExpired)
					return
				}
				qr.transition(QRConfirmed)
				return
			default:
				log.WithField("code", data.Code).Debug("unrecognized qr poll code")
			}
		}
	}
}

// pollQROnce issues one status request. Cookies issued on confirmation ride
// on the poll response's Set-Cookie headers.
func (m *Manager) pollQROnce(ctx context.Context, key string) (qrPollData, map[string]string, error) {
	pollURL := m.passportBase + "/x/passport-login/web/qrcode/poll?qrcode_key=" + url.QueryEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return qrPollData{}, nil, err
	}
	req.Header.Set("User-Agent", m.userAgent)
	req.Header.Set("Referer", "https://www.bilibili.com/")
	if header := m.CookieHeader(); header != "" {
		req.Header.Set("Cookie", header)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return qrPollData{}, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return qrPollData{}, nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	cookies := make(map[string]string)
	for _, c := range resp.Cookies() {
		cookies[c.Name] = c.Value
	}

	var envelope struct {
		Code    int        `json:"code"`
		Message string     `json:"message"`
		Data    qrPollData `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return qrPollData{}, nil, err
	}
	if envelope.Code != 0 {
		return qrPollData{}, nil, fmt.Errorf("poll rejected: code=%d message=%s", envelope.Code, envelope.Message)
	}
	return envelope.Data, cookies, nil
}
