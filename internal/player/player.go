// Package player drives the external media player process and keeps
// server-side watch progress synchronized through periodic heartbeats.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bilitui/client"
	"bilitui/internal/history"
)

// Status is the lifecycle state of a playback session.
type Status int

const (
	Idle Status = iota
	Starting
	Playing
	Stopped
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Playing:
		return "playing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrLaunchFailed indicates the player process could not be started. It is
// fatal for the play request and never retried automatically.
var ErrLaunchFailed = errors.New("player launch failed")

// Process is a running external player instance. The orchestrator owns the
// handle exclusively.
type Process interface {
	// Position reports the current playback position in seconds; ok is
	// false when the player cannot answer (startup, teardown).
	Position(ctx context.Context) (seconds float64, ok bool)
	// Done is closed when the process exits, for any reason.
	Done() <-chan struct{}
	// Stop terminates the process. Idempotent.
	Stop() error
}

// LaunchOptions carries the stream location and auth baggage the player
// needs to fetch it.
type LaunchOptions struct {
	StreamURL  string
	Referer    string
	UserAgent  string
	CookieHdr  string
	CookieFile string
	Title      string
}

// Launcher starts the external player.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Process, error)
}

// StreamResolver resolves a playable URL for one part of a video.
type StreamResolver interface {
	PlayURL(ctx context.Context, bvid string, cid int64) (*client.PlayURL, error)
}

// ProgressReporter persists watch progress server-side.
type ProgressReporter interface {
	ReportWatchStart(ctx context.Context, aid, cid int64, bvid string) error
	ReportHeartbeat(ctx context.Context, hb client.HeartbeatReq) error
}

// HistoryRecorder keeps the local continue-watching store current.
type HistoryRecorder interface {
	Upsert(ctx context.Context, entry history.Entry) error
}

// Config configures an Orchestrator.
type Config struct {
	Resolver StreamResolver
	Reporter ProgressReporter
	Launcher Launcher
	// History is optional; nil disables local history recording.
	History HistoryRecorder
	Logger  logrus.FieldLogger
	// HeartbeatInterval defaults to 15s.
	HeartbeatInterval time.Duration
	// Referer/UserAgent/CookieHeader/CookieFile are passed to the player.
	Referer      string
	UserAgent    string
	CookieHeader func() string
	CookieFile   string
}

// Orchestrator owns at most one playback session at a time. Starting a new
// one stops and flushes the previous session first.
type Orchestrator struct {
	cfg      Config
	log      logrus.FieldLogger
	interval time.Duration

	// newTicker is swapped in tests for deterministic tick control.
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu      sync.Mutex
	current *playback
}

type playback struct {
	id      string
	ref     client.VideoRef
	title   string
	proc    Process
	cancel  context.CancelFunc
	done    chan struct{}
	status  Status
	startTS time.Time

	posMu   sync.Mutex
	lastPos int64
}

// New creates a playback orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger,
		interval: cfg.HeartbeatInterval,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Status returns the current session status, or Idle.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Idle
	}
	return o.current.status
}

// LastPosition returns the last reported position of the current session.
func (o *Orchestrator) LastPosition() int64 {
	o.mu.Lock()
	pb := o.current
	o.mu.Unlock()
	if pb == nil {
		return 0
	}
	pb.posMu.Lock()
	defer pb.posMu.Unlock()
	return pb.lastPos
}

// Play resolves the stream for the selected part, launches the player, and
// starts the heartbeat loop. Any session already playing is stopped and its
// final position flushed first.
func (o *Orchestrator) Play(ctx context.Context, ref client.VideoRef, title string) error {
	if err := o.Stop(ctx); err != nil {
		return err
	}

	cid := ref.Cid()
	if ref.Bvid == "" || cid == 0 {
		return fmt.Errorf("play: incomplete video ref")
	}

	// The session is visible as Starting while the stream resolves and the
	// player process comes up.
	pb := &playback{
		id:      uuid.NewString(),
		ref:     ref,
		title:   title,
		done:    make(chan struct{}),
		status:  Starting,
		startTS: time.Now(),
	}
	o.mu.Lock()
	o.current = pb
	o.mu.Unlock()

	fail := func(err error) error {
		o.mu.Lock()
		if o.current == pb {
			o.current = nil
		}
		o.mu.Unlock()
		return err
	}

	play, err := o.cfg.Resolver.PlayURL(ctx, ref.Bvid, cid)
	if err != nil {
		return fail(fmt.Errorf("play %s: %w", ref.Bvid, err))
	}

	opts := LaunchOptions{
		StreamURL:  play.StreamURL(),
		Referer:    o.cfg.Referer,
		UserAgent:  o.cfg.UserAgent,
		CookieFile: o.cfg.CookieFile,
		Title:      title,
	}
	if o.cfg.CookieHeader != nil {
		opts.CookieHdr = o.cfg.CookieHeader()
	}

	proc, err := o.cfg.Launcher.Launch(ctx, opts)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrLaunchFailed, err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	pb.proc = proc
	pb.cancel = cancel
	pb.status = Playing
	o.mu.Unlock()

	log := o.log.WithFields(logrus.Fields{
		"session": pb.id,
		"bvid":    ref.Bvid,
		"cid":     cid,
		"part":    ref.Part,
	})
	log.Info("playback started")

	// Watch-start registration is best effort.
	if err := o.cfg.Reporter.ReportWatchStart(ctx, ref.Aid, cid, ref.Bvid); err != nil {
		log.WithError(err).Debug("watch start report failed")
	}

	go o.heartbeatLoop(loopCtx, pb, log)
	return nil
}

// SwitchPart flushes the current part's final heartbeat and starts playback
// of another part of the same video, so progress continuity survives the
// switch.
func (o *Orchestrator) SwitchPart(ctx context.Context, part int) error {
	o.mu.Lock()
	pb := o.current
	o.mu.Unlock()
	if pb == nil {
		return fmt.Errorf("switch part: nothing playing")
	}
	if part < 0 || part >= len(pb.ref.Pages) {
		return fmt.Errorf("switch part: index %d out of range", part)
	}
	ref := pb.ref
	ref.Part = part
	return o.Play(ctx, ref, pb.title)
}

// Stop terminates the current session, waits for its final heartbeat flush,
// and releases the process handle. No-op when idle.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	pb := o.current
	var proc Process
	var cancel context.CancelFunc
	if pb != nil {
		proc = pb.proc
		cancel = pb.cancel
	}
	o.mu.Unlock()
	if pb == nil {
		return nil
	}
	if proc == nil {
		// Still starting, nothing launched yet.
		o.mu.Lock()
		if o.current == pb {
			o.current = nil
		}
		o.mu.Unlock()
		return nil
	}

	cancel()
	if err := proc.Stop(); err != nil {
		o.log.WithError(err).Debug("player stop returned error")
	}
	select {
	case <-pb.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	if o.current == pb {
		o.current = nil
	}
	o.mu.Unlock()
	return nil
}

// Wait blocks until the current session ends on its own (process exit) or
// ctx is cancelled.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	pb := o.current
	o.mu.Unlock()
	if pb == nil {
		return nil
	}
	select {
	case <-pb.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// heartbeatLoop owns every heartbeat for one session, so reports are
// strictly ordered with non-decreasing positions. Tick failures are dropped
// and picked up by the next tick; only the final flush is retried.
func (o *Orchestrator) heartbeatLoop(ctx context.Context, pb *playback, log logrus.FieldLogger) {
	defer close(pb.done)

	ticks, stopTicks := o.newTicker(o.interval)
	defer stopTicks()

	finish := func() {
		o.flushFinal(pb, log)
		o.mu.Lock()
		pb.status = Stopped
		o.mu.Unlock()
		log.WithField("position", pb.lastPos).Info("playback stopped")
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return
		case <-pb.proc.Done():
			finish()
			return
		case <-ticks:
			pos := o.observePosition(ctx, pb)
			hb := o.heartbeat(pb, pos, 0)
			reportCtx, cancel := context.WithTimeout(ctx, o.interval)
			err := o.cfg.Reporter.ReportHeartbeat(reportCtx, hb)
			cancel()
			if err != nil {
				// Dropped for this tick; the next tick reports a fresher
				// position anyway.
				log.WithError(err).Debug("heartbeat dropped")
				continue
			}
			o.recordHistory(ctx, pb, pos)
		}
	}
}

// observePosition queries the player and clamps the result so positions
// never regress within a session.
func (o *Orchestrator) observePosition(ctx context.Context, pb *playback) int64 {
	pb.posMu.Lock()
	defer pb.posMu.Unlock()

	if seconds, ok := pb.proc.Position(ctx); ok {
		if pos := int64(seconds); pos > pb.lastPos {
			pb.lastPos = pos
		}
	} else {
		// Player not answering: fall back to elapsed wall time.
		if pos := int64(time.Since(pb.startTS).Seconds()); pos > pb.lastPos {
			pb.lastPos = pos
		}
	}
	return pb.lastPos
}

func (o *Orchestrator) heartbeat(pb *playback, pos int64, playType int) client.HeartbeatReq {
	return client.HeartbeatReq{
		Aid:        pb.ref.Aid,
		Cid:        pb.ref.Cid(),
		Bvid:       pb.ref.Bvid,
		PlayedTime: pos,
		RealTime:   int64(time.Since(pb.startTS).Seconds()),
		StartTS:    pb.startTS.Unix(),
		PlayType:   playType,
	}
}

const finalFlushPlayType = 4

// flushFinal issues the terminal heartbeat. Unlike periodic ticks, losing
// the final position is not tolerated: it is retried a bounded number of
// times before giving up.
func (o *Orchestrator) flushFinal(pb *playback, log logrus.FieldLogger) {
	pb.posMu.Lock()
	pos := pb.lastPos
	pb.posMu.Unlock()
	hb := o.heartbeat(pb, pos, finalFlushPlayType)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	err := backoff.Retry(func() error {
		return o.cfg.Reporter.ReportHeartbeat(flushCtx, hb)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 2), flushCtx))
	if err != nil {
		log.WithError(err).Warn("final heartbeat flush failed")
	}
	o.recordHistory(flushCtx, pb, pos)
}

func (o *Orchestrator) recordHistory(ctx context.Context, pb *playback, pos int64) {
	if o.cfg.History == nil {
		return
	}
	var duration int64
	if pb.ref.Part >= 0 && pb.ref.Part < len(pb.ref.Pages) {
		duration = pb.ref.Pages[pb.ref.Part].Duration
	}
	entry := history.Entry{
		Bvid:        pb.ref.Bvid,
		Cid:         pb.ref.Cid(),
		Title:       pb.title,
		PositionSec: pos,
		DurationSec: duration,
	}
	if err := o.cfg.History.Upsert(ctx, entry); err != nil {
		o.log.WithError(err).Debug("history upsert failed")
	}
}
