package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"roomcrypt/internal/domain"
)

// ErrRunning is returned by Start when the loop is already running.
var ErrRunning = errors.New("sync loop already running")

// Config controls request timing. All fields must be set.
type Config struct {
	// LongPoll is how long the server may hold a request open.
	LongPoll time.Duration
	// NetworkTimeout is added to LongPoll to bound the request locally.
	NetworkTimeout time.Duration
	Backoff        Backoff
}

// Validate rejects missing timings.
func (c Config) Validate() error {
	if c.LongPoll <= 0 {
		return fmt.Errorf("syncer: long poll must be positive, got %s", c.LongPoll)
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("syncer: network timeout must be positive, got %s", c.NetworkTimeout)
	}
	return c.Backoff.Validate()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) { e.log = l }
}

// WithCursor resumes from a previously saved cursor.
func WithCursor(c domain.Cursor) Option {
	return func(e *Engine) { e.cursor = c }
}

// Engine runs sync requests and applies their results.
type Engine struct {
	transport domain.SyncTransport
	sessions  domain.SessionManager
	applier   domain.EventApplier
	cfg       Config
	log       *logrus.Entry

	inFlight atomic.Bool
	state    atomic.Int32

	mu     sync.Mutex
	cursor domain.Cursor

	// opened keeps to-device plaintexts of a batch that failed to apply.
	// Opening advanced and persisted the ratchet, so a redelivered copy
	// would otherwise read as a replay. Touched only while in flight.
	opened map[openedKey]domain.Event

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle Engine starting from the empty cursor.
func New(
	transport domain.SyncTransport,
	sessions domain.SessionManager,
	applier domain.EventApplier,
	cfg Config,
	opts ...Option,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		transport: transport,
		sessions:  sessions,
		applier:   applier,
		cfg:       cfg,
		log:       logrus.WithField("component", "syncer"),
		opened:    make(map[openedKey]domain.Event),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Cursor returns the position of the last fully applied batch.
func (e *Engine) Cursor() domain.Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// State returns the current state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Sync performs one request from the current cursor and applies the batch.
// A concurrent call fails with domain.ErrSyncInFlight instead of queueing.
//
// Steps:
//  1. Request the batch after the cursor, bounded by the long poll plus the
//     local network timeout.
//  2. Decrypt and persist key material for the whole batch.
//  3. Dispatch to-device events, then each room in order.
//  4. Advance the cursor.
//
// Steps 2 to 4 run to completion even if ctx is cancelled meanwhile.
func (e *Engine) Sync(ctx context.Context) (domain.Cursor, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return e.Cursor(), domain.ErrSyncInFlight
	}
	defer e.inFlight.Store(false)

	since := e.Cursor()
	e.state.Store(int32(Requesting))

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.LongPoll+e.cfg.NetworkTimeout)
	batch, err := e.transport.Sync(reqCtx, since, e.cfg.LongPoll)
	cancel()
	if err != nil {
		e.state.Store(int32(Failed))
		if errors.Is(err, domain.ErrTransport) {
			return since, err
		}
		return since, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	e.state.Store(int32(Applying))
	if err := e.apply(context.WithoutCancel(ctx), batch); err != nil {
		e.state.Store(int32(Failed))
		e.log.WithFields(logrus.Fields{
			"function": "Sync",
			"since":    since,
			"error":    err.Error(),
		}).Error("Batch abandoned")
		return since, err
	}

	clear(e.opened)
	e.mu.Lock()
	if batch.Cursor != "" {
		e.cursor = batch.Cursor
	}
	next := e.cursor
	e.mu.Unlock()
	e.state.Store(int32(Idle))

	e.log.WithFields(logrus.Fields{
		"function":  "Sync",
		"cursor":    next,
		"rooms":     len(batch.Rooms),
		"to_device": len(batch.ToDevice),
	}).Debug("Batch applied")
	return next, nil
}

// Start runs Sync in a background loop until Stop is called or ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
	return nil
}

// Stop cancels the outstanding long poll and waits for the loop to exit. A
// batch already being applied is finished first.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel, e.done = nil, nil
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		_, err := e.Sync(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			delay = 0
			continue
		}

		delay = e.cfg.Backoff.Next(delay)
		e.log.WithFields(logrus.Fields{
			"function": "loop",
			"retry_in": delay,
			"error":    err.Error(),
		}).Warn("Sync failed")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
