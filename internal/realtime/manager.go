// Package realtime joins LiveKit rooms as a receive-only viewer, classifies
// connection failures and retries them on a bounded, cancellable schedule.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jmylchreest/livebridge/internal/config"
	"github.com/jmylchreest/livebridge/internal/observability"
)

// State is the connection manager state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateDisconnected is terminal. Recovering requires a new manager.
	StateDisconnected State = "disconnected"
)

// Attempt describes one join attempt. Number never exceeds MaxAttempts.
type Attempt struct {
	Number      int       `json:"attemptNumber"`
	MaxAttempts int       `json:"maxAttempts"`
	Code        ErrorCode `json:"errorCode,omitempty"`
	Retryable   bool      `json:"retryable"`
}

// StateChange is published on the manager's event channel.
type StateChange struct {
	From    State
	To      State
	Attempt Attempt
	Err     *ConnectError
	At      time.Time
}

// JoinOptions controls what the local participant may do in the room.
type JoinOptions struct {
	PublishAudio  bool
	PublishVideo  bool
	AutoSubscribe bool
}

// RoomEvents are the room lifecycle callbacks a Joiner must wire up.
type RoomEvents struct {
	Disconnected func(reason string)
	Reconnecting func()
	Reconnected  func()
}

// Room is a joined realtime room.
type Room interface {
	Disconnect()
}

// Joiner opens a room connection with an access token.
type Joiner interface {
	Join(ctx context.Context, token string, opts JoinOptions, events RoomEvents) (Room, error)
}

// TrackReleaser stops and detaches every locally held track.
type TrackReleaser interface {
	UnbindAll() error
}

// ErrInvalidInput is returned when a room or identity is missing.
var ErrInvalidInput = errors.New("room and identity are required")

// ManagerConfig holds retry parameters.
type ManagerConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ManagerConfigFrom extracts the retry parameters from cfg.
func ManagerConfigFrom(cfg config.RealtimeConfig) ManagerConfig {
	return ManagerConfig{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

const (
	defaultMaxAttempts = 5
	eventBuffer        = 32
)

// Manager runs the join/reconnect state machine for one viewer.
type Manager struct {
	tokens TokenSource
	joiner Joiner
	tracks TrackReleaser
	cfg    ManagerConfig
	logger *slog.Logger
	now    func() time.Time

	// lifetime is cancelled by Close and parents every retry task.
	lifetime context.Context
	stop     context.CancelFunc

	mu       sync.Mutex
	state    State
	attempt  Attempt
	lastErr  *ConnectError
	room     Room
	gen      uint64
	cancel   context.CancelFunc
	taskDone chan struct{}
	closed   bool
	events   chan StateChange

	published <-chan StateChange
}

// NewManager creates an idle manager. tracks may be nil.
func NewManager(tokens TokenSource, joiner Joiner, tracks TrackReleaser, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	lifetime, stop := context.WithCancel(context.Background())
	events := make(chan StateChange, eventBuffer)
	return &Manager{
		tokens:    tokens,
		joiner:    joiner,
		tracks:    tracks,
		cfg:       cfg,
		logger:    observability.WithComponent(logger, "realtime"),
		now:       time.Now,
		lifetime:  lifetime,
		stop:      stop,
		state:     StateIdle,
		events:    events,
		published: events,
	}
}

// Events returns state changes. The channel is closed by Close. Changes
// are dropped when the consumer falls behind.
func (m *Manager) Events() <-chan StateChange {
	return m.published
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastAttempt returns the most recent attempt.
func (m *Manager) LastAttempt() Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastError returns the error that caused the most recent failure, if any.
func (m *Manager) LastError() *ConnectError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect joins roomID as identity, receive-only. Retryable failures are
// retried with exponential delay until MaxAttempts is reached, after which
// the manager is Disconnected. Non-retryable failures end it at once.
// Cancelling ctx aborts the attempt and returns the manager to Idle.
func (m *Manager) Connect(ctx context.Context, roomID, identity string) error {
	if roomID == "" || identity == "" {
		return ErrInvalidInput
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrManagerClosed
	case m.state == StateDisconnected:
		m.mu.Unlock()
		return ErrTerminal
	case m.state != StateIdle:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	task, cancel := context.WithCancel(m.lifetime)
	done := make(chan struct{})
	m.cancel = cancel
	m.taskDone = done
	m.gen++
	gen := m.gen
	m.lastErr = nil
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	stopAfter := context.AfterFunc(ctx, cancel)
	defer func() {
		stopAfter()
		cancel()
		close(done)
	}()

	err := m.run(task, gen, roomID, identity)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (m *Manager) run(ctx context.Context, gen uint64, roomID, identity string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	logger := m.logger.With(slog.String("room", roomID), slog.String("identity", identity))

	for n := 1; ; n++ {
		if ctx.Err() != nil {
			return m.abort(ctx, gen)
		}

		room, err := m.attemptOnce(ctx, roomID, identity, gen)
		if err == nil {
			return m.connected(ctx, gen, n, room, logger)
		}
		if ctx.Err() != nil {
			return m.abort(ctx, gen)
		}

		cerr := Classify(err)
		attempt := Attempt{
			Number:      n,
			MaxAttempts: m.cfg.MaxAttempts,
			Code:        cerr.Code,
			Retryable:   cerr.Retryable,
		}
		observability.ConnectionAttempts.WithLabelValues(string(cerr.Code)).Inc()

		if !cerr.Retryable || n >= m.cfg.MaxAttempts {
			logger.Warn("realtime connection failed",
				slog.Int("attempt", n),
				slog.Int("max_attempts", m.cfg.MaxAttempts),
				slog.String("code", string(cerr.Code)),
				slog.Bool("retryable", cerr.Retryable),
				slog.String("error", err.Error()),
			)
			m.fail(gen, attempt, cerr)
			return cerr
		}

		delay := b.NextBackOff()
		logger.Info("realtime connection attempt failed, retrying",
			slog.Int("attempt", n),
			slog.Int("max_attempts", m.cfg.MaxAttempts),
			slog.String("code", string(cerr.Code)),
			slog.Duration("delay", delay),
		)
		m.retrying(gen, attempt, cerr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return m.abort(ctx, gen)
		case <-timer.C:
		}
	}
}

func (m *Manager) attemptOnce(ctx context.Context, roomID, identity string, gen uint64) (Room, error) {
	token, err := m.tokens.Token(ctx, roomID, identity)
	if err != nil {
		return nil, err
	}
	if err := checkToken(token, m.now()); err != nil {
		return nil, err
	}

	// Viewers never publish local media.
	opts := JoinOptions{PublishAudio: false, PublishVideo: false, AutoSubscribe: true}
	return m.joiner.Join(ctx, token, opts, m.roomEvents(gen))
}

func (m *Manager) connected(ctx context.Context, gen uint64, n int, room Room, logger *slog.Logger) error {
	m.mu.Lock()
	if ctx.Err() != nil || gen != m.gen || m.closed {
		m.mu.Unlock()
		room.Disconnect()
		return m.abort(ctx, gen)
	}
	m.room = room
	m.attempt = Attempt{Number: n, MaxAttempts: m.cfg.MaxAttempts}
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	observability.ConnectionAttempts.WithLabelValues("ok").Inc()
	logger.Info("realtime connected", slog.Int("attempt", n))
	return nil
}

func (m *Manager) retrying(gen uint64, attempt Attempt, cerr *ConnectError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.attempt = attempt
	m.lastErr = cerr
	m.emitLocked(StateConnecting, StateConnecting)
}

func (m *Manager) fail(gen uint64, attempt Attempt, cerr *ConnectError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.attempt = attempt
	m.lastErr = cerr
	m.setStateLocked(StateDisconnected)
}

// abort handles cancellation. A cancelled caller context returns the
// manager to Idle; Close has already settled the state.
func (m *Manager) abort(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && !m.closed && m.state == StateConnecting {
		m.setStateLocked(StateIdle)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// roomEvents binds room callbacks to the connection generation gen, so
// callbacks from a room that was already left are ignored.
func (m *Manager) roomEvents(gen uint64) RoomEvents {
	return RoomEvents{
		Disconnected: func(reason string) {
			m.mu.Lock()
			if gen != m.gen || (m.state != StateConnected && m.state != StateReconnecting) {
				m.mu.Unlock()
				return
			}
			m.room = nil
			m.mu.Unlock()

			m.releaseTracks()

			m.mu.Lock()
			defer m.mu.Unlock()
			if gen != m.gen {
				return
			}
			m.lastErr = Classify(errors.New("room disconnected: " + reason))
			m.logger.Warn("realtime room disconnected",
				slog.String("reason", reason),
				slog.String("code", string(m.lastErr.Code)),
			)
			m.setStateLocked(StateDisconnected)
		},
		Reconnecting: func() {
			m.mu.Lock()
			if gen != m.gen || m.state != StateConnected {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()

			m.releaseTracks()

			m.mu.Lock()
			defer m.mu.Unlock()
			if gen == m.gen && m.state == StateConnected {
				m.logger.Info("realtime room reconnecting")
				m.setStateLocked(StateReconnecting)
			}
		},
		Reconnected: func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen == m.gen && m.state == StateReconnecting {
				m.logger.Info("realtime room reconnected")
				m.setStateLocked(StateConnected)
			}
		},
	}
}

// Disconnect leaves the room, or cancels a connection in progress, and
// returns the manager to Idle once every track has been released.
func (m *Manager) Disconnect() {
	m.teardown(false)
}

// Close tears the manager down. No retry fires after Close returns.
func (m *Manager) Close() error {
	m.teardown(true)
	return nil
}

func (m *Manager) teardown(final bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if final {
		m.closed = true
	}
	cancel, done := m.cancel, m.taskDone
	room := m.room
	m.room = nil
	m.gen++
	m.mu.Unlock()

	if final {
		m.stop()
	} else if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if room != nil {
		room.Disconnect()
	}
	m.releaseTracks()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDisconnected {
		m.setStateLocked(StateIdle)
	}
	if final {
		close(m.events)
		m.events = nil
	}
}

func (m *Manager) releaseTracks() {
	if m.tracks == nil {
		return
	}
	if err := m.tracks.UnbindAll(); err != nil {
		m.logger.Warn("releasing tracks", slog.String("error", err.Error()))
	}
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.emitLocked(from, to)
}

func (m *Manager) emitLocked(from, to State) {
	if m.events == nil {
		return
	}
	change := StateChange{From: from, To: to, Attempt: m.attempt, Err: m.lastErr, At: m.now()}
	select {
	case m.events <- change:
	default:
		m.logger.Debug("dropping state change, consumer is behind",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	}
}
