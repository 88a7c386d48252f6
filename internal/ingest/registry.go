package ingest

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/livebridge/internal/ffmpeg"
	"github.com/jmylchreest/livebridge/internal/observability"
)

// StreamSession is the registry's record of one encoder session.
// Counters and ordering state are guarded by the owning registry's mutex;
// callers outside the package read them through SessionSnapshot.
type StreamSession struct {
	ID        string
	StreamKey string
	Handle    ffmpeg.Handle
	StartTime time.Time

	lastChunkTime time.Time
	chunkCount    int64
	totalSize     int64

	// Per-key FIFO: writes run strictly in ticket order.
	nextTicket uint64
	serving    uint64
	turn       *sync.Cond

	detached bool // key binding removed (stopped, failed or exited)
	failed   bool // a write failed; remaining queued writes fail too
	removed  bool // process exit observed
}

// SessionSnapshot is a point-in-time copy of a session's stats.
type SessionSnapshot struct {
	ID            string
	StreamKey     string
	StartTime     time.Time
	LastChunkTime time.Time
	ChunkCount    int64
	TotalSize     int64
	ProcessAlive  bool
	PID           int
}

// Duration returns how long the session has been running at now.
func (s SessionSnapshot) Duration(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}

// AvgChunkSize returns the mean chunk size, or 0 without chunks.
func (s SessionSnapshot) AvgChunkSize() int64 {
	if s.ChunkCount == 0 {
		return 0
	}
	return s.TotalSize / s.ChunkCount
}

// snapshotLocked copies the session stats. Caller holds the registry mutex.
func (s *StreamSession) snapshotLocked() SessionSnapshot {
	return SessionSnapshot{
		ID:            s.ID,
		StreamKey:     s.StreamKey,
		StartTime:     s.StartTime,
		LastChunkTime: s.lastChunkTime,
		ChunkCount:    s.chunkCount,
		TotalSize:     s.totalSize,
		ProcessAlive:  s.Handle.Alive(),
		PID:           s.Handle.PID(),
	}
}

// Registry maps stream keys to their single live encoder session.
//
// Removal rule: Detach unbinds the key immediately and parks the session in
// a draining set keyed by session ID. The encoder's terminal event removes
// the session by ID only, so an exit of an old session can never touch a
// newer session bound to the same key.
type Registry struct {
	mu       sync.Mutex
	active   map[string]*StreamSession // by stream key
	draining map[string]*StreamSession // by session ID
	sealed   bool                      // Acquire rejected, events still flow
	closed   bool

	spawner ffmpeg.Spawner
	events  chan ffmpeg.Event
	closing chan struct{}

	onRemove     func(SessionSnapshot, ffmpeg.Event)
	writeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewRegistry creates a registry that spawns encoders with spawner.
// eventBuffer sizes the encoder event channel consumed by Run.
func NewRegistry(spawner ffmpeg.Spawner, eventBuffer int, logger *slog.Logger) *Registry {
	if eventBuffer < 1 {
		eventBuffer = 1
	}
	return &Registry{
		active:   make(map[string]*StreamSession),
		draining: make(map[string]*StreamSession),
		spawner:  spawner,
		events:   make(chan ffmpeg.Event, eventBuffer),
		closing:  make(chan struct{}),
		now:      time.Now,
		logger:   observability.WithComponent(logger, "registry"),
	}
}

// WithRemoveHook registers fn to run after a session is removed on process exit.
func (r *Registry) WithRemoveHook(fn func(SessionSnapshot, ffmpeg.Event)) *Registry {
	r.onRemove = fn
	return r
}

// WithWriteTimeout bounds how long one chunk write may block. An encoder
// that stops reading for longer is torn down. Zero disables the bound.
func (r *Registry) WithWriteTimeout(d time.Duration) *Registry {
	r.writeTimeout = d
	return r
}

// Acquire returns the session for streamKey, spawning an encoder when none
// exists, and takes a write ticket in the same critical section. The spawn
// happens under the registry lock so concurrent first chunks for one key
// can never start two encoders.
func (r *Registry) Acquire(ctx context.Context, streamKey string) (*StreamSession, uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed || r.closed {
		return nil, 0, false, ErrRegistryClosed
	}

	created := false
	s, ok := r.active[streamKey]
	if !ok {
		now := r.now()
		id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()

		handle, err := r.spawner.Spawn(ctx, ffmpeg.SpawnRequest{
			SessionID: id,
			StreamKey: streamKey,
			Events:    r.events,
			Closing:   r.closing,
		})
		if err != nil {
			observability.EncoderFailures.WithLabelValues("spawn").Inc()
			return nil, 0, false, fmt.Errorf("%w: %w", ErrEncoderSpawn, err)
		}

		s = &StreamSession{
			ID:        id,
			StreamKey: streamKey,
			Handle:    handle,
			StartTime: now,
			turn:      sync.NewCond(&r.mu),
		}
		r.active[streamKey] = s
		created = true
		observability.RecordSessionStarted()

		r.logger.Info("stream session created",
			slog.String("session_id", id),
			slog.String("stream", observability.MaskStreamKey(streamKey)),
			slog.Int("pid", handle.PID()),
		)
	}

	ticket := s.nextTicket
	s.nextTicket++
	return s, ticket, created, nil
}

// Write waits for ticket's turn, forwards data to the encoder and updates
// stats. A failed write tears the session down and fails every write still
// queued behind it.
func (r *Registry) Write(s *StreamSession, ticket uint64, data []byte) (SessionSnapshot, error) {
	r.mu.Lock()
	for s.serving != ticket {
		s.turn.Wait()
	}
	if s.failed || s.removed {
		r.advanceLocked(s)
		r.mu.Unlock()
		return SessionSnapshot{}, fmt.Errorf("%w: session %s has ended", ErrEncoderWrite, s.ID)
	}
	r.mu.Unlock()

	start := time.Now()
	err := r.writeChunk(s, data)
	observability.ChunkWriteDuration.Observe(time.Since(start).Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.advanceLocked(s)

	if err != nil {
		r.failLocked(s)
		r.logger.Warn("encoder write failed, session torn down",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return SessionSnapshot{}, fmt.Errorf("%w: %w", ErrEncoderWrite, err)
	}

	s.chunkCount++
	s.totalSize += int64(len(data))
	s.lastChunkTime = r.now()
	return s.snapshotLocked(), nil
}

// writeChunk forwards data to the encoder, giving up after the write
// timeout. On timeout the encoder is killed, which also unblocks the
// pending write.
func (r *Registry) writeChunk(s *StreamSession, data []byte) error {
	if r.writeTimeout <= 0 {
		_, err := s.Handle.Write(data)
		return err
	}

	result := make(chan error, 1)
	go func() {
		_, err := s.Handle.Write(data)
		result <- err
	}()

	timer := time.NewTimer(r.writeTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		_ = s.Handle.Kill()
		return fmt.Errorf("%w after %s", ErrWriteTimeout, r.writeTimeout)
	}
}

// advanceLocked hands the write turn to the next ticket.
func (r *Registry) advanceLocked(s *StreamSession) {
	s.serving++
	s.turn.Broadcast()
}

// failLocked unbinds the key, kills the encoder and marks the session failed.
func (r *Registry) failLocked(s *StreamSession) {
	if !s.failed {
		observability.EncoderFailures.WithLabelValues("write").Inc()
	}
	s.failed = true
	r.unbindLocked(s)
	_ = s.Handle.Kill()
}

// unbindLocked removes the key binding and parks the session until its exit.
func (r *Registry) unbindLocked(s *StreamSession) {
	if s.detached {
		return
	}
	s.detached = true
	if cur, ok := r.active[s.StreamKey]; ok && cur == s {
		delete(r.active, s.StreamKey)
	}
	if !s.removed {
		r.draining[s.ID] = s
	}
}

// Detach removes the binding for streamKey. The session stays in the
// draining set until its encoder exits. A chunk arriving afterwards creates
// a new session.
func (r *Registry) Detach(streamKey string) (*StreamSession, SessionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[streamKey]
	if !ok {
		return nil, SessionSnapshot{}, false
	}
	r.unbindLocked(s)
	return s, s.snapshotLocked(), true
}

// DetachIdle detaches the session with sessionID if it is still bound to
// streamKey, has no write in flight and received its last chunk (or
// started, without chunks) before cutoff.
func (r *Registry) DetachIdle(streamKey, sessionID string, cutoff time.Time) (*StreamSession, SessionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[streamKey]
	if !ok || s.ID != sessionID || s.serving != s.nextTicket {
		return nil, SessionSnapshot{}, false
	}
	last := s.lastChunkTime
	if last.IsZero() {
		last = s.StartTime
	}
	if !last.Before(cutoff) {
		return nil, SessionSnapshot{}, false
	}
	r.unbindLocked(s)
	return s, s.snapshotLocked(), true
}

// Seal rejects further Acquire calls while leaving the event loop and
// existing sessions untouched.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// DetachAll detaches every active session.
func (r *Registry) DetachAll() []*StreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*StreamSession, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		r.unbindLocked(s)
	}
	return sessions
}

// WaitIdle blocks until every write ticket already taken on s has completed.
func (r *Registry) WaitIdle(s *StreamSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s.serving != s.nextTicket {
		s.turn.Wait()
	}
}

// Remove deletes the session with sessionID, whether it is still bound to
// its key or draining. It never touches another session for the same key.
func (r *Registry) Remove(sessionID string) (SessionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.draining[sessionID]
	if ok {
		delete(r.draining, sessionID)
	} else {
		for key, cur := range r.active {
			if cur.ID == sessionID {
				s, ok = cur, true
				delete(r.active, key)
				break
			}
		}
	}
	if !ok {
		return SessionSnapshot{}, false
	}

	s.removed = true
	s.detached = true
	s.turn.Broadcast()
	return s.snapshotLocked(), true
}

// Snapshot returns a copy of the active session for streamKey.
func (r *Registry) Snapshot(streamKey string) (SessionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[streamKey]
	if !ok {
		return SessionSnapshot{}, false
	}
	return s.snapshotLocked(), true
}

// Snapshots returns copies of all active sessions sorted by stream key.
func (r *Registry) Snapshots() []SessionSnapshot {
	r.mu.Lock()
	out := make([]SessionSnapshot, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s.snapshotLocked())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}

// Counts returns the number of active and draining sessions.
func (r *Registry) Counts() (active, draining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active), len(r.draining)
}

// Run consumes encoder events until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Registry) handleEvent(ctx context.Context, ev ffmpeg.Event) {
	if ev.Kind == ffmpeg.EventLog {
		r.logger.Log(ctx, ev.Level, "encoder output",
			slog.String("session_id", ev.SessionID),
			slog.String("line", ev.Line),
		)
		return
	}

	attrs := []any{
		slog.String("session_id", ev.SessionID),
		slog.String("kind", ev.Kind.String()),
		slog.Int("exit_code", ev.ExitCode),
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	snap, ok := r.Remove(ev.SessionID)
	if !ok {
		r.logger.Debug("exit event for unknown session", attrs...)
		return
	}

	observability.RecordSessionEnded(ev.Kind.String())
	if ev.Kind == ffmpeg.EventErrored {
		observability.EncoderFailures.WithLabelValues("exit").Inc()
	}

	attrs = append(attrs, slog.Int64("chunks", snap.ChunkCount), slog.Int64("bytes", snap.TotalSize))
	r.logger.Info("encoder process ended, session removed", attrs...)

	if r.onRemove != nil {
		r.onRemove(snap, ev)
	}
}

// Close rejects further Acquire calls and releases encoders blocked on
// delivering their terminal event.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.sealed = true
	r.closed = true
	close(r.closing)
}
