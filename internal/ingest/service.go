package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmylchreest/livebridge/internal/config"
	"github.com/jmylchreest/livebridge/internal/ffmpeg"
	"github.com/jmylchreest/livebridge/internal/observability"
)

// ChunkResult reports session stats after a chunk was forwarded.
type ChunkResult struct {
	ChunkSize       int
	ChunkCount      int64
	TotalSize       int64
	SessionDuration time.Duration
	SessionCreated  bool
}

// StopResult reports the final stats of a stopped session.
// Existed is false when no session was bound to the key.
type StopResult struct {
	Duration     time.Duration
	TotalChunks  int64
	TotalSize    int64
	AvgChunkSize int64
	Existed      bool
}

// SessionStatus is the read-only view of a stream key.
type SessionStatus struct {
	StreamKey    string
	SessionID    string
	IsActive     bool
	StartTime    time.Time
	ChunkCount   int64
	TotalSize    int64
	Duration     time.Duration
	AvgChunkSize int64
	ProcessAlive bool
}

// Service implements chunk submission, stop and status on top of a Registry.
type Service struct {
	registry *Registry
	presence Presence
	cfg      config.IngestConfig
	instance string
	logger   *slog.Logger
	now      func() time.Time

	// stops tracks in-flight stop goroutines so Shutdown can wait on them.
	stops sync.WaitGroup
}

// NewService creates the ingest service. presence may be nil.
func NewService(registry *Registry, presence Presence, cfg config.IngestConfig, logger *slog.Logger) *Service {
	instance, err := os.Hostname()
	if err != nil {
		instance = "livebridge"
	}

	s := &Service{
		registry: registry,
		presence: presence,
		cfg:      cfg,
		instance: instance,
		logger:   observability.WithComponent(logger, "ingest"),
		now:      time.Now,
	}

	registry.WithRemoveHook(func(snap SessionSnapshot, _ ffmpeg.Event) {
		s.releasePresence(context.Background(), snap.StreamKey)
	})

	return s
}

// Registry returns the underlying session registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// SubmitChunk forwards data to the encoder for streamKey, creating the
// session on first use. Chunks for one key are written in submission order.
func (s *Service) SubmitChunk(ctx context.Context, streamKey string, data []byte, contentType string) (ChunkResult, error) {
	if streamKey == "" {
		return ChunkResult{}, fmt.Errorf("%w: stream key is required", ErrInvalidRequest)
	}
	if len(data) == 0 {
		return ChunkResult{}, fmt.Errorf("%w: chunk data is required", ErrInvalidRequest)
	}
	if limit := s.cfg.MaxChunkSize.Bytes(); limit > 0 && int64(len(data)) > limit {
		return ChunkResult{}, fmt.Errorf("%w: chunk of %d bytes exceeds limit of %s",
			ErrInvalidRequest, len(data), s.cfg.MaxChunkSize)
	}

	session, ticket, created, err := s.registry.Acquire(ctx, streamKey)
	if err != nil {
		s.logger.Error("failed to start encoder",
			slog.String("stream", observability.MaskStreamKey(streamKey)),
			slog.String("error", err.Error()),
		)
		return ChunkResult{}, err
	}

	snap, err := s.registry.Write(session, ticket, data)
	if err != nil {
		s.releasePresence(ctx, streamKey)
		return ChunkResult{}, err
	}

	observability.RecordChunk(len(data))

	if created {
		s.logger.Info("stream started",
			slog.String("session_id", snap.ID),
			slog.String("stream", observability.MaskStreamKey(streamKey)),
			slog.String("content_type", contentType),
		)
		s.publishPresence(ctx, snap)
	}

	return ChunkResult{
		ChunkSize:       len(data),
		ChunkCount:      snap.ChunkCount,
		TotalSize:       snap.TotalSize,
		SessionDuration: snap.Duration(s.now()),
		SessionCreated:  created,
	}, nil
}

// StopStream ends the session for streamKey. The key is unbound at once;
// the encoder gets end-of-input after already accepted chunks are written
// and is killed if it is still running after the grace period. Stopping an
// absent key succeeds with zero stats.
func (s *Service) StopStream(ctx context.Context, streamKey string) (StopResult, error) {
	if streamKey == "" {
		return StopResult{}, fmt.Errorf("%w: stream key is required", ErrInvalidRequest)
	}

	session, snap, ok := s.registry.Detach(streamKey)
	if !ok {
		return StopResult{}, nil
	}
	return s.stop(ctx, session, snap, "stream stopped"), nil
}

// stop finishes a detached session and reports its final stats.
func (s *Service) stop(ctx context.Context, session *StreamSession, snap SessionSnapshot, msg string) StopResult {
	s.finish(session, s.cfg.StopGracePeriod)
	s.releasePresence(ctx, snap.StreamKey)

	duration := snap.Duration(s.now())
	s.logger.Info(msg,
		slog.String("session_id", snap.ID),
		slog.String("stream", observability.MaskStreamKey(snap.StreamKey)),
		slog.Duration("duration", duration),
		slog.Int64("chunks", snap.ChunkCount),
		slog.Int64("bytes", snap.TotalSize),
	)

	return StopResult{
		Duration:     duration,
		TotalChunks:  snap.ChunkCount,
		TotalSize:    snap.TotalSize,
		AvgChunkSize: snap.AvgChunkSize(),
		Existed:      true,
	}
}

// finish drains, closes and if needed kills a detached session in the background.
func (s *Service) finish(session *StreamSession, grace time.Duration) {
	s.stops.Add(1)
	go func() {
		defer s.stops.Done()

		go func() {
			s.registry.WaitIdle(session)
			if err := session.Handle.CloseInput(); err != nil {
				s.logger.Debug("closing encoder input",
					slog.String("session_id", session.ID),
					slog.String("error", err.Error()),
				)
			}
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-session.Handle.Done():
		case <-timer.C:
			s.logger.Warn("encoder did not exit within grace period, killing",
				slog.String("session_id", session.ID),
				slog.Duration("grace_period", grace),
			)
			observability.EncoderFailures.WithLabelValues("kill").Inc()
			_ = session.Handle.Kill()
		}
	}()
}

// GetStatus returns the status for streamKey. It never mutates the session.
func (s *Service) GetStatus(streamKey string) SessionStatus {
	snap, ok := s.registry.Snapshot(streamKey)
	if !ok {
		return SessionStatus{StreamKey: streamKey}
	}
	return s.status(snap, streamKey)
}

// ListStatus returns all active sessions with masked stream keys.
func (s *Service) ListStatus() []SessionStatus {
	snaps := s.registry.Snapshots()
	out := make([]SessionStatus, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, s.status(snap, observability.MaskStreamKey(snap.StreamKey)))
	}
	return out
}

func (s *Service) status(snap SessionSnapshot, displayKey string) SessionStatus {
	return SessionStatus{
		StreamKey:    displayKey,
		SessionID:    snap.ID,
		IsActive:     true,
		StartTime:    snap.StartTime,
		ChunkCount:   snap.ChunkCount,
		TotalSize:    snap.TotalSize,
		Duration:     snap.Duration(s.now()),
		AvgChunkSize: snap.AvgChunkSize(),
		ProcessAlive: snap.ProcessAlive,
	}
}

// LookupPresence reports whether any instance advertises a session for streamKey.
func (s *Service) LookupPresence(ctx context.Context, streamKey string) (*PresenceRecord, error) {
	if s.presence == nil {
		return nil, nil
	}
	return s.presence.Lookup(ctx, streamKey)
}

// SessionActive reports whether streamKey has a live session on this
// instance or, failing that, an unexpired presence record from any instance.
func (s *Service) SessionActive(ctx context.Context, streamKey string) bool {
	if streamKey == "" {
		return false
	}
	if _, ok := s.registry.Snapshot(streamKey); ok {
		return true
	}
	rec, err := s.LookupPresence(ctx, streamKey)
	if err != nil {
		s.logger.Debug("presence lookup failed", slog.String("error", err.Error()))
		return false
	}
	return rec != nil
}

// ReapIdle stops sessions whose last chunk is older than idle and refreshes
// presence for the rest. Returns the number of sessions stopped.
func (s *Service) ReapIdle(ctx context.Context, idle time.Duration) int {
	now := s.now()
	reaped := 0

	for _, snap := range s.registry.Snapshots() {
		last := snap.LastChunkTime
		if last.IsZero() {
			last = snap.StartTime
		}

		if idle > 0 && now.Sub(last) > idle {
			// Re-checked under the registry lock: a chunk may have arrived
			// or the key may have been rebound since the snapshot.
			session, current, ok := s.registry.DetachIdle(snap.StreamKey, snap.ID, now.Add(-idle))
			if ok {
				s.stop(ctx, session, current, "reaped idle stream")
				reaped++
				continue
			}
			if current, ok := s.registry.Snapshot(snap.StreamKey); ok {
				s.publishPresence(ctx, current)
			}
			continue
		}

		s.publishPresence(ctx, snap)
	}

	return reaped
}

// Shutdown rejects new sessions, stops every session and waits for
// encoders to exit or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.registry.Seal()
	sessions := s.registry.DetachAll()
	for _, session := range sessions {
		s.finish(session, s.cfg.StopGracePeriod)
		s.removePresence(ctx, session.StreamKey)
	}

	done := make(chan struct{})
	go func() {
		s.stops.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("ingest sessions stopped", slog.Int("count", len(sessions)))
		return nil
	case <-ctx.Done():
		for _, session := range sessions {
			_ = session.Handle.Kill()
		}
		return fmt.Errorf("waiting for encoders to exit: %w", ctx.Err())
	}
}

func (s *Service) publishPresence(ctx context.Context, snap SessionSnapshot) {
	if s.presence == nil {
		return
	}
	rec := PresenceRecord{
		SessionID:     snap.ID,
		Instance:      s.instance,
		StartTime:     snap.StartTime,
		LastChunkTime: snap.LastChunkTime,
		ChunkCount:    snap.ChunkCount,
		TotalSize:     snap.TotalSize,
	}
	if err := s.presence.Publish(ctx, snap.StreamKey, rec); err != nil {
		s.logger.Warn("failed to publish session presence",
			slog.String("session_id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
}

// releasePresence removes the presence record for streamKey unless the key
// is already bound to a newer session.
func (s *Service) releasePresence(ctx context.Context, streamKey string) {
	if _, ok := s.registry.Snapshot(streamKey); ok {
		return
	}
	s.removePresence(ctx, streamKey)
}

func (s *Service) removePresence(ctx context.Context, streamKey string) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Remove(context.WithoutCancel(ctx), streamKey); err != nil {
		s.logger.Warn("failed to remove session presence", slog.String("error", err.Error()))
	}
}
