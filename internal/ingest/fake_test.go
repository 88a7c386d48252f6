package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/livebridge/internal/config"
	"github.com/jmylchreest/livebridge/internal/ffmpeg"
)

// fakeHandle records writes in memory and simulates process exit.
type fakeHandle struct {
	mu          sync.Mutex
	writes      [][]byte
	ops         []string
	writeErr    error
	inputClosed bool
	killed      bool
	exited      bool
	exitOnClose bool
	block       chan struct{}
	stall       bool // Write blocks until the process is killed

	pid      int
	req      ffmpeg.SpawnRequest
	done     chan struct{}
	exitOnce sync.Once
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	if h.block != nil {
		<-h.block
	}
	if h.stall {
		<-h.done
		return 0, ffmpeg.ErrProcessExited
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.writeErr != nil {
		return 0, h.writeErr
	}
	if h.inputClosed {
		return 0, ffmpeg.ErrInputClosed
	}
	if h.exited {
		return 0, ffmpeg.ErrProcessExited
	}
	h.writes = append(h.writes, append([]byte(nil), p...))
	h.ops = append(h.ops, "write")
	return len(p), nil
}

func (h *fakeHandle) Writable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.inputClosed && !h.exited
}

func (h *fakeHandle) CloseInput() error {
	h.mu.Lock()
	h.inputClosed = true
	h.ops = append(h.ops, "close")
	exit := h.exitOnClose
	h.mu.Unlock()

	if exit {
		h.exit(ffmpeg.EventExited, 0)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()

	h.exit(ffmpeg.EventErrored, -1)
	return nil
}

func (h *fakeHandle) exit(kind ffmpeg.EventKind, code int) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.exited = true
		h.mu.Unlock()
		close(h.done)

		if h.req.Events == nil {
			return
		}
		go func() {
			select {
			case h.req.Events <- ffmpeg.Event{
				Kind:      kind,
				SessionID: h.req.SessionID,
				StreamKey: h.req.StreamKey,
				ExitCode:  code,
				At:        time.Now(),
			}:
			case <-h.req.Closing:
			}
		}()
	})
}

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

func (h *fakeHandle) PID() int { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) StderrLines() []string { return nil }
func (h *fakeHandle) Stats() ffmpeg.ProcessStats { return ffmpeg.ProcessStats{PID: h.pid} }
func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *fakeHandle) isInputClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inputClosed
}

func (h *fakeHandle) operations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ops...)
}

func (h *fakeHandle) written() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.writes...)
}

func (h *fakeHandle) setWriteErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeErr = err
}

// fakeSpawner hands out fakeHandles and counts spawns.
type fakeSpawner struct {
	mu        sync.Mutex
	handles   []*fakeHandle
	err       error
	delay     time.Duration
	configure func(*fakeHandle)
}

func (s *fakeSpawner) Spawn(ctx context.Context, req ffmpeg.SpawnRequest) (ffmpeg.Handle, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	h := &fakeHandle{
		pid:  1000 + len(s.handles),
		req:  req,
		done: make(chan struct{}),
	}
	if s.configure != nil {
		s.configure(h)
	}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *fakeSpawner) handle(i int) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[i]
}

var errBrokenPipe = errors.New("write |1: broken pipe")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxChunkSize:    1024 * 1024,
		StopGracePeriod: 50 * time.Millisecond,
		IdleTimeout:     time.Minute,
		ReapSchedule:    "@every 1s",
		EventBuffer:     16,
	}
}

// newTestService builds a service whose registry event loop runs until the test ends.
func newTestService(t *testing.T, spawner *fakeSpawner, presence Presence) *Service {
	t.Helper()
	cfg := testIngestConfig()
	registry := NewRegistry(spawner, cfg.EventBuffer, testLogger())
	svc := NewService(registry, presence, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = registry.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		registry.Close()
	})
	return svc
}
