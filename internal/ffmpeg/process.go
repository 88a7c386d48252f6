package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInputClosed is returned by Write once the encoder input has been closed.
	ErrInputClosed = errors.New("encoder input closed")
	// ErrProcessExited is returned by Write once the encoder process has exited.
	ErrProcessExited = errors.New("encoder process exited")
)

// Handle is a running encoder bound to one destination.
// Lifecycle: Created -> Writing -> Closing (input closed) -> Exited.
type Handle interface {
	// Write forwards bytes to the encoder input.
	Write(p []byte) (int, error)
	// Writable reports whether the input pipe accepts writes.
	Writable() bool
	// CloseInput signals end of input without killing the process.
	CloseInput() error
	// Kill forcibly terminates the process.
	Kill() error
	// Alive reports whether the process has not exited yet.
	Alive() bool
	// PID returns the OS process ID.
	PID() int
	// Done is closed after the process has exited.
	Done() <-chan struct{}
	// StderrLines returns the most recent stderr output.
	StderrLines() []string
	// Stats returns resource usage for the process.
	Stats() ProcessStats
}

// SpawnRequest describes the encoder to start for a session.
type SpawnRequest struct {
	SessionID string
	StreamKey string
	// Events receives log lines and exactly one terminal event.
	Events chan<- Event
	// Closing aborts delivery of the terminal event when the consumer is gone.
	Closing <-chan struct{}
}

// Spawner starts encoder processes.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
}

// ProcessSpawner starts real ffmpeg processes.
type ProcessSpawner struct {
	cfg             EncoderConfig
	monitorInterval time.Duration
	logger          *slog.Logger
}

// NewProcessSpawner creates a spawner for the given encode parameters.
func NewProcessSpawner(cfg EncoderConfig, logger *slog.Logger) *ProcessSpawner {
	return &ProcessSpawner{
		cfg:             cfg,
		monitorInterval: 2 * time.Second,
		logger:          logger,
	}
}

// WithMonitorInterval sets how often process resources are sampled.
func (s *ProcessSpawner) WithMonitorInterval(d time.Duration) *ProcessSpawner {
	s.monitorInterval = d
	return s
}

// Spawn starts ffmpeg for req.StreamKey. The process outlives ctx, which only
// guards the start itself.
func (s *ProcessSpawner) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &Process{
		cmd:       s.cfg.Builder(req.StreamKey).Build(),
		sessionID: req.SessionID,
		streamKey: req.StreamKey,
		events:    req.Events,
		closing:   req.Closing,
		done:      make(chan struct{}),
	}

	stdin, err := p.cmd.Start(p.emitLog)
	if err != nil {
		return nil, err
	}

	p.monitor = NewProcessMonitor(p.cmd.PID())
	p.monitor.SetInterval(s.monitorInterval)
	p.monitor.Start()

	p.stdin = stdin
	p.input = NewCountingWriter(stdin, p.monitor)
	p.alive.Store(true)
	p.writable.Store(true)

	s.logger.Debug("encoder process started",
		slog.String("session_id", req.SessionID),
		slog.Int("pid", p.PID()),
		slog.String("command", p.cmd.String()),
	)

	go p.wait()

	return p, nil
}

// Process is a Handle backed by an ffmpeg OS process.
type Process struct {
	cmd       *Command
	stdin     io.WriteCloser
	input     io.Writer
	monitor   *ProcessMonitor
	sessionID string
	streamKey string
	events    chan<- Event
	closing   <-chan struct{}

	// writeMu serializes writes and input close.
	writeMu     sync.Mutex
	inputClosed bool

	writable atomic.Bool
	alive    atomic.Bool
	done     chan struct{}
}

// Write forwards p to the encoder stdin. A failed write leaves the handle
// non-writable.
func (p *Process) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.inputClosed {
		return 0, ErrInputClosed
	}
	if !p.alive.Load() {
		return 0, ErrProcessExited
	}

	n, err := p.input.Write(b)
	if err != nil {
		p.inputClosed = true
		p.writable.Store(false)
		return n, fmt.Errorf("writing to encoder stdin: %w", err)
	}
	return n, nil
}

// Writable reports whether the input pipe is open and the process alive.
func (p *Process) Writable() bool {
	return p.writable.Load() && p.alive.Load()
}

// CloseInput closes stdin so ffmpeg flushes and exits on its own.
// Waits for an in-flight write to finish first.
func (p *Process) CloseInput() error {
	p.writable.Store(false)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.inputClosed {
		return nil
	}
	p.inputClosed = true
	return p.stdin.Close()
}

// Kill terminates the process immediately.
func (p *Process) Kill() error {
	p.writable.Store(false)
	return p.cmd.Kill()
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	return p.alive.Load()
}

// PID returns the OS process ID.
func (p *Process) PID() int {
	return p.cmd.PID()
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// StderrLines returns the recent stderr lines.
func (p *Process) StderrLines() []string {
	return p.cmd.GetStderrLines()
}

// Stats returns the latest resource sample.
func (p *Process) Stats() ProcessStats {
	return p.monitor.Stats()
}

// emitLog forwards a stderr line without blocking the reader.
func (p *Process) emitLog(line string) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- Event{
		Kind:      EventLog,
		SessionID: p.sessionID,
		StreamKey: p.streamKey,
		Line:      line,
		Level:     ClassifyLogLine(line),
		At:        time.Now(),
	}:
	default:
	}
}

// wait reaps the process and emits the single terminal event.
func (p *Process) wait() {
	err := p.cmd.Wait()
	p.monitor.Stop()

	ev := Event{
		Kind:      EventExited,
		SessionID: p.sessionID,
		StreamKey: p.streamKey,
		At:        time.Now(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			ev.ExitCode = exitErr.ExitCode()
		} else {
			ev.Kind = EventErrored
			ev.ExitCode = -1
			ev.Err = err
		}
	}

	p.writable.Store(false)
	p.alive.Store(false)
	close(p.done)

	if p.events == nil {
		return
	}
	select {
	case p.events <- ev:
	case <-p.closing:
	}
}
