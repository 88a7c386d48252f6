package ffmpeg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// maxStderrLines is the number of recent stderr lines kept in memory.
	maxStderrLines = 100
	// maxStderrLineBytes bounds a single stderr line.
	maxStderrLineBytes = 64 * 1024
)

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary   string
	Args     []string
	Input    string
	Output   string
	LogLevel string

	// Process control
	cmd     *exec.Cmd
	started time.Time
	mu      sync.RWMutex

	stderrDone  chan struct{}
	stderrLines []string     // Recent stderr lines for debugging
	stderrMu    sync.RWMutex // Protects stderrLines
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	filterArgs []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	if level != "" {
		b.logLevel = level
	}
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStats disables the periodic encoding progress report on stderr.
func (b *CommandBuilder) NoStats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostats")
	return b
}

// Overwrite enables output overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputFormat forces the input demuxer. Empty lets ffmpeg probe.
func (b *CommandBuilder) InputFormat(format string) *CommandBuilder {
	if format != "" {
		b.inputArgs = append(b.inputArgs, "-f", format)
	}
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// VideoTune sets the encoder tuning.
func (b *CommandBuilder) VideoTune(tune string) *CommandBuilder {
	if tune != "" {
		b.outputArgs = append(b.outputArgs, "-tune", tune)
	}
	return b
}

// VideoBitrate sets the video bitrate.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	return b
}

// RateControl sets the VBV max rate and buffer size.
func (b *CommandBuilder) RateControl(maxRate, bufSize string) *CommandBuilder {
	if maxRate != "" {
		b.outputArgs = append(b.outputArgs, "-maxrate", maxRate)
	}
	if bufSize != "" {
		b.outputArgs = append(b.outputArgs, "-bufsize", bufSize)
	}
	return b
}

// GOP sets the group of pictures size in frames.
func (b *CommandBuilder) GOP(frames int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-g", strconv.Itoa(frames))
	return b
}

// ForceKeyFrames forces a keyframe at every interval of stream time.
func (b *CommandBuilder) ForceKeyFrames(interval time.Duration) *CommandBuilder {
	secs := strconv.FormatFloat(interval.Seconds(), 'f', -1, 64)
	b.outputArgs = append(b.outputArgs, "-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%s)", secs))
	return b
}

// VideoFilter adds a video filter.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioSampleRate sets the audio sample rate in Hz.
func (b *CommandBuilder) AudioSampleRate(rate int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ar", strconv.Itoa(rate))
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// FLVArgs selects the FLV muxer used for RTMP(S) publishing.
func (b *CommandBuilder) FLVArgs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", "flv")
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Args returns the argument vector without the binary.
func (b *CommandBuilder) Args() []string {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return args
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	return &Command{
		Binary:      b.binary,
		Args:        b.Args(),
		Input:       b.input,
		Output:      b.output,
		LogLevel:    b.logLevel,
		stderrLines: make([]string, 0, maxStderrLines),
	}
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start starts the command with stdin attached to a pipe. Every stderr line
// is kept in the recent-line buffer and passed to onLine when it is non-nil.
// The process is not bound to any context; its lifetime is managed through
// the returned pipe, Kill and Wait.
func (c *Command) Start(onLine func(string)) (io.WriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, errors.New("command already started")
	}

	cmd := exec.Command(c.Binary, c.Args...) //nolint:gosec // binary and args come from configuration

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	c.cmd = cmd
	c.started = time.Now()
	c.stderrDone = make(chan struct{})
	go c.captureStderr(stderr, onLine, c.stderrDone)

	return stdin, nil
}

// Wait waits for stderr to drain and the command to complete.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	stderrDone := c.stderrDone
	c.mu.RUnlock()

	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	// Wait closes the stderr pipe, so the reader must finish first.
	<-stderrDone
	return cmd.Wait()
}

// Kill terminates the FFmpeg process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Signal sends a signal to the FFmpeg process.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	return cmd.Process.Signal(sig)
}

// PID returns the process ID, or 0 before Start.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}

	return time.Since(c.started)
}

// captureStderr reads FFmpeg stderr line by line into the ring buffer.
// Progress reports end in a carriage return, so both \r and \n end a line.
// If scanning fails the rest of stderr is discarded so ffmpeg never blocks
// on a full pipe.
func (c *Command) captureStderr(stderr io.Reader, onLine func(string), done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrLineBytes)
	scanner.Split(scanStderrLines)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()

		if onLine != nil {
			onLine(line)
		}
	}
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, stderr)
	}
}

// scanStderrLines is a bufio.SplitFunc that ends a token at \r or \n.
func scanStderrLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// GetStderrLines returns the recent stderr lines captured from FFmpeg.
func (c *Command) GetStderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}
