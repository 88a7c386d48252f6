package ffmpeg

import (
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/livebridge/internal/config"
)

// StreamKeyPlaceholder is substituted with the stream key in the ingest URL template.
const StreamKeyPlaceholder = "{stream_key}"

// EncoderConfig holds the live encode parameters for one encoder process.
type EncoderConfig struct {
	BinaryPath        string
	LogLevel          string
	InputFormat       string
	VideoCodec        string
	Preset            string
	Tune              string
	VideoBitrate      string
	MaxRate           string
	BufSize           string
	GOPSize           int
	KeyframeInterval  time.Duration
	AudioCodec        string
	AudioSampleRate   int
	AudioBitrate      string
	AudioChannels     int
	IngestURLTemplate string
}

// NewEncoderConfig builds an EncoderConfig from the ffmpeg configuration section.
// binaryPath is the resolved ffmpeg path.
func NewEncoderConfig(cfg config.FFmpegConfig, binaryPath string) EncoderConfig {
	return EncoderConfig{
		BinaryPath:        binaryPath,
		LogLevel:          cfg.LogLevel,
		InputFormat:       cfg.InputFormat,
		VideoCodec:        cfg.VideoCodec,
		Preset:            cfg.Preset,
		Tune:              cfg.Tune,
		VideoBitrate:      cfg.VideoBitrate,
		MaxRate:           cfg.MaxRate,
		BufSize:           cfg.BufSize,
		GOPSize:           cfg.GOPSize,
		KeyframeInterval:  cfg.KeyframeInterval,
		AudioCodec:        cfg.AudioCodec,
		AudioSampleRate:   cfg.AudioSampleRate,
		AudioBitrate:      cfg.AudioBitrate,
		AudioChannels:     cfg.AudioChannels,
		IngestURLTemplate: cfg.IngestURLTemplate,
	}
}

// IngestURL returns the RTMP(S) destination for a stream key.
func (c EncoderConfig) IngestURL(streamKey string) string {
	return strings.ReplaceAll(c.IngestURLTemplate, StreamKeyPlaceholder, streamKey)
}

// Builder returns a CommandBuilder that reads from stdin and pushes to the
// ingest URL for streamKey.
func (c EncoderConfig) Builder(streamKey string) *CommandBuilder {
	return NewCommandBuilder(c.BinaryPath).
		LogLevel(c.LogLevel).
		HideBanner().
		NoStats().
		InputFormat(c.InputFormat).
		Input("pipe:0").
		VideoCodec(c.VideoCodec).
		VideoPreset(c.Preset).
		VideoTune(c.Tune).
		VideoBitrate(c.VideoBitrate).
		RateControl(c.MaxRate, c.BufSize).
		GOP(c.GOPSize).
		ForceKeyFrames(c.KeyframeInterval).
		AudioCodec(c.AudioCodec).
		AudioSampleRate(c.AudioSampleRate).
		AudioBitrate(c.AudioBitrate).
		AudioChannels(c.AudioChannels).
		FLVArgs().
		Output(c.IngestURL(streamKey))
}

// Args returns the ffmpeg argument vector for streamKey.
func (c EncoderConfig) Args(streamKey string) []string {
	return c.Builder(streamKey).Args()
}

// EventKind identifies an encoder lifecycle event.
type EventKind int

const (
	// EventLog carries one stderr line.
	EventLog EventKind = iota
	// EventExited is emitted once when the process exits on its own with a status code.
	EventExited
	// EventErrored is emitted once when the process is killed or fails abnormally.
	EventErrored
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventLog:
		return "log"
	case EventExited:
		return "exited"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event ends the process lifecycle.
func (k EventKind) Terminal() bool {
	return k == EventExited || k == EventErrored
}

// Event is a typed lifecycle event emitted by an encoder process.
type Event struct {
	Kind      EventKind
	SessionID string
	StreamKey string
	Line      string
	Level     slog.Level
	ExitCode  int
	Err       error
	At        time.Time
}

// Markers found in ffmpeg stderr output when publishing to an RTMP server.
var (
	connectionFailureMarkers = []string{
		"Connection refused",
		"Input/output error",
		"Server returned 4",
		"Connection timed out",
		"Broken pipe",
	}
	connectionEstablishedMarker = "Output #0"
)

// ClassifyLogLine returns the log level a stderr line deserves.
// Connection failures are warnings, the output-opened marker is info and
// everything else is debug noise.
func ClassifyLogLine(line string) slog.Level {
	for _, marker := range connectionFailureMarkers {
		if strings.Contains(line, marker) {
			return slog.LevelWarn
		}
	}
	if strings.Contains(line, connectionEstablishedMarker) {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}
