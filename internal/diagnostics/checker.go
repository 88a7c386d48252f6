package diagnostics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/livebridge/internal/observability"
)

// Status is the overall health of a live stream.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusUnknown  Status = "unknown"
)

// Severity ranks an issue for display.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IssueCode identifies a diagnosed condition.
type IssueCode string

const (
	IssueStreamIdle        IssueCode = "stream_idle"
	IssueStreamStarting    IssueCode = "stream_starting"
	IssueStreamDisabled    IssueCode = "stream_disabled"
	IssueStatusUnavailable IssueCode = "status_unavailable"
)

// Issue is one diagnosed condition.
type Issue struct {
	Code        IssueCode `json:"code"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	CanAutoFix  bool      `json:"canAutoFix"`
}

// Report is the result of a health check.
type Report struct {
	StreamID           string    `json:"streamId"`
	Status             Status    `json:"status"`
	Issues             []Issue   `json:"issues"`
	Recommendations    []string  `json:"recommendations"`
	CheckedAt          time.Time `json:"checkedAt"`
	PlaybackID         string    `json:"playbackId,omitempty"`
	LocalSessionActive bool      `json:"localSessionActive"`
}

// Healthy reports whether the check found no issues.
func (r Report) Healthy() bool {
	return len(r.Issues) == 0
}

// FixResult reports the outcome of one auto-fix action.
type FixResult struct {
	Issue   IssueCode `json:"issue"`
	Action  string    `json:"action"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// AutoFixResult reports every applied fix and the health after fixing.
type AutoFixResult struct {
	StreamID string      `json:"streamId"`
	Fixes    []FixResult `json:"fixes"`
	Report   Report      `json:"report"`
}

// LocalSessions reports whether the bridge holds a session for a stream key.
type LocalSessions interface {
	SessionActive(ctx context.Context, streamKey string) bool
}

// Checker evaluates stream health.
type Checker struct {
	provider StatusProvider
	local    LocalSessions
	logger   *slog.Logger
	now      func() time.Time
}

// NewChecker creates a checker. local may be nil when no bridge runs in-process.
func NewChecker(provider StatusProvider, local LocalSessions, logger *slog.Logger) *Checker {
	return &Checker{
		provider: provider,
		local:    local,
		logger:   observability.WithComponent(logger, "diagnostics"),
		now:      time.Now,
	}
}

// CheckHealth combines the provider's live-stream status with the local
// session state for streamKey. Provider failures are reported as an
// informational issue, never as an error.
func (c *Checker) CheckHealth(ctx context.Context, streamID, streamKey string) Report {
	report := Report{
		StreamID:        streamID,
		Status:          StatusUnknown,
		Issues:          []Issue{},
		Recommendations: []string{},
		CheckedAt:       c.now().UTC(),
	}
	if c.local != nil && streamKey != "" {
		report.LocalSessionActive = c.local.SessionActive(ctx, streamKey)
	}

	stream, err := c.provider.GetLiveStream(ctx, streamID)
	if err != nil {
		c.logger.Warn("live stream status unavailable",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		report.addIssue(Issue{
			Code:        IssueStatusUnavailable,
			Severity:    SeverityInfo,
			Message:     "Could not fetch live stream status from the provider",
			Recoverable: true,
		}, "Retry the health check; the provider status API may be temporarily unreachable")
		observability.HealthChecks.WithLabelValues(string(report.Status)).Inc()
		return report
	}

	report.PlaybackID = stream.PlaybackID
	report.Status = parseStatus(stream.Status)

	switch report.Status {
	case StatusIdle:
		if report.LocalSessionActive {
			report.addIssue(Issue{
				Code:        IssueStreamStarting,
				Severity:    SeverityInfo,
				Message:     "Stream is starting up; the provider has not seen data yet",
				Recoverable: true,
			}, "Wait a few seconds for the encoder connection to establish")
		} else {
			report.addIssue(Issue{
				Code:        IssueStreamIdle,
				Severity:    SeverityWarning,
				Message:     "Stream is not receiving data",
				Recoverable: true,
			}, "Start broadcasting from the studio to send media to the stream")
		}
	case StatusDisabled:
		report.addIssue(Issue{
			Code:        IssueStreamDisabled,
			Severity:    SeverityError,
			Message:     "Stream is disabled at the provider",
			Recoverable: true,
			CanAutoFix:  true,
		}, "Enable the stream (auto-fix available)")
	case StatusActive:
	default:
		report.addIssue(Issue{
			Code:        IssueStatusUnavailable,
			Severity:    SeverityInfo,
			Message:     "Provider reported an unrecognised stream status: " + stream.Status,
			Recoverable: true,
		}, "Check the stream in the provider dashboard")
	}

	observability.HealthChecks.WithLabelValues(string(report.Status)).Inc()
	return report
}

// AutoFix applies every fixable issue found for streamID and re-checks.
// Fixes are idempotent and safe to retry.
func (c *Checker) AutoFix(ctx context.Context, streamID, streamKey string) AutoFixResult {
	before := c.CheckHealth(ctx, streamID, streamKey)
	result := AutoFixResult{StreamID: streamID, Fixes: []FixResult{}, Report: before}

	for _, issue := range before.Issues {
		if !issue.CanAutoFix {
			continue
		}
		result.Fixes = append(result.Fixes, c.apply(ctx, streamID, issue))
	}

	if len(result.Fixes) > 0 {
		result.Report = c.CheckHealth(ctx, streamID, streamKey)
	}
	return result
}

func (c *Checker) apply(ctx context.Context, streamID string, issue Issue) FixResult {
	fix := FixResult{Issue: issue.Code}

	switch issue.Code {
	case IssueStreamDisabled:
		fix.Action = "enable_stream"
		if err := c.provider.EnableLiveStream(ctx, streamID); err != nil {
			fix.Error = err.Error()
			c.logger.Warn("auto-fix failed",
				slog.String("stream_id", streamID),
				slog.String("action", fix.Action),
				slog.String("error", err.Error()),
			)
			return fix
		}
		fix.Success = true
		c.logger.Info("auto-fix applied",
			slog.String("stream_id", streamID),
			slog.String("action", fix.Action),
		)
	default:
		fix.Action = "none"
		fix.Error = "no automatic fix for " + string(issue.Code)
	}

	return fix
}

func (r *Report) addIssue(issue Issue, recommendation string) {
	r.Issues = append(r.Issues, issue)
	if recommendation != "" {
		r.Recommendations = append(r.Recommendations, recommendation)
	}
}

func parseStatus(s string) Status {
	switch Status(s) {
	case StatusIdle, StatusActive, StatusDisabled:
		return Status(s)
	default:
		return StatusUnknown
	}
}
