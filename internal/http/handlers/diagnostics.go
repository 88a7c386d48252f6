package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/livebridge/internal/diagnostics"
)

// HealthChecker evaluates and repairs stream health.
type HealthChecker interface {
	CheckHealth(ctx context.Context, streamID, streamKey string) diagnostics.Report
	AutoFix(ctx context.Context, streamID, streamKey string) diagnostics.AutoFixResult
}

// DiagnosticsHandler serves the stream diagnostics endpoints.
type DiagnosticsHandler struct {
	checker HealthChecker
}

// NewDiagnosticsHandler creates a diagnostics handler.
func NewDiagnosticsHandler(checker HealthChecker) *DiagnosticsHandler {
	return &DiagnosticsHandler{checker: checker}
}

// Register registers the diagnostics routes with the API.
func (h *DiagnosticsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "checkStreamHealth",
		Method:      "GET",
		Path:        "/api/v1/streams/{streamId}/health",
		Summary:     "Check stream health",
		Description: "Combines the provider live stream status with local ingest state",
		Tags:        []string{"Diagnostics"},
	}, h.CheckHealth)

	huma.Register(api, huma.Operation{
		OperationID: "autoFixStream",
		Method:      "POST",
		Path:        "/api/v1/streams/{streamId}/autofix",
		Summary:     "Auto-fix stream issues",
		Description: "Applies every automatically fixable issue and re-checks health",
		Tags:        []string{"Diagnostics"},
	}, h.AutoFix)
}

// StreamHealthInput identifies the stream to check.
type StreamHealthInput struct {
	StreamID  string `path:"streamId" doc:"Provider live stream ID"`
	StreamKey string `query:"streamKey" doc:"Stream key of the local ingest session, if any"`
}

// StreamHealthOutput is the health report.
type StreamHealthOutput struct {
	Body diagnostics.Report
}

// CheckHealth returns the health report for a stream. Provider failures are
// reported inside the report, never as an error response.
func (h *DiagnosticsHandler) CheckHealth(ctx context.Context, input *StreamHealthInput) (*StreamHealthOutput, error) {
	if input.StreamID == "" {
		return nil, huma.Error400BadRequest("streamId is required")
	}
	return &StreamHealthOutput{Body: h.checker.CheckHealth(ctx, input.StreamID, input.StreamKey)}, nil
}

// AutoFixOutput is the auto-fix result.
type AutoFixOutput struct {
	Body diagnostics.AutoFixResult
}

// AutoFix applies fixable issues for a stream.
func (h *DiagnosticsHandler) AutoFix(ctx context.Context, input *StreamHealthInput) (*AutoFixOutput, error) {
	if input.StreamID == "" {
		return nil, huma.Error400BadRequest("streamId is required")
	}
	return &AutoFixOutput{Body: h.checker.AutoFix(ctx, input.StreamID, input.StreamKey)}, nil
}
