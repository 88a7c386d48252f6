package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/livebridge/internal/ingest"
	"github.com/jmylchreest/livebridge/internal/observability"
)

// multipartOverhead is allowed on top of the chunk limit for form framing.
const multipartOverhead = 64 << 10

// IngestService is the part of ingest.Service the HTTP surface uses.
type IngestService interface {
	SubmitChunk(ctx context.Context, streamKey string, data []byte, contentType string) (ingest.ChunkResult, error)
	StopStream(ctx context.Context, streamKey string) (ingest.StopResult, error)
	GetStatus(streamKey string) ingest.SessionStatus
	ListStatus() []ingest.SessionStatus
}

// ChunkResponse is the body of a successful POST /ingest.
type ChunkResponse struct {
	Success         bool   `json:"success"`
	RequestID       string `json:"requestId"`
	ChunkSize       int    `json:"chunkSize"`
	ChunkCount      int64  `json:"chunkCount"`
	TotalSize       int64  `json:"totalSize"`
	SessionDuration int64  `json:"sessionDuration"`
	Message         string `json:"message"`
}

// StopResponse is the body of DELETE /ingest. Durations are milliseconds.
type StopResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Duration     int64  `json:"duration"`
	TotalChunks  int64  `json:"totalChunks"`
	TotalSize    int64  `json:"totalSize"`
	AvgChunkSize int64  `json:"avgChunkSize"`
}

// StatusResponse is the status of one stream key. Durations are milliseconds.
type StatusResponse struct {
	StreamKey    string     `json:"streamKey"`
	SessionID    string     `json:"sessionId,omitempty"`
	IsActive     bool       `json:"isActive"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	ChunkCount   int64      `json:"chunkCount"`
	TotalSize    int64      `json:"totalSize"`
	Duration     int64      `json:"duration"`
	AvgChunkSize int64      `json:"avgChunkSize"`
	ProcessAlive bool       `json:"processAlive"`
}

// StatusListResponse is the body of GET /ingest without a stream key.
type StatusListResponse struct {
	Success  bool             `json:"success"`
	Sessions []StatusResponse `json:"sessions"`
	Count    int              `json:"count"`
}

// IngestHandler serves the chunk ingest endpoints. They are plain chi
// handlers because huma does not model streaming multipart bodies.
type IngestHandler struct {
	service      IngestService
	maxChunkSize int64
	logger       *slog.Logger
}

// NewIngestHandler creates the handler. maxChunkSize bounds the request body.
func NewIngestHandler(service IngestService, maxChunkSize int64, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		service:      service,
		maxChunkSize: maxChunkSize,
		logger:       observability.WithComponent(logger, "ingest_http"),
	}
}

// Register mounts the handlers on r.
func (h *IngestHandler) Register(r chi.Router) {
	r.Post("/ingest", h.SubmitChunk)
	r.Delete("/ingest", h.StopStream)
	r.Get("/ingest", h.GetStatus)
}

// SubmitChunk handles POST /ingest with multipart fields chunk and streamKey.
func (h *IngestHandler) SubmitChunk(w http.ResponseWriter, r *http.Request) {
	requestID := observability.RequestIDFromContext(r.Context())

	if h.maxChunkSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkSize+multipartOverhead)
	}
	if err := r.ParseMultipartForm(h.maxChunkSize + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "chunk exceeds the maximum size", requestID)
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error(), requestID)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	streamKey := r.FormValue("streamKey")
	if streamKey == "" {
		writeJSONError(w, http.StatusBadRequest, "streamKey is required", requestID)
		return
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "chunk is required", requestID)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading chunk: "+err.Error(), requestID)
		return
	}

	contentType := header.Header.Get("Content-Type")
	result, err := h.service.SubmitChunk(r.Context(), streamKey, data, contentType)
	if err != nil {
		status, message := ingestErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("chunk ingest failed",
				slog.String("request_id", requestID),
				slog.String("stream", observability.MaskStreamKey(streamKey)),
				slog.String("error", err.Error()),
			)
		}
		writeJSONError(w, status, message, requestID)
		return
	}

	message := "Chunk processed"
	if result.SessionCreated {
		message = "Stream started"
	}

	writeJSON(w, http.StatusOK, ChunkResponse{
		Success:         true,
		RequestID:       requestID,
		ChunkSize:       result.ChunkSize,
		ChunkCount:      result.ChunkCount,
		TotalSize:       result.TotalSize,
		SessionDuration: result.SessionDuration.Milliseconds(),
		Message:         message,
	})
}

// StopStream handles DELETE /ingest?streamKey=.
func (h *IngestHandler) StopStream(w http.ResponseWriter, r *http.Request) {
	requestID := observability.RequestIDFromContext(r.Context())

	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeJSONError(w, http.StatusBadRequest, "streamKey is required", requestID)
		return
	}

	result, err := h.service.StopStream(r.Context(), streamKey)
	if err != nil {
		status, message := ingestErrorStatus(err)
		writeJSONError(w, status, message, requestID)
		return
	}

	message := "Stream stopped"
	if !result.Existed {
		message = "No active stream"
	}

	writeJSON(w, http.StatusOK, StopResponse{
		Success:      true,
		Message:      message,
		Duration:     result.Duration.Milliseconds(),
		TotalChunks:  result.TotalChunks,
		TotalSize:    result.TotalSize,
		AvgChunkSize: result.AvgChunkSize,
	})
}

// GetStatus handles GET /ingest with an optional streamKey.
func (h *IngestHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey != "" {
		writeJSON(w, http.StatusOK, statusResponse(h.service.GetStatus(streamKey)))
		return
	}

	statuses := h.service.ListStatus()
	sessions := make([]StatusResponse, 0, len(statuses))
	for _, s := range statuses {
		sessions = append(sessions, statusResponse(s))
	}
	writeJSON(w, http.StatusOK, StatusListResponse{
		Success:  true,
		Sessions: sessions,
		Count:    len(sessions),
	})
}

func statusResponse(s ingest.SessionStatus) StatusResponse {
	resp := StatusResponse{
		StreamKey:    s.StreamKey,
		SessionID:    s.SessionID,
		IsActive:     s.IsActive,
		ChunkCount:   s.ChunkCount,
		TotalSize:    s.TotalSize,
		Duration:     s.Duration.Milliseconds(),
		AvgChunkSize: s.AvgChunkSize,
		ProcessAlive: s.ProcessAlive,
	}
	if !s.StartTime.IsZero() {
		start := s.StartTime.UTC()
		resp.StartTime = &start
	}
	return resp
}

// ingestErrorStatus maps service errors to a status and client message.
// Encoder failures tell the client to restart the stream from scratch.
func ingestErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ingest.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ingest.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "server is shutting down"
	case ingest.IsEncoderFailure(err):
		return http.StatusInternalServerError, "encoder failure, restart the stream: " + observability.RedactURL(err.Error())
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
