package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/livebridge/internal/ingest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeIngest struct {
	mu          sync.Mutex
	submitErr   error
	stopErr     error
	chunks      map[string][][]byte
	contentType string
	stopped     []string
	statuses    []ingest.SessionStatus
}

func newFakeIngest() *fakeIngest {
	return &fakeIngest{chunks: make(map[string][][]byte)}
}

func (f *fakeIngest) SubmitChunk(_ context.Context, streamKey string, data []byte, contentType string) (ingest.ChunkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return ingest.ChunkResult{}, f.submitErr
	}
	created := len(f.chunks[streamKey]) == 0
	f.chunks[streamKey] = append(f.chunks[streamKey], data)
	f.contentType = contentType

	var total int64
	for _, c := range f.chunks[streamKey] {
		total += int64(len(c))
	}
	return ingest.ChunkResult{
		ChunkSize:       len(data),
		ChunkCount:      int64(len(f.chunks[streamKey])),
		TotalSize:       total,
		SessionDuration: 1500 * time.Millisecond,
		SessionCreated:  created,
	}, nil
}

func (f *fakeIngest) StopStream(_ context.Context, streamKey string) (ingest.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return ingest.StopResult{}, f.stopErr
	}
	f.stopped = append(f.stopped, streamKey)
	chunks, ok := f.chunks[streamKey]
	delete(f.chunks, streamKey)
	if !ok {
		return ingest.StopResult{}, nil
	}
	return ingest.StopResult{
		Duration:     2 * time.Second,
		TotalChunks:  int64(len(chunks)),
		TotalSize:    10,
		AvgChunkSize: 5,
		Existed:      true,
	}, nil
}

func (f *fakeIngest) GetStatus(streamKey string) ingest.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.statuses {
		if s.StreamKey == streamKey {
			return s
		}
	}
	return ingest.SessionStatus{StreamKey: streamKey}
}

func (f *fakeIngest) ListStatus() []ingest.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses
}

func newIngestRouter(svc IngestService, maxChunk int64) http.Handler {
	r := chi.NewRouter()
	NewIngestHandler(svc, maxChunk, testLogger()).Register(r)
	return r
}

func multipartChunk(t *testing.T, streamKey string, chunk []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if streamKey != "" {
		require.NoError(t, w.WriteField("streamKey", streamKey))
	}
	if chunk != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="chunk"; filename="chunk.webm"`)
		h.Set("Content-Type", "video/webm")
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func postChunk(t *testing.T, h http.Handler, streamKey string, chunk []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartChunk(t, streamKey, chunk)
	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestIngestHandler_SubmitChunk(t *testing.T) {
	svc := newFakeIngest()
	h := newIngestRouter(svc, 1<<20)

	t.Run("first chunk starts the stream", func(t *testing.T) {
		w := postChunk(t, h, "live_abc", []byte("first"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decode[ChunkResponse](t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, "Stream started", resp.Message)
		assert.Equal(t, 5, resp.ChunkSize)
		assert.Equal(t, int64(1), resp.ChunkCount)
		assert.Equal(t, int64(1500), resp.SessionDuration)
		assert.Equal(t, "video/webm", svc.contentType)
	})

	t.Run("later chunks are processed", func(t *testing.T) {
		w := postChunk(t, h, "live_abc", []byte("second"))
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[ChunkResponse](t, w)
		assert.Equal(t, "Chunk processed", resp.Message)
		assert.Equal(t, int64(2), resp.ChunkCount)
		assert.Equal(t, int64(11), resp.TotalSize)
	})

	t.Run("missing stream key", func(t *testing.T) {
		w := postChunk(t, h, "", []byte("data"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode[ErrorResponse](t, w)
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "streamKey")
	})

	t.Run("missing chunk", func(t *testing.T) {
		w := postChunk(t, h, "live_abc", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode[ErrorResponse](t, w).Error, "chunk")
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestIngestHandler_ChunkTooLarge(t *testing.T) {
	svc := newFakeIngest()
	h := newIngestRouter(svc, 1024)

	w := postChunk(t, h, "live_abc", make([]byte, 1024+multipartOverhead+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, svc.chunks, "oversized chunk must not reach the service")
}

func TestIngestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "invalid request",
			err:        fmt.Errorf("%w: empty chunk", ingest.ErrInvalidRequest),
			wantStatus: http.StatusBadRequest,
			wantMsg:    "empty chunk",
		},
		{
			name:       "shutting down",
			err:        ingest.ErrRegistryClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantMsg:    "shutting down",
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeIngest()
			svc.submitErr = tt.err
			w := postChunk(t, newIngestRouter(svc, 1<<20), "live_abc", []byte("x"))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, decode[ErrorResponse](t, w).Error, tt.wantMsg)
		})
	}
}

func TestIngestHandler_StopStream(t *testing.T) {
	svc := newFakeIngest()
	h := newIngestRouter(svc, 1<<20)
	require.Equal(t, http.StatusOK, postChunk(t, h, "live_abc", []byte("data")).Code)

	req := httptest.NewRequest(http.MethodDelete, "/ingest?streamKey=live_abc", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[StopResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "Stream stopped", resp.Message)
	assert.Equal(t, int64(2000), resp.Duration)
	assert.Equal(t, int64(1), resp.TotalChunks)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/ingest?streamKey=live_abc", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "No active stream", decode[StopResponse](t, w).Message)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/ingest", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestHandler_GetStatus(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newFakeIngest()
	svc.statuses = []ingest.SessionStatus{
		{
			StreamKey:    "live****",
			SessionID:    "01J0000000000000000000000",
			IsActive:     true,
			StartTime:    start,
			ChunkCount:   4,
			TotalSize:    400,
			Duration:     3 * time.Second,
			AvgChunkSize: 100,
			ProcessAlive: true,
		},
	}
	h := newIngestRouter(svc, 1<<20)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ingest", nil))
	require.Equal(t, http.StatusOK, w.Code)

	list := decode[StatusListResponse](t, w)
	assert.True(t, list.Success)
	require.Equal(t, 1, list.Count)
	got := list.Sessions[0]
	assert.True(t, got.IsActive)
	assert.Equal(t, int64(3000), got.Duration)
	require.NotNil(t, got.StartTime)
	assert.True(t, start.Equal(*got.StartTime))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ingest?streamKey=unknown", nil))
	require.Equal(t, http.StatusOK, w.Code)
	single := decode[StatusResponse](t, w)
	assert.False(t, single.IsActive)
	assert.Nil(t, single.StartTime)
}
