package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/livebridge/internal/ffmpeg"
	"github.com/jmylchreest/livebridge/pkg/httpclient"
)

// SessionCounter reports ingest session counts.
type SessionCounter interface {
	Counts() (active, draining int)
}

// BinaryDetector finds the encoder binary.
type BinaryDetector interface {
	Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	sessions  SessionCounter
	detector  BinaryDetector
	breaker   *httpclient.CircuitBreaker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithSessions reports ingest session counts in /health.
func (h *HealthHandler) WithSessions(sessions SessionCounter) *HealthHandler {
	h.sessions = sessions
	return h
}

// WithBinaryDetector reports the encoder binary in /health.
func (h *HealthHandler) WithBinaryDetector(detector BinaryDetector) *HealthHandler {
	h.detector = detector
	return h
}

// WithProviderBreaker reports the provider API circuit breaker in /health.
func (h *HealthHandler) WithProviderBreaker(breaker *httpclient.CircuitBreaker) *HealthHandler {
	h.breaker = breaker
	return h
}

// CPUInfo is host CPU load.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo is host and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMB         float64 `json:"process_mb"`
	EncoderCount      int     `json:"encoder_count"`
	EncodersMB        float64 `json:"encoders_mb"`
}

// IngestHealth summarises ingest sessions.
type IngestHealth struct {
	Status   string `json:"status"`
	Active   int    `json:"active"`
	Draining int    `json:"draining"`
}

// EncoderHealth describes the encoder binary.
type EncoderHealth struct {
	Status  string `json:"status"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthComponents holds per-component health.
type HealthComponents struct {
	Ingest   IngestHealth                    `json:"ingest"`
	Encoder  EncoderHealth                   `json:"encoder"`
	Provider *httpclient.CircuitBreakerStats `json:"provider,omitempty"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including ingest sessions, the encoder binary and system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetHealth returns the health status of the service. A missing encoder
// binary degrades the service since no stream can start.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.getCPUInfo(),
		Memory:        h.getMemoryInfo(),
		Checks:        map[string]string{},
	}

	resp.Components.Ingest = IngestHealth{Status: "unknown"}
	if h.sessions != nil {
		active, draining := h.sessions.Counts()
		resp.Components.Ingest = IngestHealth{Status: "ok", Active: active, Draining: draining}
	}
	resp.Checks["ingest"] = resp.Components.Ingest.Status

	resp.Components.Encoder = h.getEncoderHealth(ctx)
	resp.Checks["encoder"] = resp.Components.Encoder.Status
	if resp.Components.Encoder.Status == "error" {
		resp.Status = "degraded"
	}

	if h.breaker != nil {
		stats := h.breaker.Stats()
		resp.Components.Provider = &stats
		resp.Checks["provider"] = stats.State
	}

	return &HealthOutput{Body: resp}, nil
}

func (h *HealthHandler) getEncoderHealth(ctx context.Context) EncoderHealth {
	if h.detector == nil {
		return EncoderHealth{Status: "unknown"}
	}
	info, err := h.detector.Detect(ctx)
	if err != nil {
		return EncoderHealth{Status: "error", Error: err.Error()}
	}
	return EncoderHealth{Status: "ok", Path: info.FFmpegPath, Version: info.Version}
}

func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

// getMemoryInfo samples host memory, this process and its encoder children.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	if vmStat, err := mem.VirtualMemory(); err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.ProcessMB = float64(memInfo.RSS) / 1024 / 1024
	}
	if children, err := proc.Children(); err == nil {
		info.EncoderCount = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfo(); err == nil && childMem != nil {
				info.EncodersMB += float64(childMem.RSS) / 1024 / 1024
			}
		}
	}
	return info
}
