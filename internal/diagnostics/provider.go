// Package diagnostics evaluates stream health by combining the ingest
// provider's live-stream status with local bridge state, and applies the
// fixes that can be made remotely.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jmylchreest/livebridge/internal/config"
	"github.com/jmylchreest/livebridge/pkg/httpclient"
)

// LiveStream is the provider's view of a live stream.
type LiveStream struct {
	Status     string `json:"status"`
	PlaybackID string `json:"playbackId,omitempty"`
}

// StatusProvider reads and changes live-stream state at the ingest provider.
type StatusProvider interface {
	GetLiveStream(ctx context.Context, streamID string) (LiveStream, error)
	EnableLiveStream(ctx context.Context, streamID string) error
}

// ProviderClient talks to the provider status API.
type ProviderClient struct {
	baseURL string
	client  *httpclient.Client
}

type liveStreamResponse struct {
	Success    bool        `json:"success"`
	LiveStream *LiveStream `json:"liveStream"`
	Error      string      `json:"error,omitempty"`
}

type enableResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewProviderClient creates a client for the provider API at cfg.BaseURL.
func NewProviderClient(cfg config.ProviderConfig, logger *slog.Logger) *ProviderClient {
	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.Timeout
	httpCfg.RetryAttempts = cfg.RetryAttempts
	httpCfg.Logger = logger
	// Unknown stream IDs are answered with 404; that is not a provider outage.
	httpCfg.AcceptableStatusCodes = httpclient.MustParseStatusCodes("200-299,404")

	return &ProviderClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpclient.New(httpCfg),
	}
}

// GetLiveStream fetches the live-stream status for streamID.
func (p *ProviderClient) GetLiveStream(ctx context.Context, streamID string) (LiveStream, error) {
	endpoint := p.baseURL + "/streams?streamId=" + url.QueryEscape(streamID)

	var resp liveStreamResponse
	if err := p.client.GetJSON(ctx, endpoint, &resp); err != nil {
		return LiveStream{}, fmt.Errorf("fetching live stream %s: %w", streamID, err)
	}
	if !resp.Success || resp.LiveStream == nil {
		return LiveStream{}, fmt.Errorf("fetching live stream %s: %s", streamID, orDefault(resp.Error, "provider reported failure"))
	}
	return *resp.LiveStream, nil
}

// EnableLiveStream asks the provider to enable streamID. Enabling an
// enabled stream succeeds.
func (p *ProviderClient) EnableLiveStream(ctx context.Context, streamID string) error {
	endpoint := p.baseURL + "/streams/enable?streamId=" + url.QueryEscape(streamID)

	var resp enableResponse
	if err := p.client.PostJSON(ctx, endpoint, nil, &resp); err != nil {
		return fmt.Errorf("enabling live stream %s: %w", streamID, err)
	}
	if !resp.Success {
		return fmt.Errorf("enabling live stream %s: %s", streamID, orDefault(resp.Error, "provider reported failure"))
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Breaker exposes the provider client's circuit breaker for health reporting.
func (p *ProviderClient) Breaker() *httpclient.CircuitBreaker {
	return p.client.Breaker()
}
