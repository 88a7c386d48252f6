package presentation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/livekit"

	"github.com/jmylchreest/livebridge/internal/observability"
)

// Tier is a coarse network quality level.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// TierFromQuality maps a LiveKit connection quality onto a tier.
func TierFromQuality(q livekit.ConnectionQuality) Tier {
	switch q {
	case livekit.ConnectionQuality_EXCELLENT:
		return TierHigh
	case livekit.ConnectionQuality_GOOD:
		return TierMedium
	default:
		return TierLow
	}
}

// VideoQuality is the simulcast layer to request for the tier.
func (t Tier) VideoQuality() livekit.VideoQuality {
	switch t {
	case TierHigh:
		return livekit.VideoQuality_HIGH
	case TierMedium:
		return livekit.VideoQuality_MEDIUM
	default:
		return livekit.VideoQuality_LOW
	}
}

// QualitySource reports the latest connection quality.
type QualitySource interface {
	ConnectionQuality() livekit.ConnectionQuality
}

// QualityRequester asks upstream for a different video layer.
// *lksdk.RemoteTrackPublication satisfies it.
type QualityRequester interface {
	SetVideoQuality(quality livekit.VideoQuality) error
}

// QualityTracker is a QualitySource fed by connection quality callbacks.
// It starts at excellent so no downgrade happens before the first report.
type QualityTracker struct {
	quality atomic.Int32
}

// NewQualityTracker creates a tracker at excellent quality.
func NewQualityTracker() *QualityTracker {
	t := &QualityTracker{}
	t.Set(livekit.ConnectionQuality_EXCELLENT)
	return t
}

// Set records q.
func (t *QualityTracker) Set(q livekit.ConnectionQuality) {
	t.quality.Store(int32(q))
}

// ConnectionQuality implements QualitySource.
func (t *QualityTracker) ConnectionQuality() livekit.ConnectionQuality {
	return livekit.ConnectionQuality(t.quality.Load())
}

// SubstitutionHint suggests switching tracks to another quality layer.
type SubstitutionHint struct {
	From    Tier
	To      Tier
	Quality livekit.VideoQuality
	At      time.Time
}

// QualityMonitor samples a QualitySource and, when the tier changes, emits
// a SubstitutionHint and forwards it to the registered requesters. The
// decision to switch layers stays with upstream renegotiation.
type QualityMonitor struct {
	source   QualitySource
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	tier       Tier
	requesters map[string]QualityRequester
	hints      chan SubstitutionHint
}

// NewQualityMonitor creates a monitor that samples every interval.
func NewQualityMonitor(source QualitySource, interval time.Duration, logger *slog.Logger) *QualityMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &QualityMonitor{
		source:     source,
		interval:   interval,
		logger:     observability.WithComponent(logger, "quality"),
		now:        time.Now,
		tier:       TierHigh,
		requesters: make(map[string]QualityRequester),
		hints:      make(chan SubstitutionHint, 8),
	}
}

// Hints returns emitted hints. Hints are dropped when nobody reads them.
func (m *QualityMonitor) Hints() <-chan SubstitutionHint {
	return m.hints
}

// Tier returns the last sampled tier.
func (m *QualityMonitor) Tier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// Register adds a requester for trackID, such as a video track publication.
func (m *QualityMonitor) Register(trackID string, r QualityRequester) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requesters[trackID] = r
}

// Unregister removes the requester for trackID.
func (m *QualityMonitor) Unregister(trackID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requesters, trackID)
}

// Sample reads the source once. It returns the hint and true when the
// tier changed.
func (m *QualityMonitor) Sample() (SubstitutionHint, bool) {
	tier := TierFromQuality(m.source.ConnectionQuality())

	m.mu.Lock()
	if tier == m.tier {
		m.mu.Unlock()
		return SubstitutionHint{}, false
	}
	hint := SubstitutionHint{From: m.tier, To: tier, Quality: tier.VideoQuality(), At: m.now()}
	m.tier = tier
	requesters := make(map[string]QualityRequester, len(m.requesters))
	for id, r := range m.requesters {
		requesters[id] = r
	}
	m.mu.Unlock()

	m.logger.Info("network quality changed",
		slog.String("from", string(hint.From)),
		slog.String("to", string(hint.To)),
	)

	for id, r := range requesters {
		if err := r.SetVideoQuality(hint.Quality); err != nil {
			m.logger.Warn("requesting video quality",
				slog.String("track_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	select {
	case m.hints <- hint:
	default:
	}
	return hint, true
}

// Run samples until ctx is done.
func (m *QualityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sample()
		}
	}
}
