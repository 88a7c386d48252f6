package presentation

import (
	"log/slog"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/jmylchreest/livebridge/internal/observability"
)

// SurfaceFactory creates the surface a newly subscribed track is bound to.
type SurfaceFactory func(track Track, participant string) Surface

// Viewer receives subscribed remote tracks and presents them. Every track
// gets its own surface; video tracks follow the quality monitor's tier.
type Viewer struct {
	identity  string
	presenter *Presenter
	tracker   *QualityTracker
	monitor   *QualityMonitor
	surfaces  SurfaceFactory
	logger    *slog.Logger

	mu     sync.Mutex
	owners map[string]string
}

// NewViewer creates a viewer for the local participant identity. tracker
// receives the local connection quality and may be the monitor's source.
func NewViewer(identity string, presenter *Presenter, tracker *QualityTracker, monitor *QualityMonitor, surfaces SurfaceFactory, logger *slog.Logger) *Viewer {
	if surfaces == nil {
		surfaces = func(track Track, _ string) Surface {
			return NewSinkSurface("sink-" + track.ID())
		}
	}
	return &Viewer{
		identity:  identity,
		presenter: presenter,
		tracker:   tracker,
		monitor:   monitor,
		surfaces:  surfaces,
		logger:    observability.WithComponent(logger, "viewer"),
		owners:    make(map[string]string),
	}
}

// TrackSubscribed binds the track to a fresh surface.
func (v *Viewer) TrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, participant string) {
	var requester QualityRequester
	if pub != nil {
		requester = pub
	}
	v.subscribed(track, requester, participant)
}

func (v *Viewer) subscribed(track Track, requester QualityRequester, participant string) {
	if err := v.presenter.Bind(track, v.surfaces(track, participant)); err != nil {
		v.logger.Warn("binding track",
			slog.String("track_id", track.ID()),
			slog.String("participant", participant),
			slog.String("error", err.Error()),
		)
		return
	}

	v.mu.Lock()
	v.owners[track.ID()] = participant
	v.mu.Unlock()

	if track.Kind() == webrtc.RTPCodecTypeVideo && v.monitor != nil && requester != nil {
		v.monitor.Register(track.ID(), requester)
		if err := requester.SetVideoQuality(v.monitor.Tier().VideoQuality()); err != nil {
			v.logger.Debug("requesting initial video quality",
				slog.String("track_id", track.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// TrackUnsubscribed releases the track's surface.
func (v *Viewer) TrackUnsubscribed(track *webrtc.TrackRemote, participant string) {
	v.unsubscribed(track, participant)
}

func (v *Viewer) unsubscribed(track Track, participant string) {
	v.mu.Lock()
	delete(v.owners, track.ID())
	v.mu.Unlock()

	if v.monitor != nil {
		v.monitor.Unregister(track.ID())
	}
	if err := v.presenter.Unbind(track.ID()); err != nil {
		v.logger.Warn("unbinding track",
			slog.String("track_id", track.ID()),
			slog.String("participant", participant),
			slog.String("error", err.Error()),
		)
	}
}

// QualityChanged records the local participant's connection quality.
// Remote participants' quality does not affect what we subscribe to.
func (v *Viewer) QualityChanged(participant string, quality livekit.ConnectionQuality) {
	if participant != v.identity || v.tracker == nil {
		return
	}
	v.tracker.Set(quality)
}

// UnbindAll releases every bound track. It is called when the room connection drops.
func (v *Viewer) UnbindAll() error {
	v.mu.Lock()
	ids := make([]string, 0, len(v.owners))
	for id := range v.owners {
		ids = append(ids, id)
	}
	v.owners = make(map[string]string)
	v.mu.Unlock()

	if v.monitor != nil {
		for _, id := range ids {
			v.monitor.Unregister(id)
		}
	}
	return v.presenter.UnbindAll()
}

// Participants returns the identity owning each bound track.
func (v *Viewer) Participants() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.owners))
	for id, p := range v.owners {
		out[id] = p
	}
	return out
}
