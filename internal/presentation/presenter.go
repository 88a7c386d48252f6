// Package presentation binds media tracks to render surfaces and turns
// connection quality changes into substitution hints for the room layer.
package presentation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jmylchreest/livebridge/internal/observability"
)

// ErrTrackNotBound is returned when operating on a track with no binding.
var ErrTrackNotBound = errors.New("track is not bound")

// Track is a media track. *webrtc.TrackRemote satisfies it.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// Surface renders tracks. Release frees the decoder or device behind it.
type Surface interface {
	ID() string
	Attach(track Track) error
	Detach(track Track) error
	Release() error
}

// Muter is implemented by surfaces that can mute without detaching.
type Muter interface {
	SetMuted(muted bool)
}

// Binding is a read-only view of one bound track.
type Binding struct {
	TrackID   string    `json:"trackId"`
	Kind      string    `json:"kind"`
	SurfaceID string    `json:"surfaceId"`
	Muted     bool      `json:"muted"`
	BoundAt   time.Time `json:"boundAt"`
}

type binding struct {
	track   Track
	surface Surface
	muted   bool
	boundAt time.Time
}

// Presenter keeps the bindings of tracks to surfaces, keyed by track ID.
// What is rendered is always a function of the current bindings.
type Presenter struct {
	mu       sync.Mutex
	bindings map[string]*binding
	logger   *slog.Logger
	now      func() time.Time
}

// NewPresenter creates an empty presenter.
func NewPresenter(logger *slog.Logger) *Presenter {
	return &Presenter{
		bindings: make(map[string]*binding),
		logger:   observability.WithComponent(logger, "presentation"),
		now:      time.Now,
	}
}

// Bind attaches track to target. Binding a track to the surface it is
// already bound to does nothing; binding it to another surface rebinds.
func (p *Presenter) Bind(track Track, target Surface) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.bindings[track.ID()]; ok {
		if b.surface.ID() == target.ID() {
			return nil
		}
		return p.rebindLocked(b, target)
	}

	if err := target.Attach(track); err != nil {
		return fmt.Errorf("attaching track %s to %s: %w", track.ID(), target.ID(), err)
	}
	p.bindings[track.ID()] = &binding{track: track, surface: target, boundAt: p.now()}

	p.logger.Debug("track bound",
		slog.String("track_id", track.ID()),
		slog.String("kind", track.Kind().String()),
		slog.String("surface", target.ID()),
	)
	return nil
}

// Rebind moves a bound track to newTarget. The new surface is attached
// before the old one is released, so a failed attach leaves the old binding.
func (p *Presenter) Rebind(trackID string, newTarget Surface) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[trackID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTrackNotBound, trackID)
	}
	if b.surface.ID() == newTarget.ID() {
		return nil
	}
	return p.rebindLocked(b, newTarget)
}

func (p *Presenter) rebindLocked(b *binding, target Surface) error {
	if err := target.Attach(b.track); err != nil {
		return fmt.Errorf("attaching track %s to %s: %w", b.track.ID(), target.ID(), err)
	}
	if m, ok := target.(Muter); ok {
		m.SetMuted(b.muted)
	}

	old := b.surface
	b.surface = target
	b.boundAt = p.now()

	if err := releaseSurface(old, b.track); err != nil {
		p.logger.Warn("releasing previous surface",
			slog.String("track_id", b.track.ID()),
			slog.String("surface", old.ID()),
			slog.String("error", err.Error()),
		)
	}

	p.logger.Debug("track rebound",
		slog.String("track_id", b.track.ID()),
		slog.String("from", old.ID()),
		slog.String("to", target.ID()),
	)
	return nil
}

// Unbind detaches the track and releases its surface. Unbinding a track
// that is not bound does nothing.
func (p *Presenter) Unbind(trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[trackID]
	if !ok {
		return nil
	}
	delete(p.bindings, trackID)

	if err := releaseSurface(b.surface, b.track); err != nil {
		return fmt.Errorf("unbinding track %s: %w", trackID, err)
	}
	p.logger.Debug("track unbound", slog.String("track_id", trackID))
	return nil
}

// UnbindAll unbinds every track. Every binding is removed even when a
// surface fails to release.
func (p *Presenter) UnbindAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for id, b := range p.bindings {
		delete(p.bindings, id)
		if err := releaseSurface(b.surface, b.track); err != nil {
			errs = append(errs, fmt.Errorf("unbinding track %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// SetMuted records the muted flag and forwards it to surfaces that support it.
func (p *Presenter) SetMuted(trackID string, muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[trackID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTrackNotBound, trackID)
	}
	b.muted = muted
	if m, ok := b.surface.(Muter); ok {
		m.SetMuted(muted)
	}
	return nil
}

// Bindings returns the current bindings sorted by track ID.
func (p *Presenter) Bindings() []Binding {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Binding, 0, len(p.bindings))
	for id, b := range p.bindings {
		out = append(out, Binding{
			TrackID:   id,
			Kind:      b.track.Kind().String(),
			SurfaceID: b.surface.ID(),
			Muted:     b.muted,
			BoundAt:   b.boundAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// releaseSurface detaches track and releases the surface, returning both errors.
func releaseSurface(s Surface, track Track) error {
	return errors.Join(s.Detach(track), s.Release())
}
