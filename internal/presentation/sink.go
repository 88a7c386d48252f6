package presentation

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// ErrSurfaceReleased is returned when attaching to a released surface.
var ErrSurfaceReleased = errors.New("surface has been released")

// SinkStats counts what a SinkSurface has consumed.
type SinkStats struct {
	TrackID string `json:"trackId,omitempty"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Dropped uint64 `json:"dropped"`
}

// SinkSurface is a headless surface that drains one track and counts its
// packets. Muted packets are read and counted as dropped.
type SinkSurface struct {
	id string

	mu       sync.Mutex
	trackID  string
	stop     chan struct{}
	released bool

	muted   atomic.Bool
	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

// NewSinkSurface creates a sink surface.
func NewSinkSurface(id string) *SinkSurface {
	return &SinkSurface{id: id}
}

// ID implements Surface.
func (s *SinkSurface) ID() string {
	return s.id
}

// Attach implements Surface. Remote WebRTC tracks are drained by RTP
// packet; other tracks are drained if they implement io.Reader.
func (s *SinkSurface) Attach(track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrSurfaceReleased
	}
	if s.stop != nil {
		if s.trackID == track.ID() {
			return nil
		}
		close(s.stop)
	}

	s.trackID = track.ID()
	s.stop = make(chan struct{})

	if read := payloadReader(track); read != nil {
		go s.drain(read, s.stop)
	}
	return nil
}

// Detach implements Surface. The drain goroutine exits on its next read.
func (s *SinkSurface) Detach(track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop == nil || s.trackID != track.ID() {
		return nil
	}
	close(s.stop)
	s.stop = nil
	s.trackID = ""
	return nil
}

// Release implements Surface.
func (s *SinkSurface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.trackID = ""
	s.released = true
	return nil
}

// SetMuted implements Muter.
func (s *SinkSurface) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// Released reports whether Release was called.
func (s *SinkSurface) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Stats returns the counters.
func (s *SinkSurface) Stats() SinkStats {
	s.mu.Lock()
	trackID := s.trackID
	s.mu.Unlock()

	return SinkStats{
		TrackID: trackID,
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
		Dropped: s.dropped.Load(),
	}
}

func (s *SinkSurface) drain(read func() (int, error), stop <-chan struct{}) {
	for {
		n, err := read()

		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			return
		}

		if s.muted.Load() {
			s.dropped.Add(1)
			continue
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(n))
	}
}

// payloadReader returns a function reading one packet from track, or nil
// when the track cannot be read.
func payloadReader(track Track) func() (int, error) {
	switch t := track.(type) {
	case *webrtc.TrackRemote:
		return func() (int, error) {
			pkt, _, err := t.ReadRTP()
			if err != nil {
				return 0, err
			}
			return len(pkt.Payload), nil
		}
	case io.Reader:
		buf := make([]byte, 1500)
		return func() (int, error) {
			return t.Read(buf)
		}
	default:
		return nil
	}
}
