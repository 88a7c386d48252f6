package presentation

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakeSurface struct {
	id        string
	attachErr error
	detachErr error

	mu       sync.Mutex
	attached map[string]int
	released int
	muted    bool
}

func newFakeSurface(id string) *fakeSurface {
	return &fakeSurface{id: id, attached: make(map[string]int)}
}

func (s *fakeSurface) ID() string { return s.id }

func (s *fakeSurface) Attach(track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached[track.ID()]++
	return nil
}

func (s *fakeSurface) Detach(track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, track.ID())
	return s.detachErr
}

func (s *fakeSurface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (s *fakeSurface) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *fakeSurface) elements(trackID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[trackID]
}

func (s *fakeSurface) releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func TestPresenter_BindIsIdempotent(t *testing.T) {
	p := NewPresenter(testLogger())
	track := fakeTrack{id: "TR_video", kind: webrtc.RTPCodecTypeVideo}
	surface := newFakeSurface("main")

	require.NoError(t, p.Bind(track, surface))
	require.NoError(t, p.Bind(track, surface))

	assert.Equal(t, 1, surface.elements("TR_video"))
	bindings := p.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, "video", bindings[0].Kind)
	assert.Equal(t, "main", bindings[0].SurfaceID)
}

func TestPresenter_BindToOtherSurfaceRebinds(t *testing.T) {
	p := NewPresenter(testLogger())
	track := fakeTrack{id: "TR_video", kind: webrtc.RTPCodecTypeVideo}
	first := newFakeSurface("large")
	second := newFakeSurface("small")

	require.NoError(t, p.Bind(track, first))
	require.NoError(t, p.Bind(track, second))

	assert.Equal(t, 0, first.elements("TR_video"))
	assert.Equal(t, 1, first.releases())
	assert.Equal(t, 1, second.elements("TR_video"))
	assert.Equal(t, "small", p.Bindings()[0].SurfaceID)
}

func TestPresenter_Rebind(t *testing.T) {
	p := NewPresenter(testLogger())
	track := fakeTrack{id: "TR_video", kind: webrtc.RTPCodecTypeVideo}
	old := newFakeSurface("old")

	assert.ErrorIs(t, p.Rebind("TR_video", old), ErrTrackNotBound)

	require.NoError(t, p.Bind(track, old))
	require.NoError(t, p.SetMuted("TR_video", true))

	failing := newFakeSurface("failing")
	failing.attachErr = errors.New("no decoder")
	require.Error(t, p.Rebind("TR_video", failing))
	assert.Equal(t, "old", p.Bindings()[0].SurfaceID)
	assert.Equal(t, 0, old.releases())

	replacement := newFakeSurface("new")
	require.NoError(t, p.Rebind("TR_video", replacement))
	assert.Equal(t, 1, old.releases())
	assert.True(t, replacement.muted, "mute state follows the track")

	require.NoError(t, p.Rebind("TR_video", replacement))
	assert.Equal(t, 0, replacement.releases())
}

func TestPresenter_Unbind(t *testing.T) {
	p := NewPresenter(testLogger())
	audio := fakeTrack{id: "TR_audio", kind: webrtc.RTPCodecTypeAudio}
	surface := newFakeSurface("speaker")

	require.NoError(t, p.Bind(audio, surface))
	require.NoError(t, p.Unbind("TR_audio"))

	assert.Empty(t, p.Bindings())
	assert.Equal(t, 0, surface.elements("TR_audio"))
	assert.Equal(t, 1, surface.releases())

	require.NoError(t, p.Unbind("TR_audio"))
	assert.Equal(t, 1, surface.releases())

	assert.ErrorIs(t, p.SetMuted("TR_audio", true), ErrTrackNotBound)
}

func TestPresenter_UnbindAll(t *testing.T) {
	p := NewPresenter(testLogger())
	good := newFakeSurface("good")
	bad := newFakeSurface("bad")
	bad.detachErr = errors.New("device busy")

	require.NoError(t, p.Bind(fakeTrack{id: "b", kind: webrtc.RTPCodecTypeVideo}, good))
	require.NoError(t, p.Bind(fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio}, bad))

	ids := []string{}
	for _, b := range p.Bindings() {
		ids = append(ids, b.TrackID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)

	err := p.UnbindAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.Empty(t, p.Bindings())
	assert.Equal(t, 1, good.releases())
	assert.Equal(t, 1, bad.releases())

	assert.NoError(t, p.UnbindAll())
}

type fakeRequester struct {
	mu        sync.Mutex
	requested []livekit.VideoQuality
	err       error
}

func (f *fakeRequester) SetVideoQuality(q livekit.VideoQuality) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, q)
	return f.err
}

func TestTierFromQuality(t *testing.T) {
	assert.Equal(t, TierHigh, TierFromQuality(livekit.ConnectionQuality_EXCELLENT))
	assert.Equal(t, TierMedium, TierFromQuality(livekit.ConnectionQuality_GOOD))
	assert.Equal(t, TierLow, TierFromQuality(livekit.ConnectionQuality_POOR))
	assert.Equal(t, TierLow, TierFromQuality(livekit.ConnectionQuality_LOST))

	assert.Equal(t, livekit.VideoQuality_HIGH, TierHigh.VideoQuality())
	assert.Equal(t, livekit.VideoQuality_MEDIUM, TierMedium.VideoQuality())
	assert.Equal(t, livekit.VideoQuality_LOW, TierLow.VideoQuality())
}

func TestQualityMonitor_Sample(t *testing.T) {
	tracker := NewQualityTracker()
	monitor := NewQualityMonitor(tracker, time.Millisecond, testLogger())

	requester := &fakeRequester{}
	failing := &fakeRequester{err: errors.New("not subscribed")}
	monitor.Register("video-1", requester)
	monitor.Register("video-2", failing)

	_, changed := monitor.Sample()
	assert.False(t, changed, "initial excellent quality matches the default tier")

	tracker.Set(livekit.ConnectionQuality_POOR)
	hint, changed := monitor.Sample()
	require.True(t, changed)
	assert.Equal(t, TierHigh, hint.From)
	assert.Equal(t, TierLow, hint.To)
	assert.Equal(t, livekit.VideoQuality_LOW, hint.Quality)
	assert.Equal(t, TierLow, monitor.Tier())
	assert.Equal(t, []livekit.VideoQuality{livekit.VideoQuality_LOW}, requester.requested)
	assert.Len(t, failing.requested, 1)

	_, changed = monitor.Sample()
	assert.False(t, changed)

	monitor.Unregister("video-2")
	tracker.Set(livekit.ConnectionQuality_GOOD)
	_, changed = monitor.Sample()
	require.True(t, changed)
	assert.Equal(t, []livekit.VideoQuality{livekit.VideoQuality_LOW, livekit.VideoQuality_MEDIUM}, requester.requested)
	assert.Len(t, failing.requested, 1)

	first := <-monitor.Hints()
	assert.Equal(t, TierLow, first.To)
	second := <-monitor.Hints()
	assert.Equal(t, TierMedium, second.To)
}

type chunkTrack struct {
	fakeTrack
	mu      sync.Mutex
	packets [][]byte
}

func (c *chunkTrack) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.packets) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.packets[0])
	c.packets = c.packets[1:]
	return n, nil
}

func TestSinkSurface_DrainsReadableTrack(t *testing.T) {
	track := &chunkTrack{
		fakeTrack: fakeTrack{id: "TR_audio", kind: webrtc.RTPCodecTypeAudio},
		packets:   [][]byte{make([]byte, 100), make([]byte, 200), make([]byte, 50)},
	}
	sink := NewSinkSurface("sink-1")

	p := NewPresenter(testLogger())
	require.NoError(t, p.Bind(track, sink))

	require.Eventually(t, func() bool {
		return sink.Stats().Packets == 3
	}, time.Second, 5*time.Millisecond)

	stats := sink.Stats()
	assert.Equal(t, uint64(350), stats.Bytes)
	assert.Equal(t, "TR_audio", stats.TrackID)

	require.NoError(t, p.Unbind("TR_audio"))
	assert.True(t, sink.Released())
	assert.ErrorIs(t, sink.Attach(track), ErrSurfaceReleased)
}

func TestSinkSurface_Muted(t *testing.T) {
	track := &chunkTrack{
		fakeTrack: fakeTrack{id: "TR_video", kind: webrtc.RTPCodecTypeVideo},
		packets:   [][]byte{make([]byte, 10), make([]byte, 10)},
	}
	sink := NewSinkSurface("sink-2")
	sink.SetMuted(true)

	require.NoError(t, sink.Attach(track))
	require.Eventually(t, func() bool {
		return sink.Stats().Dropped == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), sink.Stats().Packets)
}

func TestSinkSurface_UnreadableTrack(t *testing.T) {
	sink := NewSinkSurface("sink-3")
	track := fakeTrack{id: "plain", kind: webrtc.RTPCodecTypeVideo}

	require.NoError(t, sink.Attach(track))
	require.NoError(t, sink.Attach(track))
	assert.Equal(t, "plain", sink.Stats().TrackID)

	require.NoError(t, sink.Detach(track))
	assert.Equal(t, "", sink.Stats().TrackID)
	assert.False(t, sink.Released())
}

func TestViewer_TrackLifecycle(t *testing.T) {
	tracker := NewQualityTracker()
	monitor := NewQualityMonitor(tracker, time.Hour, testLogger())
	presenter := NewPresenter(testLogger())

	surfaces := map[string]*fakeSurface{}
	viewer := NewViewer("me", presenter, tracker, monitor, func(track Track, _ string) Surface {
		s := newFakeSurface("surface-" + track.ID())
		surfaces[track.ID()] = s
		return s
	}, testLogger())

	video := fakeTrack{id: "TR_video", kind: webrtc.RTPCodecTypeVideo}
	audio := fakeTrack{id: "TR_audio", kind: webrtc.RTPCodecTypeAudio}
	requester := &fakeRequester{}

	viewer.subscribed(video, requester, "host")
	viewer.subscribed(audio, nil, "host")

	assert.Equal(t, 1, surfaces["TR_video"].elements("TR_video"))
	assert.Equal(t, 1, surfaces["TR_audio"].elements("TR_audio"))
	assert.Equal(t, map[string]string{"TR_video": "host", "TR_audio": "host"}, viewer.Participants())
	assert.Equal(t, []livekit.VideoQuality{livekit.VideoQuality_HIGH}, requester.requested,
		"new video tracks start at the current tier")

	viewer.QualityChanged("someone-else", livekit.ConnectionQuality_POOR)
	assert.Equal(t, livekit.ConnectionQuality_EXCELLENT, tracker.ConnectionQuality())

	viewer.QualityChanged("me", livekit.ConnectionQuality_POOR)
	_, changed := monitor.Sample()
	require.True(t, changed)
	assert.Equal(t, livekit.VideoQuality_LOW, requester.requested[len(requester.requested)-1])

	viewer.unsubscribed(audio, "host")
	assert.Equal(t, 1, surfaces["TR_audio"].releases())
	assert.Len(t, presenter.Bindings(), 1)

	require.NoError(t, viewer.UnbindAll())
	assert.Empty(t, presenter.Bindings())
	assert.Empty(t, viewer.Participants())
	assert.Equal(t, 1, surfaces["TR_video"].releases())

	tracker.Set(livekit.ConnectionQuality_EXCELLENT)
	_, changed = monitor.Sample()
	require.True(t, changed)
	assert.Len(t, requester.requested, 2, "unbound tracks no longer receive quality requests")
}
