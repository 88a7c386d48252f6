package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/jmylchreest/livebridge/internal/observability"
)

// ErrPublishUnsupported is returned when a join asks to publish local media.
var ErrPublishUnsupported = errors.New("livekit joiner is receive-only")

// TrackHandler receives the media side of a joined room.
type TrackHandler interface {
	TrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, participant string)
	TrackUnsubscribed(track *webrtc.TrackRemote, participant string)
	QualityChanged(participant string, quality livekit.ConnectionQuality)
}

// LiveKitJoiner joins rooms on a LiveKit server with the server SDK.
type LiveKitJoiner struct {
	url     string
	handler TrackHandler
	logger  *slog.Logger
}

// NewLiveKitJoiner creates a joiner for the server at url. handler may be nil.
func NewLiveKitJoiner(url string, handler TrackHandler, logger *slog.Logger) *LiveKitJoiner {
	return &LiveKitJoiner{
		url:     url,
		handler: handler,
		logger:  observability.WithComponent(logger, "livekit"),
	}
}

// Join implements Joiner. The SDK dial is not cancellable, so a room that
// connects after ctx ends is disconnected as soon as it arrives.
func (j *LiveKitJoiner) Join(ctx context.Context, token string, opts JoinOptions, events RoomEvents) (Room, error) {
	if opts.PublishAudio || opts.PublishVideo {
		return nil, ErrPublishUnsupported
	}
	if j.url == "" {
		return nil, errors.New("livekit url is not configured")
	}

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				j.logger.Debug("track subscribed",
					slog.String("track_id", track.ID()),
					slog.String("kind", track.Kind().String()),
					slog.String("participant", rp.Identity()),
				)
				if j.handler != nil {
					j.handler.TrackSubscribed(track, pub, rp.Identity())
				}
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if j.handler != nil {
					j.handler.TrackUnsubscribed(track, rp.Identity())
				}
			},
			OnConnectionQualityChanged: func(update *livekit.ConnectionQualityInfo, p lksdk.Participant) {
				if j.handler != nil {
					j.handler.QualityChanged(p.Identity(), update.GetQuality())
				}
			},
		},
		OnDisconnectedWithReason: func(reason lksdk.DisconnectionReason) {
			if events.Disconnected != nil {
				events.Disconnected(string(reason))
			}
		},
		OnReconnecting: func() {
			if events.Reconnecting != nil {
				events.Reconnecting()
			}
		},
		OnReconnected: func() {
			if events.Reconnected != nil {
				events.Reconnected()
			}
		},
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(j.url, token, callback, lksdk.WithAutoSubscribe(opts.AutoSubscribe))
		joined <- result{room: room, err: err}
	}()

	select {
	case r := <-joined:
		if r.err != nil {
			return nil, fmt.Errorf("joining room: %w", r.err)
		}
		j.logger.Info("joined livekit room",
			slog.String("room", r.room.Name()),
			slog.String("identity", r.room.LocalParticipant.Identity()),
		)
		return r.room, nil
	case <-ctx.Done():
		go func() {
			if r := <-joined; r.room != nil {
				r.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}
