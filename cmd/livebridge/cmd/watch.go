package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/livebridge/internal/config"
	"github.com/jmylchreest/livebridge/internal/presentation"
	"github.com/jmylchreest/livebridge/internal/realtime"
)

var watchCmd = &cobra.Command{
	Use:   "watch <room>",
	Short: "Join a realtime room as a receive-only viewer",
	Long: `Join a realtime room as a receive-only viewer and report what arrives.

Subscribed tracks are drained into sinks and their packet counts are logged.
Video quality follows the local connection quality. The token is minted
locally when realtime.api_key is set, otherwise it is requested from
realtime.token_service_url.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("identity", "", "Participant identity (default: random viewer id)")
	watchCmd.Flags().Duration("duration", 0, "Leave the room after this long (0 = until interrupted)")
	watchCmd.Flags().Duration("stats-interval", 10*time.Second, "How often to log track statistics")
	watchCmd.Flags().Duration("quality-interval", 2*time.Second, "How often to sample connection quality")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	room := args[0]
	identity, _ := cmd.Flags().GetString("identity")
	if identity == "" {
		identity = "viewer-" + uuid.NewString()[:8]
	}
	duration, _ := cmd.Flags().GetDuration("duration")
	statsInterval, _ := cmd.Flags().GetDuration("stats-interval")
	qualityInterval, _ := cmd.Flags().GetDuration("quality-interval")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	sinks := newSinkSet()
	tracker := presentation.NewQualityTracker()
	monitor := presentation.NewQualityMonitor(tracker, qualityInterval, logger)
	presenter := presentation.NewPresenter(logger)
	viewer := presentation.NewViewer(identity, presenter, tracker, monitor, sinks.create, logger)

	joiner := realtime.NewLiveKitJoiner(cfg.Realtime.LiveKitURL, viewer, logger)
	manager := realtime.NewManager(tokenSource(cfg, logger), joiner, viewer, realtime.ManagerConfigFrom(cfg.Realtime), logger)
	defer func() {
		_ = manager.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		return watchEvents(gctx, manager, monitor, logger)
	})
	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sinks.log(logger, viewer.Participants())
			}
		}
	})
	g.Go(func() error {
		logger.Info("joining room",
			slog.String("room", room),
			slog.String("identity", identity),
		)
		if err := manager.Connect(gctx, room, identity); err != nil {
			if gctx.Err() != nil && errors.Is(err, gctx.Err()) {
				return nil
			}
			return fmt.Errorf("joining room %q: %w", room, err)
		}
		<-gctx.Done()
		manager.Disconnect()
		return nil
	})

	err = g.Wait()
	sinks.log(logger, nil)
	return err
}

// watchEvents logs connection state changes and quality hints until the
// room is lost for good.
func watchEvents(ctx context.Context, manager *realtime.Manager, monitor *presentation.QualityMonitor, logger *slog.Logger) error {
	events := manager.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case hint := <-monitor.Hints():
			logger.Info("video quality adjusted",
				slog.String("from", string(hint.From)),
				slog.String("to", string(hint.To)),
			)
		case change, ok := <-events:
			if !ok {
				return nil
			}
			attrs := []any{
				slog.String("from", string(change.From)),
				slog.String("to", string(change.To)),
				slog.Int("attempt", change.Attempt.Number),
				slog.Int("max_attempts", change.Attempt.MaxAttempts),
			}
			if change.Err != nil {
				attrs = append(attrs,
					slog.String("code", string(change.Err.Code)),
					slog.String("error", change.Err.Error()),
				)
			}
			logger.Info("connection state changed", attrs...)

			if change.To == realtime.StateDisconnected && change.From != realtime.StateConnecting {
				if change.Err == nil {
					return errors.New("room connection lost")
				}
				return fmt.Errorf("room connection lost: %w", change.Err)
			}
		}
	}
}

// tokenSource mints tokens locally when the API key is configured.
func tokenSource(cfg *config.Config, logger *slog.Logger) realtime.TokenSource {
	issuer := realtime.NewIssuer(cfg.Realtime)
	if issuer.Configured() {
		return issuer
	}
	return realtime.NewHTTPTokenSource(cfg.Realtime.TokenServiceURL, cfg.Provider.Timeout, logger)
}

// sinkSet remembers every sink created for the session.
type sinkSet struct {
	mu    sync.Mutex
	sinks map[string]*presentation.SinkSurface
}

func newSinkSet() *sinkSet {
	return &sinkSet{sinks: make(map[string]*presentation.SinkSurface)}
}

func (s *sinkSet) create(track presentation.Track, _ string) presentation.Surface {
	sink := presentation.NewSinkSurface("sink-" + track.ID())
	s.mu.Lock()
	s.sinks[track.ID()] = sink
	s.mu.Unlock()
	return sink
}

func (s *sinkSet) log(logger *slog.Logger, owners map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for trackID, sink := range s.sinks {
		stats := sink.Stats()
		logger.Info("track statistics",
			slog.String("track_id", trackID),
			slog.String("participant", owners[trackID]),
			slog.Bool("released", sink.Released()),
			slog.Uint64("packets", stats.Packets),
			slog.Uint64("dropped", stats.Dropped),
			slog.String("received", humanize.IBytes(stats.Bytes)),
		)
	}
}
