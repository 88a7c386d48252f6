package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/livebridge/internal/config"
	"github.com/jmylchreest/livebridge/internal/diagnostics"
	"github.com/jmylchreest/livebridge/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/livebridge/internal/http"
	"github.com/jmylchreest/livebridge/internal/http/handlers"
	"github.com/jmylchreest/livebridge/internal/ingest"
	"github.com/jmylchreest/livebridge/internal/realtime"
	"github.com/jmylchreest/livebridge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the livebridge server",
	Long: `Start the livebridge HTTP server.

The server provides:
- POST/DELETE/GET /ingest for browser media chunks
- Stream health diagnostics and auto-fix against the provider API
- POST /connect for receive-only realtime room tokens
- Health, liveness and Prometheus metrics endpoints
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("ffmpeg", "", "Path to the ffmpeg binary (default: auto-detect)")
	serveCmd.Flags().String("presence", "memory", "Session presence store (memory, redis)")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("ffmpeg.binary_path", serveCmd.Flags().Lookup("ffmpeg"))
	mustBindPFlag("presence.driver", serveCmd.Flags().Lookup("presence"))
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detector := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath)
	binaryPath := cfg.FFmpeg.BinaryPath
	if info, err := detector.Detect(ctx); err != nil {
		// Chunks fail at spawn until ffmpeg is installed; /health reports it.
		logger.Warn("ffmpeg not detected", slog.String("error", err.Error()))
		if binaryPath == "" {
			binaryPath = "ffmpeg"
		}
	} else {
		binaryPath = info.FFmpegPath
		logger.Info("ffmpeg detected",
			slog.String("path", info.FFmpegPath),
			slog.String("version", info.Version),
		)
		for _, codec := range []string{cfg.FFmpeg.VideoCodec, cfg.FFmpeg.AudioCodec} {
			if len(info.Encoders) > 0 && !info.HasEncoder(codec) {
				logger.Warn("configured encoder not available in ffmpeg build", slog.String("encoder", codec))
			}
		}
	}

	spawner := ffmpeg.NewProcessSpawner(ffmpeg.NewEncoderConfig(cfg.FFmpeg, binaryPath), logger)
	registry := ingest.NewRegistry(spawner, cfg.Ingest.EventBuffer, logger).
		WithWriteTimeout(cfg.Ingest.WriteTimeout)

	presence, err := ingest.NewPresence(ctx, cfg.Presence)
	if err != nil {
		return fmt.Errorf("initializing presence store: %w", err)
	}
	defer func() {
		if err := presence.Close(); err != nil {
			logger.Warn("closing presence store", slog.String("error", err.Error()))
		}
	}()

	service := ingest.NewService(registry, presence, cfg.Ingest, logger)

	provider := diagnostics.NewProviderClient(cfg.Provider, logger)
	checker := diagnostics.NewChecker(provider, service, logger)
	issuer := realtime.NewIssuer(cfg.Realtime)
	if !issuer.Configured() {
		logger.Info("realtime api key not configured, /connect will return 503")
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version, "/ingest", cfg.Metrics.Path)

	handlers.NewIngestHandler(service, cfg.Ingest.MaxChunkSize.Bytes(), logger).Register(server.Router())
	handlers.NewDiagnosticsHandler(checker).Register(server.API())
	handlers.NewConnectHandler(issuer, logger).Register(server.API())
	handlers.NewHealthHandler(version.Version).
		WithSessions(registry).
		WithBinaryDetector(detector).
		WithProviderBreaker(provider.Breaker()).
		Register(server.API())

	if cfg.Metrics.Enabled {
		server.Router().Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	// Encoder exit events must keep flowing while sessions drain, so the
	// event loop outlives the signal context.
	eventsCtx, stopEvents := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEvents()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return registry.Run(eventsCtx)
	})

	var reaper *ingest.Reaper
	if cfg.Ingest.IdleTimeout > 0 {
		reaper = ingest.NewReaper(service, cfg.Ingest.ReapSchedule, cfg.Ingest.IdleTimeout, logger)
		if err := reaper.Start(gctx); err != nil {
			return fmt.Errorf("starting reaper: %w", err)
		}
	}

	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down ingest sessions")
		defer stopEvents()

		if reaper != nil {
			reaper.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownWait(cfg))
		defer cancel()
		err := service.Shutdown(shutdownCtx)
		registry.Close()
		return err
	})

	logger.Info("starting livebridge server",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.String("presence", cfg.Presence.Driver),
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("running server: %w", err)
	}
	logger.Info("livebridge stopped")
	return nil
}

// shutdownWait bounds how long encoders get to flush on shutdown.
func shutdownWait(cfg *config.Config) time.Duration {
	return cfg.Ingest.StopGracePeriod + cfg.Server.ShutdownTimeout
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
