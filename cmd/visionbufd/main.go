// Command visionbufd runs one frame stream per configured camera and feeds
// each stream's readers from NATS or an RTSP/GStreamer source. With control
// enabled it also takes start/stop commands over MQTT and publishes status.
//
// Usage:
//
//	visionbufd -config /etc/visionbuf/visionbufd.yaml
//	visionbufd -consumers 2 -latency 40ms -stats-interval 5s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/retry"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/source/gstsource"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/source/natssource"
)

const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "", "YAML configuration file (default: built-in rear+front cameras)")
	consumers := flag.Int("consumers", 1, "Simulated readers per camera")
	latency := flag.Duration("latency", 30*time.Millisecond, "Simulated processing time per frame")
	statsInterval := flag.Duration("stats-interval", 10*time.Second, "Interval between stats reports (0 disables)")
	warmup := flag.Duration("warmup", 0, "Measure publish-rate stability for this long after start")
	debug := flag.Bool("debug", false, "Force debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("visionbufd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "visionbufd: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, runOptions{
		consumers:     *consumers,
		latency:       *latency,
		statsInterval: *statsInterval,
		warmup:        *warmup,
	}, logger); err != nil {
		logger.Error("visionbufd: exiting", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	consumers     int
	latency       time.Duration
	statsInterval time.Duration
	warmup        time.Duration
}

func run(cfg config.Config, opts runOptions, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("visionbufd: starting",
		"version", version,
		"source", cfg.Source,
		"cameras", len(cfg.Cameras),
	)

	var m *metrics.Metrics
	if !cfg.Metrics.Disabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	var conn *nats.Conn
	if cfg.Source == config.SourceNATS {
		var err error
		conn, err = natssource.Connect(ctx, natssource.ConnConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Retry:         retry.Config{MaxRetries: cfg.NATS.ConnectRetries},
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer conn.Close()
	}

	streams := make([]*visionbuf.CameraStream, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		s, err := newStream(cfg, cam, conn, m, logger)
		if err != nil {
			return err
		}
		streams = append(streams, s)
	}
	for _, s := range streams {
		if err := s.Start(ctx); err != nil {
			stopAll(streams, logger)
			return fmt.Errorf("visionbufd: start %s: %w", s.Camera(), err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if m != nil {
		router, err := newRouter(streams, m)
		if err != nil {
			stopAll(streams, logger)
			return fmt.Errorf("visionbufd: register metrics: %w", err)
		}
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("visionbufd: http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("visionbufd: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Control.Enabled {
		if err := startControl(gctx, g, cfg.Control, streams, logger); err != nil {
			stopAll(streams, logger)
			cancel()
			_ = g.Wait()
			return err
		}
	}

	var workers []*Consumer
	for _, s := range streams {
		g.Go(func() error {
			supervise(gctx, s, logger)
			return nil
		})

		if opts.warmup > 0 {
			g.Go(func() error {
				reportWarmup(gctx, s, opts.warmup, logger)
				return nil
			})
		}

		for i := 0; i < opts.consumers; i++ {
			c := NewConsumer(fmt.Sprintf("%s-%d", s.Camera(), i), s, opts.latency, logger)
			workers = append(workers, c)
			g.Go(func() error {
				c.Run(gctx)
				return nil
			})
		}
	}

	if opts.statsInterval > 0 {
		g.Go(func() error {
			reportStats(gctx, opts.statsInterval, streams, workers)
			return nil
		})
	}

	<-gctx.Done()
	logger.Info("visionbufd: shutting down")

	stopAll(streams, logger)
	err := g.Wait()

	printFinalStats(streams, workers)
	return err
}

func newStream(cfg config.Config, cam config.Camera, conn *nats.Conn, m *metrics.Metrics, logger *slog.Logger) (*visionbuf.CameraStream, error) {
	geo, err := cam.Geometry()
	if err != nil {
		return nil, err
	}
	alloc, err := newAllocator(cam.Allocator)
	if err != nil {
		return nil, fmt.Errorf("visionbufd: camera %s: %w", cam.Name, err)
	}

	var opener visionbuf.Opener
	switch cfg.Source {
	case config.SourceGStreamer:
		opener = gstsource.Opener(gstsource.Config{
			RTSPURL: cam.RTSPURL,
			Width:   geo.Width,
			Height:  geo.Height,
			FPS:     cam.FPS,
			Logger:  logger.With("camera", cam.Name),
		})
	default:
		opener = natssource.Opener(conn, cam.Subject, cfg.NATS.PendingMsgs, logger.With("camera", cam.Name))
	}

	logger.Info("visionbufd: camera configured",
		"camera", cam.Name,
		"sensor", geo.Name,
		"resolution", fmt.Sprintf("%dx%d", geo.Width, geo.Height),
		"stride", geo.Stride,
		"fps", cam.FPS,
		"slots", cam.Slots,
		"allocator", cam.Allocator,
	)

	return visionbuf.New(visionbuf.Config{
		Camera:         cam.Name,
		Slots:          cam.Slots,
		SlotSize:       geo.FrameSize(),
		FPS:            float64(cam.FPS),
		ReceiveTimeout: cfg.ReceiveTimeout,
		StopTimeout:    cfg.StopTimeout,
	}, opener,
		visionbuf.WithLogger(logger),
		visionbuf.WithMetrics(m),
		visionbuf.WithAllocator(alloc),
	)
}

// startControl connects to the MQTT broker and serves control commands
// for streams on g until ctx is done.
func startControl(ctx context.Context, g *errgroup.Group, cfg config.ControlConfig, streams []*visionbuf.CameraStream, logger *slog.Logger) error {
	client, err := control.Connect(ctx, control.ConnConfig{
		Broker:   cfg.Broker,
		ClientID: cfg.ClientID,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	h := control.NewHandler(client, control.Config{
		Instance:       cfg.ClientID,
		TopicPrefix:    cfg.TopicPrefix,
		QoS:            cfg.QoS,
		StatusInterval: cfg.StatusInterval,
		StatusFormat:   cfg.StatusFormat,
		Logger:         logger,
	}, control.Callbacks{
		Status: func() []control.StreamStatus { return statusAll(streams) },
		Start: func(ctx context.Context, camera string) error {
			s, err := findStream(streams, camera)
			if err != nil {
				return err
			}
			return s.Start(ctx)
		},
		Stop: func(camera string) error {
			s, err := findStream(streams, camera)
			if err != nil {
				return err
			}
			return s.Stop()
		},
	})

	g.Go(func() error {
		defer client.Disconnect(250)
		return h.Run(ctx)
	})
	return nil
}

func findStream(streams []*visionbuf.CameraStream, camera string) (*visionbuf.CameraStream, error) {
	for _, s := range streams {
		if s.Camera() == camera {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown camera %q", camera)
}

func stopAll(streams []*visionbuf.CameraStream, logger *slog.Logger) {
	for _, s := range streams {
		if err := s.Stop(); err != nil {
			logger.Warn("visionbufd: stop failed", "camera", s.Camera(), "error", err)
		}
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
