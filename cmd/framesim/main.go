// Command framesim publishes synthetic frame units to NATS at a camera's
// rate, for exercising visionbufd without a sensor.
//
// Usage:
//
//	framesim -camera rear -sensor imx298 -fps 20
//	framesim -camera front -sensor ov8865 -fps 10 -malformed-every 50 -oversize-every 200
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/retry"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/source/natssource"
)

// RunHeader carries the simulator run id on every message.
const RunHeader = "Visionbuf-Run"

func main() {
	url := flag.String("url", nats.DefaultURL, "NATS server URL")
	camera := flag.String("camera", "rear", "Camera name (subject camera.<name> unless -subject is set)")
	subject := flag.String("subject", "", "NATS subject override")
	sensor := flag.String("sensor", "imx298", fmt.Sprintf("Sensor geometry %v", config.SensorNames()))
	fps := flag.Float64("fps", 20, "Frames per second")
	frames := flag.Uint64("frames", 0, "Frames to publish (0 = until interrupted)")
	startID := flag.Uint64("start-id", 1, "First frame id")
	malformedEvery := flag.Uint64("malformed-every", 0, "Publish a truncated unit every N frames (0 disables)")
	oversizeEvery := flag.Uint64("oversize-every", 0, "Publish an image larger than a slot every N frames (0 disables)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	geo, err := config.LookupSensor(*sensor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framesim: %v\n", err)
		os.Exit(1)
	}
	if *fps <= 0 {
		fmt.Fprintf(os.Stderr, "framesim: fps must be positive\n")
		os.Exit(1)
	}
	if *subject == "" {
		*subject = "camera." + *camera
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := natssource.Connect(ctx, natssource.ConnConfig{
		URL:    *url,
		Name:   "framesim-" + *camera,
		Retry:  retry.DefaultConfig(),
		Logger: logger,
	})
	if err != nil {
		logger.Error("framesim: connect failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	sim := &Simulator{
		Publish: func(msg *nats.Msg) error { return conn.PublishMsg(msg) },
		Subject: *subject,
		Sensor:  geo,
		RunID:   uuid.NewString(),
		Faults: Faults{
			MalformedEvery: *malformedEvery,
			OversizeEvery:  *oversizeEvery,
		},
	}

	logger.Info("framesim: publishing",
		"subject", *subject,
		"sensor", geo.Name,
		"frame_bytes", geo.FrameSize(),
		"fps", *fps,
		"run_id", sim.RunID,
	)

	st := sim.Run(ctx, *startID, *frames, time.Duration(float64(time.Second) / *fps))
	if err := conn.Flush(); err != nil {
		logger.Warn("framesim: flush failed", "error", err)
	}
	logger.Info("framesim: done",
		"published", st.Published,
		"malformed", st.Malformed,
		"oversized", st.Oversized,
		"errors", st.Errors,
	)
}
