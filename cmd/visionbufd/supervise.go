package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/retry"
)

const idlePoll = 250 * time.Millisecond

// restartBackoff governs restarts of a stream whose source failed.
var restartBackoff = retry.Config{
	MaxRetries: -1,
	Delay:      time.Second,
	MaxDelay:   30 * time.Second,
}

// supervise restarts s whenever its producer ends on a transport error,
// until ctx is done. A stream stopped on purpose stays stopped until
// something starts it again.
func supervise(ctx context.Context, s *visionbuf.CameraStream, logger *slog.Logger) {
	logger = logger.With("camera", s.Camera())
	var restarts retry.State

	for {
		done := s.Done()
		if done == nil || s.State() != visionbuf.StateRunning {
			if !sleep(ctx, idlePoll) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-done:
		}
		if ctx.Err() != nil {
			return
		}

		cause := s.Err()
		if cause == nil {
			continue // stopped on purpose
		}
		logger.Warn("visionbufd: stream ended, restarting",
			"session_id", s.ID(),
			"error", cause,
		)
		if err := s.Stop(); err != nil {
			logger.Warn("visionbufd: teardown after failure", "error", err)
		}

		if err := retry.Do(ctx, "visionbufd", restartBackoff, &restarts, startOnce(s)); err != nil {
			return // ctx done
		}
		logger.Info("visionbufd: stream restarted",
			"session_id", s.ID(),
			"restarts", restarts.Attempts(),
		)
	}
}

// startOnce starts s unless something else already did while the
// supervisor was backing off.
func startOnce(s *visionbuf.CameraStream) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := s.Start(ctx); err != nil && !errors.Is(err, visionbuf.ErrAlreadyRunning) {
			return err
		}
		return nil
	}
}

func reportWarmup(ctx context.Context, s *visionbuf.CameraStream, d time.Duration, logger *slog.Logger) {
	st, err := s.Warmup(ctx, d)
	if err != nil {
		logger.Warn("visionbufd: warmup failed", "camera", s.Camera(), "error", err)
		return
	}
	if !st.Stable {
		logger.Warn("visionbufd: publish rate unstable",
			"camera", s.Camera(),
			"fps_mean", st.FPSMean,
			"fps_stddev", st.FPSStdDev,
			"jitter_mean", st.JitterMean,
		)
	}
}
