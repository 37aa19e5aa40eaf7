// Package retry runs connect attempts with capped exponential backoff.
//
// Used by frame sources to (re)establish their transport. The ingestion
// loop itself never retries: a broken source ends the loop and the source
// layer decides whether to reconnect.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config contains exponential backoff settings.
type Config struct {
	MaxRetries int           // Attempts after the first failure; negative retries forever (default: 5)
	Delay      time.Duration // Initial delay (default: 1 second)
	MaxDelay   time.Duration // Delay cap (default: 30 seconds)
}

// DefaultConfig returns the default backoff settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		Delay:      1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Delay <= 0 {
		c.Delay = d.Delay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// State counts attempts across calls. Safe to read concurrently.
type State struct {
	attempts atomic.Uint64
	failures atomic.Uint64
}

// Attempts returns the total number of connect calls.
func (s *State) Attempts() uint64 { return s.attempts.Load() }

// Failures returns the total number of failed connect calls.
func (s *State) Failures() uint64 { return s.failures.Load() }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, retries are exhausted or ctx is done.
//
// Backoff schedule with the defaults: 1s, 2s, 4s, 8s, 16s, then give up.
// state may be nil. name prefixes log messages.
func Do(ctx context.Context, name string, cfg Config, state *State, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	if state == nil {
		state = &State{}
	}

	for failures := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}

		state.attempts.Add(1)
		err := fn(ctx)
		if err == nil {
			if failures > 0 {
				slog.Info(name+": connected after retry", "attempts", failures+1)
			}
			return nil
		}

		state.failures.Add(1)
		failures++

		var perm *permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("%s: not retrying: %w", name, perm.err)
		}

		if cfg.MaxRetries >= 0 && failures > cfg.MaxRetries {
			return fmt.Errorf("%s: max retries exceeded (%d attempts): %w", name, failures, err)
		}

		delay := Backoff(failures, cfg)
		slog.Warn(name+": connect failed, retrying",
			"error", err,
			"attempt", failures,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Backoff returns Delay * 2^(attempt-1), capped at MaxDelay.
func Backoff(attempt int, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return cfg.MaxDelay
	}

	delay := cfg.Delay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	return delay
}
