// Package retry implements bounded retries with backoff for the blocking
// network operations in the orchestration core, chiefly LLM calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls retry behavior. A Multiplier of 1.0 gives linear backoff
// (delay, 2*delay, 3*delay, ...); larger values give exponential growth.
type Config struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"`
}

// Result describes how a retried operation concluded.
type Result struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	Reasons       []string      `json:"reasons,omitempty"`
}

// LLMConfig is the retry policy for model calls: linear backoff per the
// scheduler's multi-second tolerances.
func LLMConfig(maxRetries int, baseDelay time.Duration) Config {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	return Config{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   time.Minute,
		Multiplier: 1.0,
		Jitter:     true,
	}
}

// Do runs op with the configured retry policy, stopping early on context
// cancellation or a non-retryable error.
func Do(ctx context.Context, cfg Config, log zerolog.Logger, op func() error) Result {
	start := time.Now()
	res := Result{}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		res.Attempts = attempt + 1

		err := op()
		if err == nil {
			res.Success = true
			res.TotalDuration = time.Since(start)
			return res
		}

		res.LastError = err
		res.Reasons = append(res.Reasons, err.Error())

		if attempt >= cfg.MaxRetries || !IsRetryable(err) || ctx.Err() != nil {
			break
		}

		delay := delayFor(cfg, attempt)
		log.Debug().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("retrying after failure")

		select {
		case <-ctx.Done():
			res.LastError = ctx.Err()
			res.TotalDuration = time.Since(start)
			return res
		case <-time.After(delay):
		}
	}

	res.TotalDuration = time.Since(start)
	return res
}

// delayFor computes the wait before attempt+1. Linear when Multiplier == 1.0,
// otherwise exponential, always capped at MaxDelay.
func delayFor(cfg Config, attempt int) time.Duration {
	var delay float64
	if cfg.Multiplier <= 1.0 {
		delay = float64(cfg.BaseDelay) * float64(attempt+1)
	} else {
		delay = float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	}

	if max := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && delay > max {
		delay = max
	}

	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// retryableFragments are error-message fragments that indicate a transient
// condition worth retrying.
var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"no such host",
	"network unreachable",
	"broken pipe",
	"empty response",
	"context deadline exceeded",
}

// IsRetryable reports whether err looks transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
