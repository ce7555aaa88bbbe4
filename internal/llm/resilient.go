package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/subculture-collective/subcult-corp-sub002/internal/retry"
)

// FallbackPolicy configures the model-ladder fallback. Models are tried in
// order, one call at a time; the first HeadGroup entries are the preferred
// set, and falling back past them is logged as an escalation. The whole
// ladder is retried MaxRetries times with linear backoff before the call is
// surfaced as a failure.
type FallbackPolicy struct {
	Models     []string
	HeadGroup  int
	MaxRetries int
	RetryDelay time.Duration
}

// ResilientClient wraps a provider with the fallback policy, a request rate
// limit, and retry with linear backoff. It satisfies Client, so callers never
// see the ladder.
type ResilientClient struct {
	provider Client
	policy   FallbackPolicy
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// NewResilientClient builds the wrapper. requestsPerMinute <= 0 disables the
// limiter.
func NewResilientClient(provider Client, policy FallbackPolicy, requestsPerMinute int, log zerolog.Logger) *ResilientClient {
	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute)
	}
	return &ResilientClient{
		provider: provider,
		policy:   policy,
		limiter:  limiter,
		log:      log.With().Str("component", "llm").Logger(),
	}
}

// Complete runs the request through the ladder. A request that names its own
// model skips the ladder but keeps the retry policy.
func (rc *ResilientClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ladder := rc.policy.Models
	if req.Model != "" {
		ladder = []string{req.Model}
	}
	if len(ladder) == 0 {
		return nil, fmt.Errorf("no models configured")
	}

	var resp *Response
	result := retry.Do(ctx, retry.LLMConfig(rc.policy.MaxRetries, rc.policy.RetryDelay), rc.log, func() error {
		r, err := rc.tryLadder(ctx, req, ladder)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if !result.Success {
		return nil, fmt.Errorf("all models failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return resp, nil
}

// tryLadder makes one sequential pass over the ladder. Success on a model
// past the head group is still a success, just a logged one.
func (rc *ResilientClient) tryLadder(ctx context.Context, req Request, ladder []string) (*Response, error) {
	head := rc.policy.HeadGroup
	if head <= 0 || head > len(ladder) {
		head = 1
	}

	var errs []string
	for i, model := range ladder {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := rc.tryModel(ctx, req, model)
		if err == nil {
			if i >= head {
				rc.log.Warn().Str("model", model).Int("ladder_position", i).Msg("fell back past head group")
			}
			return resp, nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", model, err))
		rc.log.Debug().Str("model", model).Err(err).Msg("model attempt failed")
	}
	return nil, fmt.Errorf("ladder exhausted: %s", strings.Join(errs, "; "))
}

func (rc *ResilientClient) tryModel(ctx context.Context, req Request, model string) (*Response, error) {
	if rc.limiter != nil {
		if err := rc.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	attempt := req
	attempt.Model = model
	resp, err := rc.provider.Complete(ctx, attempt)
	if err != nil {
		return nil, err
	}
	// An empty answer after a successful call is a transient provider hiccup,
	// not a result.
	if strings.TrimSpace(resp.Text) == "" && len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("empty response from %s", model)
	}
	return resp, nil
}
