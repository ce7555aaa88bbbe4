package reaction

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// Store is the slice of the job store rule evaluation needs.
type Store interface {
	ReactionFiredSince(ctx context.Context, source, target, typ string, since time.Time) (bool, error)
	InsertReaction(ctx context.Context, r *models.Reaction) error
}

// Engine evaluates one event against the ruleset and enqueues matches.
type Engine struct {
	store           Store
	rules           []Rule
	defaultCooldown time.Duration
	log             zerolog.Logger
	rng             *rand.Rand
	now             func() time.Time
}

// NewEngine builds an engine. rng may be seeded deterministically in tests;
// pass nil for the default source.
func NewEngine(store Store, rules []Rule, defaultCooldown time.Duration, log zerolog.Logger, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Engine{
		store:           store,
		rules:           rules,
		defaultCooldown: defaultCooldown,
		log:             log.With().Str("component", "reaction").Logger(),
		rng:             rng,
		now:             time.Now,
	}
}

// Evaluate matches the event against every rule and enqueues each hit. A
// persona never reacts to its own events. Returns the number of reactions
// enqueued.
func (e *Engine) Evaluate(ctx context.Context, event *models.Event) (int, error) {
	enqueued := 0
	for _, rule := range e.rules {
		if rule.Target == event.AgentID {
			continue
		}
		if !rule.matchesSource(event.AgentID) || !rule.matchesKind(event.Kind) || !rule.matchesTags(event.Tags) {
			continue
		}
		if e.rng.Float64() >= rule.Probability {
			continue
		}

		cooldown := rule.Cooldown
		if cooldown == 0 {
			cooldown = e.defaultCooldown
		}
		fired, err := e.store.ReactionFiredSince(ctx, event.AgentID, rule.Target, rule.Type, e.now().Add(-cooldown))
		if err != nil {
			return enqueued, fmt.Errorf("cooldown check for %s/%s: %w", rule.Target, rule.Type, err)
		}
		if fired {
			e.log.Debug().
				Str("source", event.AgentID).
				Str("target", rule.Target).
				Str("type", rule.Type).
				Msg("reaction suppressed by cooldown")
			continue
		}

		reaction := &models.Reaction{
			ID:      uuid.NewString(),
			Source:  event.AgentID,
			Target:  rule.Target,
			Type:    rule.Type,
			EventID: event.ID,
			Title:   fmt.Sprintf("%s: %s", rule.Type, event.Title),
			Summary: event.Summary,
			Tags:    event.Tags,
			Status:  models.ReactionQueued,
		}
		if err := e.store.InsertReaction(ctx, reaction); err != nil {
			return enqueued, fmt.Errorf("enqueueing reaction: %w", err)
		}
		enqueued++
		e.log.Info().
			Str("source", event.AgentID).
			Str("target", rule.Target).
			Str("type", rule.Type).
			Int64("event", event.ID).
			Msg("reaction enqueued")
	}
	return enqueued, nil
}
