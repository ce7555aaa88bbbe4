package reaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/internal/gate"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// DrainStore is the slice of the job store the drain step needs.
type DrainStore interface {
	ClaimReactions(ctx context.Context, limit int) ([]*models.Reaction, error)
	MarkReaction(ctx context.Context, id string, status models.ReactionStatus) error
}

// Submitter is the gate surface the drain promotes reactions through.
type Submitter interface {
	Submit(ctx context.Context, sub gate.Submission) (*gate.Result, error)
}

// Drainer promotes claimed reactions into proposals.
type Drainer struct {
	store DrainStore
	gate  Submitter
	batch int
	log   zerolog.Logger
}

func NewDrainer(store DrainStore, g Submitter, batch int, log zerolog.Logger) *Drainer {
	return &Drainer{
		store: store,
		gate:  g,
		batch: batch,
		log:   log.With().Str("component", "reaction_drain").Logger(),
	}
}

// Drain claims one batch and promotes each reaction through the gate. A gate
// rejection is a processed outcome, not a failure; only infrastructure errors
// mark the reaction failed. Returns the number of reactions drained.
func (d *Drainer) Drain(ctx context.Context) (int, error) {
	reactions, err := d.store.ClaimReactions(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	for _, r := range reactions {
		status := models.ReactionCompleted
		if _, err := d.gate.Submit(ctx, d.submissionFor(r)); err != nil {
			if errors.Is(err, gate.ErrRejected) {
				d.log.Info().Str("reaction", r.ID).Err(err).Msg("reaction promotion rejected")
			} else {
				d.log.Error().Str("reaction", r.ID).Err(err).Msg("reaction promotion failed")
				status = models.ReactionFailed
			}
		}
		if err := d.store.MarkReaction(ctx, r.ID, status); err != nil {
			return len(reactions), fmt.Errorf("marking reaction %s: %w", r.ID, err)
		}
	}
	return len(reactions), nil
}

// submissionFor plans the promoted proposal's steps from the reaction type.
// Plans stick to auto-approvable kinds so promotions flow without manual
// review under the default policy.
func (d *Drainer) submissionFor(r *models.Reaction) gate.Submission {
	payload, _ := json.Marshal(map[string]any{
		"reaction_id": r.ID,
		"event_id":    r.EventID,
		"type":        r.Type,
		"summary":     r.Summary,
	})

	var steps []models.ProposalStep
	switch r.Type {
	case "critique", "follow_up":
		steps = []models.ProposalStep{
			{Kind: models.StepResearch, Payload: payload},
			{Kind: models.StepSynthesize, Payload: payload, DependsOn: []int{0}},
		}
	case "archive":
		steps = []models.ProposalStep{
			{Kind: models.StepLogEvent, Payload: payload},
		}
	case "amplify":
		steps = []models.ProposalStep{
			{Kind: models.StepDraftPost, Payload: payload},
		}
	default:
		steps = []models.ProposalStep{
			{Kind: models.StepResearch, Payload: payload},
		}
	}

	return gate.Submission{
		Persona:     r.Target,
		Title:       r.Title,
		Description: fmt.Sprintf("reaction to event %d from %s", r.EventID, r.Source),
		Steps:       steps,
		Source:      models.SourceReaction,
	}
}
