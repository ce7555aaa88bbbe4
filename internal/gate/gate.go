// Package gate validates persona proposals, enforces capacity ceilings, and
// materializes approved proposals into missions. Every proposal pathway
// (reactions, initiative, conversation action items) funnels through Submit.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/internal/persona"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// ErrRejected marks a policy rejection. The reason is carried in the wrapped
// message.
var ErrRejected = errors.New("proposal rejected")

func reject(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

// Store is the slice of the job store the gate needs.
type Store interface {
	CountProposalsToday(ctx context.Context, persona string) (int, error)
	CountActiveMissions(ctx context.Context) (int, error)
	CountStepsToday(ctx context.Context, persona string) (int, error)
	CountDraftsToday(ctx context.Context) (int, error)
	InsertProposal(ctx context.Context, p *models.Proposal) error
	ApproveProposal(ctx context.Context, p *models.Proposal, autoApproved bool) (*models.Mission, error)
}

// Limits are the capacity ceilings, checked in declaration order.
type Limits struct {
	DailyProposals int
	ActiveMissions int
	DailySteps     int
	DailyDrafts    int
}

// Policy controls the auto-approval path. A proposal auto-approves only when
// the flag is set and every step kind is on the allow list.
type Policy struct {
	AutoApprove bool
	AllowKinds  []models.StepKind
}

func (p Policy) allows(kind models.StepKind) bool {
	for _, k := range p.AllowKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Submission is one proposal attempt.
type Submission struct {
	Persona     string
	Title       string
	Description string
	Steps       []models.ProposalStep
	Source      models.ProposalSource
}

// Result reports what the gate did with an accepted submission. Mission is
// nil when the proposal was left pending for manual approval.
type Result struct {
	Proposal *models.Proposal
	Mission  *models.Mission
}

// Gate applies validation, ceilings, and the auto-approval policy.
type Gate struct {
	store  Store
	limits Limits
	policy Policy
	log    zerolog.Logger
}

func New(store Store, limits Limits, policy Policy, log zerolog.Logger) *Gate {
	return &Gate{
		store:  store,
		limits: limits,
		policy: policy,
		log:    log.With().Str("component", "gate").Logger(),
	}
}

// Submit runs the ordered checks. Rejections, whether from validation or a
// capacity ceiling, leave no row behind; only accepted proposals are stored
// and, when policy allows, converted to a mission in the same call.
func (g *Gate) Submit(ctx context.Context, sub Submission) (*Result, error) {
	if err := g.validate(sub); err != nil {
		g.log.Info().Str("persona", sub.Persona).Str("title", sub.Title).Err(err).Msg("proposal rejected")
		return nil, err
	}

	if reason, err := g.checkCeilings(ctx, sub); err != nil {
		return nil, err
	} else if reason != "" {
		g.log.Info().Str("persona", sub.Persona).Str("title", sub.Title).Str("reason", reason).Msg("proposal rejected")
		return nil, reject(reason)
	}

	proposal := &models.Proposal{
		ID:          uuid.NewString(),
		Persona:     sub.Persona,
		Title:       sub.Title,
		Description: sub.Description,
		Steps:       sub.Steps,
		Source:      sub.Source,
		Status:      models.ProposalPending,
	}
	if err := g.store.InsertProposal(ctx, proposal); err != nil {
		return nil, fmt.Errorf("storing proposal: %w", err)
	}

	result := &Result{Proposal: proposal}
	if !g.autoApprovable(sub) {
		g.log.Info().Str("persona", sub.Persona).Str("proposal", proposal.ID).Msg("proposal pending manual approval")
		return result, nil
	}

	mission, err := g.store.ApproveProposal(ctx, proposal, true)
	if err != nil {
		return nil, fmt.Errorf("auto-approving proposal: %w", err)
	}
	result.Mission = mission
	g.log.Info().
		Str("persona", sub.Persona).
		Str("proposal", proposal.ID).
		Str("mission", mission.ID).
		Int("steps", len(sub.Steps)).
		Msg("proposal auto-approved")
	return result, nil
}

func (g *Gate) validate(sub Submission) error {
	if !persona.Exists(sub.Persona) {
		return reject(fmt.Sprintf("unknown persona %q", sub.Persona))
	}
	if sub.Title == "" {
		return reject("empty title")
	}
	for i, step := range sub.Steps {
		if !models.KnownStepKind(step.Kind) {
			return reject(fmt.Sprintf("step %d has unknown kind %q", i, step.Kind))
		}
		for _, dep := range step.DependsOn {
			if dep < 0 || dep >= len(sub.Steps) || dep == i {
				return reject(fmt.Sprintf("step %d has invalid dependency index %d", i, dep))
			}
		}
	}
	return nil
}

// checkCeilings returns a non-empty rejection reason when a ceiling would be
// exceeded. Checks run in a fixed order so the reported reason is stable.
func (g *Gate) checkCeilings(ctx context.Context, sub Submission) (string, error) {
	proposals, err := g.store.CountProposalsToday(ctx, sub.Persona)
	if err != nil {
		return "", fmt.Errorf("counting proposals: %w", err)
	}
	if proposals >= g.limits.DailyProposals {
		return fmt.Sprintf("daily proposal limit reached (%d/%d)", proposals, g.limits.DailyProposals), nil
	}

	missions, err := g.store.CountActiveMissions(ctx)
	if err != nil {
		return "", fmt.Errorf("counting missions: %w", err)
	}
	if missions >= g.limits.ActiveMissions {
		return fmt.Sprintf("active mission limit reached (%d/%d)", missions, g.limits.ActiveMissions), nil
	}

	steps, err := g.store.CountStepsToday(ctx, sub.Persona)
	if err != nil {
		return "", fmt.Errorf("counting steps: %w", err)
	}
	if steps+len(sub.Steps) > g.limits.DailySteps {
		return fmt.Sprintf("daily step limit would be exceeded (%d+%d/%d)", steps, len(sub.Steps), g.limits.DailySteps), nil
	}

	drafting := 0
	for _, step := range sub.Steps {
		if models.DraftingKind(step.Kind) {
			drafting++
		}
	}
	if drafting > 0 {
		drafts, err := g.store.CountDraftsToday(ctx)
		if err != nil {
			return "", fmt.Errorf("counting drafts: %w", err)
		}
		if drafts+drafting > g.limits.DailyDrafts {
			return fmt.Sprintf("daily draft limit would be exceeded (%d+%d/%d)", drafts, drafting, g.limits.DailyDrafts), nil
		}
	}
	return "", nil
}

func (g *Gate) autoApprovable(sub Submission) bool {
	if !g.policy.AutoApprove {
		return false
	}
	for _, step := range sub.Steps {
		if !g.policy.allows(step.Kind) {
			return false
		}
	}
	return true
}
