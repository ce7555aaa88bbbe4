package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subculture-collective/subcult-corp-sub002/internal/logging"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

type fakeStore struct {
	proposalsToday int
	activeMissions int
	stepsToday     int
	draftsToday    int

	inserted []*models.Proposal
	approved []*models.Proposal
}

func (f *fakeStore) CountProposalsToday(ctx context.Context, persona string) (int, error) {
	return f.proposalsToday, nil
}

func (f *fakeStore) CountActiveMissions(ctx context.Context) (int, error) {
	return f.activeMissions, nil
}

func (f *fakeStore) CountStepsToday(ctx context.Context, persona string) (int, error) {
	return f.stepsToday, nil
}

func (f *fakeStore) CountDraftsToday(ctx context.Context) (int, error) {
	return f.draftsToday, nil
}

func (f *fakeStore) InsertProposal(ctx context.Context, p *models.Proposal) error {
	f.inserted = append(f.inserted, p)
	return nil
}

func (f *fakeStore) ApproveProposal(ctx context.Context, p *models.Proposal, autoApproved bool) (*models.Mission, error) {
	f.approved = append(f.approved, p)
	return &models.Mission{ID: "m-" + p.ID, Title: p.Title, Persona: p.Persona, Status: models.MissionApproved, ProposalID: p.ID}, nil
}

func defaultLimits() Limits {
	return Limits{DailyProposals: 10, ActiveMissions: 12, DailySteps: 40, DailyDrafts: 6}
}

func openPolicy() Policy {
	return Policy{
		AutoApprove: true,
		AllowKinds: []models.StepKind{
			models.StepLogEvent, models.StepDraftPost, models.StepResearch,
			models.StepSandboxTask, models.StepSynthesize,
		},
	}
}

func submission(steps ...models.ProposalStep) Submission {
	return Submission{
		Persona: "nova",
		Title:   "ship the autumn zine",
		Steps:   steps,
		Source:  models.SourceInitiative,
	}
}

func TestSubmitAutoApproves(t *testing.T) {
	st := &fakeStore{}
	g := New(st, defaultLimits(), openPolicy(), logging.Nop())

	res, err := g.Submit(context.Background(), submission(
		models.ProposalStep{Kind: models.StepResearch},
		models.ProposalStep{Kind: models.StepSynthesize, DependsOn: []int{0}},
	))
	require.NoError(t, err)
	require.NotNil(t, res.Mission)
	assert.Equal(t, models.MissionApproved, res.Mission.Status)
	require.Len(t, st.inserted, 1)
	assert.Equal(t, models.ProposalPending, st.inserted[0].Status)
	assert.Len(t, st.approved, 1)
}

func TestSubmitLeavesPendingWhenKindNotAllowed(t *testing.T) {
	st := &fakeStore{}
	policy := Policy{AutoApprove: true, AllowKinds: []models.StepKind{models.StepResearch}}
	g := New(st, defaultLimits(), policy, logging.Nop())

	res, err := g.Submit(context.Background(), submission(
		models.ProposalStep{Kind: models.StepSandboxTask},
	))
	require.NoError(t, err)
	assert.Nil(t, res.Mission)
	assert.NotNil(t, res.Proposal)
	assert.Empty(t, st.approved)
}

func TestSubmitLeavesPendingWhenAutoApproveOff(t *testing.T) {
	st := &fakeStore{}
	policy := openPolicy()
	policy.AutoApprove = false
	g := New(st, defaultLimits(), policy, logging.Nop())

	res, err := g.Submit(context.Background(), submission(models.ProposalStep{Kind: models.StepResearch}))
	require.NoError(t, err)
	assert.Nil(t, res.Mission)
	assert.Empty(t, st.approved)
}

func TestSubmitValidationRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Submission)
		reason string
	}{
		{
			name:   "unknown persona",
			mutate: func(s *Submission) { s.Persona = "zorp" },
			reason: "unknown persona",
		},
		{
			name:   "empty title",
			mutate: func(s *Submission) { s.Title = "" },
			reason: "empty title",
		},
		{
			name: "unknown step kind",
			mutate: func(s *Submission) {
				s.Steps = []models.ProposalStep{{Kind: "teleport"}}
			},
			reason: "unknown kind",
		},
		{
			name: "dependency out of range",
			mutate: func(s *Submission) {
				s.Steps = []models.ProposalStep{{Kind: models.StepResearch, DependsOn: []int{5}}}
			},
			reason: "invalid dependency",
		},
		{
			name: "self dependency",
			mutate: func(s *Submission) {
				s.Steps = []models.ProposalStep{{Kind: models.StepResearch, DependsOn: []int{0}}}
			},
			reason: "invalid dependency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStore{}
			g := New(st, defaultLimits(), openPolicy(), logging.Nop())

			sub := submission(models.ProposalStep{Kind: models.StepResearch})
			tt.mutate(&sub)

			_, err := g.Submit(context.Background(), sub)
			require.ErrorIs(t, err, ErrRejected)
			assert.Contains(t, err.Error(), tt.reason)
			// Validation failures never leave a row behind.
			assert.Empty(t, st.inserted)
		})
	}
}

func TestSubmitCapacityRejections(t *testing.T) {
	tests := []struct {
		name   string
		store  *fakeStore
		steps  []models.ProposalStep
		reason string
	}{
		{
			name:   "daily proposal ceiling",
			store:  &fakeStore{proposalsToday: 10},
			steps:  []models.ProposalStep{{Kind: models.StepResearch}},
			reason: "daily proposal limit reached (10/10)",
		},
		{
			name:   "active mission ceiling",
			store:  &fakeStore{activeMissions: 12},
			steps:  []models.ProposalStep{{Kind: models.StepResearch}},
			reason: "active mission limit",
		},
		{
			name:   "daily step ceiling",
			store:  &fakeStore{stepsToday: 39},
			steps:  []models.ProposalStep{{Kind: models.StepResearch}, {Kind: models.StepSynthesize}},
			reason: "daily step limit",
		},
		{
			name:   "daily draft ceiling",
			store:  &fakeStore{draftsToday: 6},
			steps:  []models.ProposalStep{{Kind: models.StepDraftPost}},
			reason: "daily draft limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.store, defaultLimits(), openPolicy(), logging.Nop())

			_, err := g.Submit(context.Background(), submission(tt.steps...))
			require.ErrorIs(t, err, ErrRejected)
			assert.Contains(t, err.Error(), tt.reason)
			// Rejections leave no row behind; the ceiling budget is untouched.
			assert.Empty(t, tt.store.inserted)
			assert.Empty(t, tt.store.approved)
		})
	}
}

func TestSubmitCeilingOrderIsStable(t *testing.T) {
	// Every ceiling tripped at once: the proposal ceiling must win.
	st := &fakeStore{proposalsToday: 10, activeMissions: 12, stepsToday: 40, draftsToday: 6}
	g := New(st, defaultLimits(), openPolicy(), logging.Nop())

	_, err := g.Submit(context.Background(), submission(models.ProposalStep{Kind: models.StepDraftPost}))
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "daily proposal limit")
}

func TestSubmitZeroStepProposalPassesGate(t *testing.T) {
	st := &fakeStore{}
	g := New(st, defaultLimits(), openPolicy(), logging.Nop())

	res, err := g.Submit(context.Background(), submission())
	require.NoError(t, err)
	require.NotNil(t, res.Mission) // store marks zero-step missions failed
}

func TestSubmitPropagatesStoreErrors(t *testing.T) {
	g := New(&errStore{}, defaultLimits(), openPolicy(), logging.Nop())

	_, err := g.Submit(context.Background(), submission(models.ProposalStep{Kind: models.StepResearch}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

type errStore struct{ fakeStore }

func (e *errStore) CountProposalsToday(ctx context.Context, persona string) (int, error) {
	return 0, errors.New("connection refused")
}
