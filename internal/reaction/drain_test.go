package reaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subculture-collective/subcult-corp-sub002/internal/gate"
	"github.com/subculture-collective/subcult-corp-sub002/internal/logging"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

type fakeDrainStore struct {
	claimed []*models.Reaction
	marked  map[string]models.ReactionStatus
}

func (f *fakeDrainStore) ClaimReactions(ctx context.Context, limit int) ([]*models.Reaction, error) {
	if limit < len(f.claimed) {
		return f.claimed[:limit], nil
	}
	return f.claimed, nil
}

func (f *fakeDrainStore) MarkReaction(ctx context.Context, id string, status models.ReactionStatus) error {
	if f.marked == nil {
		f.marked = map[string]models.ReactionStatus{}
	}
	f.marked[id] = status
	return nil
}

type fakeSubmitter struct {
	subs []gate.Submission
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, sub gate.Submission) (*gate.Result, error) {
	f.subs = append(f.subs, sub)
	if f.err != nil {
		return nil, f.err
	}
	return &gate.Result{}, nil
}

func queuedReaction(id, typ string) *models.Reaction {
	return &models.Reaction{
		ID: id, Source: "jet", Target: "mara", Type: typ,
		EventID: 9, Title: typ + ": something happened",
		Status: models.ReactionProcessing,
	}
}

func TestDrainPromotesBatch(t *testing.T) {
	st := &fakeDrainStore{claimed: []*models.Reaction{
		queuedReaction("r1", "critique"),
		queuedReaction("r2", "archive"),
	}}
	sub := &fakeSubmitter{}
	d := NewDrainer(st, sub, 5, logging.Nop())

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, models.ReactionCompleted, st.marked["r1"])
	assert.Equal(t, models.ReactionCompleted, st.marked["r2"])
	require.Len(t, sub.subs, 2)
	assert.Equal(t, "mara", sub.subs[0].Persona)
	assert.Equal(t, models.SourceReaction, sub.subs[0].Source)
}

func TestDrainGateRejectionStillCompletes(t *testing.T) {
	st := &fakeDrainStore{claimed: []*models.Reaction{queuedReaction("r1", "critique")}}
	sub := &fakeSubmitter{err: gate.ErrRejected}
	d := NewDrainer(st, sub, 5, logging.Nop())

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ReactionCompleted, st.marked["r1"])
}

func TestDrainInfraErrorFailsReaction(t *testing.T) {
	st := &fakeDrainStore{claimed: []*models.Reaction{queuedReaction("r1", "critique")}}
	sub := &fakeSubmitter{err: errors.New("database unreachable")}
	d := NewDrainer(st, sub, 5, logging.Nop())

	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ReactionFailed, st.marked["r1"])
}

func TestSubmissionForStepPlans(t *testing.T) {
	d := NewDrainer(&fakeDrainStore{}, &fakeSubmitter{}, 5, logging.Nop())

	tests := []struct {
		typ   string
		kinds []models.StepKind
	}{
		{"critique", []models.StepKind{models.StepResearch, models.StepSynthesize}},
		{"follow_up", []models.StepKind{models.StepResearch, models.StepSynthesize}},
		{"archive", []models.StepKind{models.StepLogEvent}},
		{"amplify", []models.StepKind{models.StepDraftPost}},
		{"build", []models.StepKind{models.StepResearch}},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			sub := d.submissionFor(queuedReaction("r1", tt.typ))

			require.Len(t, sub.Steps, len(tt.kinds))
			for i, kind := range tt.kinds {
				assert.Equal(t, kind, sub.Steps[i].Kind)
			}
			if len(sub.Steps) == 2 {
				assert.Equal(t, []int{0}, sub.Steps[1].DependsOn)
			}
		})
	}
}
