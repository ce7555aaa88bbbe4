package roundtable

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/internal/logging"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

type fakeStore struct {
	turns       []*models.RoundtableTurn
	finalStatus models.SessionStatus
	finalReason string
	finalized   bool
	appendErr   error
	affinityErr error
	affinities  map[string]float64
}

func (f *fakeStore) AppendTurn(ctx context.Context, turn *models.RoundtableTurn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeStore) FinalizeSession(ctx context.Context, id string, status models.SessionStatus, abortReason string) error {
	f.finalized = true
	f.finalStatus = status
	f.finalReason = abortReason
	return nil
}

func (f *fakeStore) AffinityMap(ctx context.Context, personas []string) (map[string]float64, error) {
	if f.affinityErr != nil {
		return nil, f.affinityErr
	}
	return f.affinities, nil
}

type fakeQueue struct {
	distilled []string
	artifacts []string
}

func (f *fakeQueue) EnqueueDistill(ctx context.Context, sessionID string) error {
	f.distilled = append(f.distilled, sessionID)
	return nil
}

func (f *fakeQueue) EnqueueArtifact(ctx context.Context, sessionID string) error {
	f.artifacts = append(f.artifacts, sessionID)
	return nil
}

// scriptedClient returns canned responses in order, then repeats the last one.
type scriptedClient struct {
	calls     int
	responses []func() (*llm.Response, error)
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i]()
}

func talkingClient() *scriptedClient {
	n := 0
	return &scriptedClient{responses: []func() (*llm.Response, error){
		func() (*llm.Response, error) {
			n++
			return &llm.Response{Text: fmt.Sprintf("Point number %d about the topic.", n)}, nil
		},
	}}
}

func session(format models.SessionFormat) *models.RoundtableSession {
	return &models.RoundtableSession{
		ID:           "sess-1",
		Format:       format,
		Topic:        "the autumn zine",
		Participants: []string{"nova", "jet", "mara"},
		Status:       models.SessionRunning,
	}
}

func newTestOrchestrator(st *fakeStore, client llm.Client, q *fakeQueue) *Orchestrator {
	return New(st, client, q, 512, logging.Nop(), rand.New(rand.NewSource(42)))
}

func TestRunCompletesSession(t *testing.T) {
	st := &fakeStore{}
	q := &fakeQueue{}
	o := newTestOrchestrator(st, talkingClient(), q)

	sess := session(models.FormatWatercooler)
	o.Run(context.Background(), sess)

	require.True(t, st.finalized)
	assert.Equal(t, models.SessionCompleted, st.finalStatus)
	assert.Empty(t, st.finalReason)
	assert.GreaterOrEqual(t, len(st.turns), 3)
	assert.LessOrEqual(t, len(st.turns), 6)

	for i, turn := range st.turns {
		assert.Equal(t, i, turn.Index)
		assert.Equal(t, "sess-1", turn.SessionID)
	}

	assert.Equal(t, []string{"sess-1"}, q.distilled)
	assert.Empty(t, q.artifacts) // watercooler synthesizes nothing
}

func TestRunEnqueuesArtifactForArtifactFormats(t *testing.T) {
	st := &fakeStore{}
	q := &fakeQueue{}
	o := newTestOrchestrator(st, talkingClient(), q)

	o.Run(context.Background(), session(models.FormatRetro))

	assert.Equal(t, models.SessionCompleted, st.finalStatus)
	assert.Equal(t, []string{"sess-1"}, q.distilled)
	assert.Equal(t, []string{"sess-1"}, q.artifacts)
}

func TestRunFirstSpeakerIsCoordinator(t *testing.T) {
	st := &fakeStore{}
	o := newTestOrchestrator(st, talkingClient(), &fakeQueue{})

	sess := session(models.FormatRetro)
	sess.Participants = []string{"nova", "jet", "vex"}
	o.Run(context.Background(), sess)

	require.NotEmpty(t, st.turns)
	assert.Equal(t, "vex", st.turns[0].Persona, "retro opens with its coordinator")
}

func TestRunCallFailureBeforeThreeTurnsFails(t *testing.T) {
	st := &fakeStore{}
	q := &fakeQueue{}
	client := &scriptedClient{responses: []func() (*llm.Response, error){
		func() (*llm.Response, error) { return nil, errors.New("all models failed") },
	}}
	o := newTestOrchestrator(st, client, q)

	o.Run(context.Background(), session(models.FormatWatercooler))

	assert.Equal(t, models.SessionFailed, st.finalStatus)
	assert.Contains(t, st.finalReason, "call failed")
	assert.Empty(t, q.distilled)
	assert.Empty(t, q.artifacts)
}

func TestRunCallFailureAfterThreeTurnsCompletes(t *testing.T) {
	st := &fakeStore{}
	q := &fakeQueue{}
	ok := func() (*llm.Response, error) { return &llm.Response{Text: "A solid argument."}, nil }
	client := &scriptedClient{responses: []func() (*llm.Response, error){
		ok, ok, ok, ok,
		func() (*llm.Response, error) { return nil, errors.New("provider down") },
	}}
	o := newTestOrchestrator(st, client, q)

	o.Run(context.Background(), session(models.FormatDebate))

	assert.Equal(t, models.SessionCompleted, st.finalStatus)
	assert.Contains(t, st.finalReason, "call failed")
	assert.Equal(t, 4, len(st.turns))
	assert.Equal(t, []string{"sess-1"}, q.distilled)
}

func TestRunAbortsAfterRepeatedEmptyTurns(t *testing.T) {
	st := &fakeStore{}
	client := &scriptedClient{responses: []func() (*llm.Response, error){
		func() (*llm.Response, error) { return &llm.Response{Text: "  ** ** "}, nil },
	}}
	o := newTestOrchestrator(st, client, &fakeQueue{})

	o.Run(context.Background(), session(models.FormatWatercooler))

	assert.Equal(t, models.SessionFailed, st.finalStatus)
	assert.Equal(t, "repeated empty turns", st.finalReason)
	assert.Empty(t, st.turns)
	assert.Equal(t, maxEmptySkips, client.calls)
}

func TestRunRejectsBadSessions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.RoundtableSession)
		reason string
	}{
		{
			name:   "unknown format",
			mutate: func(s *models.RoundtableSession) { s.Format = "slam-poetry" },
			reason: "unknown format",
		},
		{
			name:   "single participant",
			mutate: func(s *models.RoundtableSession) { s.Participants = []string{"nova"} },
			reason: "at least two participants",
		},
		{
			name:   "unknown participant",
			mutate: func(s *models.RoundtableSession) { s.Participants = []string{"nova", "zorp"} },
			reason: "unknown participant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStore{}
			client := talkingClient()
			o := newTestOrchestrator(st, client, &fakeQueue{})

			sess := session(models.FormatWatercooler)
			tt.mutate(sess)
			o.Run(context.Background(), sess)

			assert.Equal(t, models.SessionFailed, st.finalStatus)
			assert.Contains(t, st.finalReason, tt.reason)
			assert.Zero(t, client.calls)
		})
	}
}

func TestRunPersistFailureAborts(t *testing.T) {
	st := &fakeStore{appendErr: errors.New("connection lost")}
	o := newTestOrchestrator(st, talkingClient(), &fakeQueue{})

	o.Run(context.Background(), session(models.FormatWatercooler))

	assert.Equal(t, models.SessionFailed, st.finalStatus)
	assert.Contains(t, st.finalReason, "persist failed")
}

func TestRunSurvivesAffinityLoadFailure(t *testing.T) {
	st := &fakeStore{affinityErr: errors.New("table missing")}
	o := newTestOrchestrator(st, talkingClient(), &fakeQueue{})

	o.Run(context.Background(), session(models.FormatWatercooler))

	assert.Equal(t, models.SessionCompleted, st.finalStatus)
}
