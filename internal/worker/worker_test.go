package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subculture-collective/subcult-corp-sub002/internal/gate"
	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/internal/logging"
	"github.com/subculture-collective/subcult-corp-sub002/internal/sandbox"
	"github.com/subculture-collective/subcult-corp-sub002/internal/store"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// fakeJobStore returns each queued unit exactly once, then ErrNoEligibleJob.
type fakeJobStore struct {
	step       *models.MissionStep
	session    *models.RoundtableSession
	initiative *models.InitiativeEntry
	agentSess  *models.AgentSession

	completed         map[string]json.RawMessage
	failed            map[string]string
	finalized         map[string]models.InitiativeStatus
	finalizedSessions map[string]models.SessionStatus
	abortReasons      map[string]string
	memories          []*models.AgentMemory
	sessions          map[string]*models.AgentSession
	listSteps         []*models.MissionStep
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		completed:         map[string]json.RawMessage{},
		failed:            map[string]string{},
		finalized:         map[string]models.InitiativeStatus{},
		finalizedSessions: map[string]models.SessionStatus{},
		abortReasons:      map[string]string{},
		sessions:          map[string]*models.AgentSession{},
	}
}

func (f *fakeJobStore) ClaimStep(ctx context.Context, workerID string) (*models.MissionStep, error) {
	if f.step == nil {
		return nil, store.ErrNoEligibleJob
	}
	s := f.step
	f.step = nil
	return s, nil
}

func (f *fakeJobStore) CompleteStep(ctx context.Context, stepID string, result json.RawMessage) error {
	f.completed[stepID] = result
	return nil
}

func (f *fakeJobStore) FailStep(ctx context.Context, stepID string, errMsg string) error {
	f.failed[stepID] = errMsg
	return nil
}

func (f *fakeJobStore) ListMissionSteps(ctx context.Context, missionID string) ([]*models.MissionStep, error) {
	return f.listSteps, nil
}

func (f *fakeJobStore) ClaimSession(ctx context.Context, workerID string) (*models.RoundtableSession, error) {
	if f.session == nil {
		return nil, store.ErrNoEligibleJob
	}
	s := f.session
	f.session = nil
	return s, nil
}

func (f *fakeJobStore) FinalizeSession(ctx context.Context, sessionID string, status models.SessionStatus, abortReason string) error {
	f.finalizedSessions[sessionID] = status
	f.abortReasons[sessionID] = abortReason
	return nil
}

func (f *fakeJobStore) ClaimInitiative(ctx context.Context, workerID string) (*models.InitiativeEntry, error) {
	if f.initiative == nil {
		return nil, store.ErrNoEligibleJob
	}
	e := f.initiative
	f.initiative = nil
	return e, nil
}

func (f *fakeJobStore) FinalizeInitiative(ctx context.Context, id string, status models.InitiativeStatus) error {
	f.finalized[id] = status
	return nil
}

func (f *fakeJobStore) ClaimAgentSession(ctx context.Context, workerID string) (*models.AgentSession, error) {
	if f.agentSess == nil {
		return nil, store.ErrNoEligibleJob
	}
	s := f.agentSess
	f.agentSess = nil
	return s, nil
}

func (f *fakeJobStore) InsertAgentSession(ctx context.Context, as *models.AgentSession) error {
	as.Status = models.AgentSessionPending
	f.sessions[as.ID] = as
	return nil
}

func (f *fakeJobStore) ClaimAgentSessionByID(ctx context.Context, id, workerID string) (*models.AgentSession, error) {
	as, ok := f.sessions[id]
	if !ok || as.Status != models.AgentSessionPending {
		return nil, store.ErrNoEligibleJob
	}
	as.Status = models.AgentSessionRunning
	as.ClaimedBy = workerID
	return as, nil
}

func (f *fakeJobStore) FinishAgentSession(ctx context.Context, id string, status models.AgentSessionStatus, rounds int, toolCalls []models.ToolCallRecord, result json.RawMessage, errMsg string) error {
	as, ok := f.sessions[id]
	if !ok {
		as = &models.AgentSession{ID: id}
		f.sessions[id] = as
	}
	as.Status = status
	as.Rounds = rounds
	as.ToolCalls = toolCalls
	as.Result = result
	as.Error = errMsg
	return nil
}

func (f *fakeJobStore) GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error) {
	as, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return as, nil
}

func (f *fakeJobStore) RecentMemories(ctx context.Context, persona string, limit int) ([]*models.AgentMemory, error) {
	return f.memories, nil
}

type fakeEmitter struct {
	events []string
}

func (f *fakeEmitter) Emit(ctx context.Context, agentID, kind, title, summary string, tags []string, metadata json.RawMessage) (int64, error) {
	f.events = append(f.events, kind)
	return int64(len(f.events)), nil
}

type fakeWriter struct {
	paths map[string][]byte
}

func (f *fakeWriter) WriteFile(ctx context.Context, id sandbox.Identity, rel string, content []byte) error {
	if f.paths == nil {
		f.paths = map[string][]byte{}
	}
	f.paths[rel] = content
	return nil
}

type stubAgentRunner struct {
	status models.AgentSessionStatus
}

func (s *stubAgentRunner) Run(ctx context.Context, session *models.AgentSession) error {
	session.Status = s.status
	session.Rounds = 2
	session.Result = json.RawMessage(`{"text": "done"}`)
	return nil
}

type stubSessionRunner struct{ ran []string }

func (s *stubSessionRunner) Run(ctx context.Context, sess *models.RoundtableSession) {
	s.ran = append(s.ran, sess.ID)
}

type stubDrainer struct{ n int }

func (s *stubDrainer) Drain(ctx context.Context) (int, error) {
	if s.n == 0 {
		return 0, store.ErrNoEligibleJob
	}
	n := s.n
	s.n = 0
	return n, nil
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

type stubClient struct {
	text string
	err  error
}

func (c *stubClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Text: c.text}, nil
}

func newTestWorker(st *fakeJobStore, client llm.Client, g Submitter, sr SessionRunner, ar AgentRunner, dr Drainer, em Emitter, fw FileWriter) *Worker {
	cfg := Config{ID: "w-1", PollInterval: time.Millisecond}
	steps := NewStepProcessor(cfg, st, client, em, fw, ar, logging.Nop())
	return New(cfg, st, steps, sr, ar, dr, g, logging.Nop())
}

func TestSweepProcessesEachKindOnce(t *testing.T) {
	st := newFakeJobStore()
	st.step = &models.MissionStep{ID: "st-1", Kind: models.StepLogEvent, Persona: "nova",
		Payload: json.RawMessage(`{"title": "checkpoint"}`)}
	st.session = &models.RoundtableSession{ID: "rs-1"}
	st.initiative = &models.InitiativeEntry{ID: "in-1", Persona: "nova"}
	st.agentSess = &models.AgentSession{ID: "as-1", Persona: "sable", Status: models.AgentSessionRunning}

	sr := &stubSessionRunner{}
	ar := &stubAgentRunner{status: models.AgentSessionSucceed}
	dr := &stubDrainer{n: 2}
	em := &fakeEmitter{}
	sub := &fakeSubmitter{}
	client := &stubClient{text: `{"title": "do the thing", "description": "", "steps": [{"kind": "research", "note": "look"}]}`}

	w := newTestWorker(st, client, sub, sr, ar, dr, em, &fakeWriter{})

	worked := w.sweep(context.Background())
	assert.True(t, worked)

	assert.Contains(t, st.completed, "st-1")
	assert.Equal(t, []string{"rs-1"}, sr.ran)
	assert.Equal(t, models.InitiativeCompleted, st.finalized["in-1"])
	require.Len(t, sub.subs, 1)
	assert.Equal(t, models.SourceInitiative, sub.subs[0].Source)

	// Everything drained: the next sweep is idle.
	assert.False(t, w.sweep(context.Background()))
}

func TestSweepStepFailureIsRecorded(t *testing.T) {
	st := newFakeJobStore()
	st.step = &models.MissionStep{ID: "st-1", Kind: models.StepLogEvent, Persona: "nova"} // no title

	w := newTestWorker(st, &stubClient{}, &fakeSubmitter{}, &stubSessionRunner{}, &stubAgentRunner{}, &stubDrainer{}, &fakeEmitter{}, &fakeWriter{})
	w.sweep(context.Background())

	assert.NotContains(t, st.completed, "st-1")
	assert.Contains(t, st.failed["st-1"], "no title")
}

func TestSweepSessionPanicFinalizesSession(t *testing.T) {
	st := newFakeJobStore()
	st.session = &models.RoundtableSession{ID: "rs-1"}

	w := newTestWorker(st, &stubClient{}, &fakeSubmitter{}, &panickingRunner{}, &stubAgentRunner{}, &stubDrainer{}, &fakeEmitter{}, &fakeWriter{})

	assert.NotPanics(t, func() { w.sweep(context.Background()) })
	assert.Equal(t, models.SessionFailed, st.finalizedSessions["rs-1"])
	assert.Contains(t, st.abortReasons["rs-1"], "panic")
}

func TestSweepAgentPanicFinishesSession(t *testing.T) {
	st := newFakeJobStore()
	st.agentSess = &models.AgentSession{ID: "as-1", Persona: "sable", Status: models.AgentSessionRunning}
	st.sessions["as-1"] = st.agentSess

	w := newTestWorker(st, &stubClient{}, &fakeSubmitter{}, &stubSessionRunner{}, &panickingAgentRunner{}, &stubDrainer{}, &fakeEmitter{}, &fakeWriter{})

	assert.NotPanics(t, func() { w.sweep(context.Background()) })
	assert.Equal(t, models.AgentSessionFailed, st.sessions["as-1"].Status)
	assert.Contains(t, st.sessions["as-1"].Error, "panic")
}

type panickingRunner struct{}

func (panickingRunner) Run(ctx context.Context, sess *models.RoundtableSession) {
	panic("boom")
}

type panickingAgentRunner struct{}

func (panickingAgentRunner) Run(ctx context.Context, session *models.AgentSession) error {
	panic("boom")
}

func TestProcessInitiativeRejectionCompletes(t *testing.T) {
	st := newFakeJobStore()
	st.initiative = &models.InitiativeEntry{ID: "in-1", Persona: "nova"}
	sub := &fakeSubmitter{err: gate.ErrRejected}
	client := &stubClient{text: `{"title": "t", "steps": [{"kind": "research"}]}`}

	w := newTestWorker(st, client, sub, &stubSessionRunner{}, &stubAgentRunner{}, &stubDrainer{}, &fakeEmitter{}, &fakeWriter{})
	w.sweep(context.Background())

	assert.Equal(t, models.InitiativeCompleted, st.finalized["in-1"])
}

func TestProcessInitiativeInfraErrorFails(t *testing.T) {
	st := newFakeJobStore()
	st.initiative = &models.InitiativeEntry{ID: "in-1", Persona: "nova"}
	client := &stubClient{err: errors.New("provider down")}

	w := newTestWorker(st, client, &fakeSubmitter{}, &stubSessionRunner{}, &stubAgentRunner{}, &stubDrainer{}, &fakeEmitter{}, &fakeWriter{})
	w.sweep(context.Background())

	assert.Equal(t, models.InitiativeFailed, st.finalized["in-1"])
}

func TestRunStopsOnCancel(t *testing.T) {
	st := newFakeJobStore()
	w := newTestWorker(st, &stubClient{}, &fakeSubmitter{}, &stubSessionRunner{}, &stubAgentRunner{}, &stubDrainer{}, &fakeEmitter{}, &fakeWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
