// Package worker is the claim scheduler: a poll loop that sweeps the job
// kinds in priority order, claims at most one unit per kind per sweep, and
// processes each claimed unit synchronously to a terminal status.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/internal/gate"
	"github.com/subculture-collective/subcult-corp-sub002/internal/sandbox"
	"github.com/subculture-collective/subcult-corp-sub002/internal/store"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// Store is the slice of the job store the poll loop needs.
type Store interface {
	ClaimStep(ctx context.Context, workerID string) (*models.MissionStep, error)
	CompleteStep(ctx context.Context, stepID string, result json.RawMessage) error
	FailStep(ctx context.Context, stepID string, errMsg string) error
	ListMissionSteps(ctx context.Context, missionID string) ([]*models.MissionStep, error)

	ClaimSession(ctx context.Context, workerID string) (*models.RoundtableSession, error)
	FinalizeSession(ctx context.Context, sessionID string, status models.SessionStatus, abortReason string) error

	ClaimInitiative(ctx context.Context, workerID string) (*models.InitiativeEntry, error)
	FinalizeInitiative(ctx context.Context, id string, status models.InitiativeStatus) error

	ClaimAgentSession(ctx context.Context, workerID string) (*models.AgentSession, error)
	InsertAgentSession(ctx context.Context, as *models.AgentSession) error
	ClaimAgentSessionByID(ctx context.Context, id, workerID string) (*models.AgentSession, error)
	GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error)
	FinishAgentSession(ctx context.Context, id string, status models.AgentSessionStatus, rounds int, toolCalls []models.ToolCallRecord, result json.RawMessage, errMsg string) error

	RecentMemories(ctx context.Context, persona string, limit int) ([]*models.AgentMemory, error)
}

// SessionRunner drives one claimed roundtable session.
type SessionRunner interface {
	Run(ctx context.Context, sess *models.RoundtableSession)
}

// AgentRunner drives one claimed agent session.
type AgentRunner interface {
	Run(ctx context.Context, session *models.AgentSession) error
}

// Drainer promotes queued reactions.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// Submitter routes proposals into the gate.
type Submitter interface {
	Submit(ctx context.Context, sub gate.Submission) (*gate.Result, error)
}

// Emitter announces domain events.
type Emitter interface {
	Emit(ctx context.Context, agentID, kind, title, summary string, tags []string, metadata json.RawMessage) (int64, error)
}

// FileWriter persists step outputs to the sandbox.
type FileWriter interface {
	WriteFile(ctx context.Context, id sandbox.Identity, rel string, content []byte) error
}

// Config tunes the poll loop.
type Config struct {
	ID           string
	PollInterval time.Duration
	MemoryRecall int
}

// Worker owns the poll loop and the per-kind processors.
type Worker struct {
	cfg     Config
	store   Store
	steps   *StepProcessor
	session SessionRunner
	agent   AgentRunner
	drainer Drainer
	gate    Submitter
	log     zerolog.Logger
}

func New(cfg Config, st Store, steps *StepProcessor, session SessionRunner, agent AgentRunner, drainer Drainer, g Submitter, log zerolog.Logger) *Worker {
	if cfg.MemoryRecall == 0 {
		cfg.MemoryRecall = 10
	}
	return &Worker{
		cfg:     cfg,
		store:   st,
		steps:   steps,
		session: session,
		agent:   agent,
		drainer: drainer,
		gate:    g,
		log:     log.With().Str("component", "worker").Str("worker_id", cfg.ID).Logger(),
	}
}

// Run sweeps until ctx is cancelled. Cancellation stops new claims; the unit
// in flight finishes on a detached context, bounded by the caller's grace
// window before the process exits.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Dur("poll_interval", w.cfg.PollInterval).Msg("worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info().Msg("worker stopping")
			return
		}
		if w.sweep(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// sweep tries each job kind once, in priority order. Reports whether any unit
// was processed.
func (w *Worker) sweep(ctx context.Context) bool {
	// The processing context survives shutdown so a claimed unit can still
	// reach a terminal status.
	procCtx := context.WithoutCancel(ctx)
	worked := false

	if step, err := w.store.ClaimStep(ctx, w.cfg.ID); err == nil {
		w.protect(procCtx, "step", step.ID, func() { w.steps.process(procCtx, step) },
			func(reason string) { _ = w.store.FailStep(procCtx, step.ID, reason) })
		worked = true
	} else if !errors.Is(err, store.ErrNoEligibleJob) {
		w.log.Error().Err(err).Msg("step claim failed")
	}

	if sess, err := w.store.ClaimSession(ctx, w.cfg.ID); err == nil {
		w.protect(procCtx, "session", sess.ID, func() { w.session.Run(procCtx, sess) },
			func(reason string) { _ = w.store.FinalizeSession(procCtx, sess.ID, models.SessionFailed, reason) })
		worked = true
	} else if !errors.Is(err, store.ErrNoEligibleJob) {
		w.log.Error().Err(err).Msg("session claim failed")
	}

	if entry, err := w.store.ClaimInitiative(ctx, w.cfg.ID); err == nil {
		w.protect(procCtx, "initiative", entry.ID, func() { w.processInitiative(procCtx, entry) },
			func(string) { _ = w.store.FinalizeInitiative(procCtx, entry.ID, models.InitiativeFailed) })
		worked = true
	} else if !errors.Is(err, store.ErrNoEligibleJob) {
		w.log.Error().Err(err).Msg("initiative claim failed")
	}

	if session, err := w.store.ClaimAgentSession(ctx, w.cfg.ID); err == nil {
		w.protect(procCtx, "agent_session", session.ID, func() { _ = w.agent.Run(procCtx, session) },
			func(reason string) {
				_ = w.store.FinishAgentSession(procCtx, session.ID, models.AgentSessionFailed,
					session.Rounds, session.ToolCalls, nil, reason)
			})
		worked = true
	} else if !errors.Is(err, store.ErrNoEligibleJob) {
		w.log.Error().Err(err).Msg("agent session claim failed")
	}

	if n, err := w.drainer.Drain(ctx); err == nil {
		w.log.Debug().Int("drained", n).Msg("reactions drained")
		worked = true
	} else if !errors.Is(err, store.ErrNoEligibleJob) {
		w.log.Error().Err(err).Msg("reaction drain failed")
	}

	return worked
}

// protect runs one processing unit with panic recovery. onPanic, when set,
// writes the unit's terminal failure so it cannot stay running forever.
func (w *Worker) protect(ctx context.Context, kind, id string, fn func(), onPanic func(reason string)) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("kind", kind).Str("id", id).Any("panic", r).Msg("processing panicked")
			if onPanic != nil {
				onPanic(fmt.Sprintf("panic: %v", r))
			}
		}
	}()
	fn()
}
