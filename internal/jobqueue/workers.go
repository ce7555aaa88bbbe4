package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/internal/sandbox"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// WorkerStore is the slice of the job store the queue workers need.
type WorkerStore interface {
	GetSession(ctx context.Context, id string) (*models.RoundtableSession, error)
	ListTurns(ctx context.Context, sessionID string) ([]*models.RoundtableTurn, error)
	GetEvent(ctx context.Context, id int64) (*models.Event, error)
}

// Distiller extracts memories and drift from a completed transcript.
type Distiller interface {
	Distill(ctx context.Context, sess *models.RoundtableSession, turns []*models.RoundtableTurn) error
}

// Evaluator matches one event against the reaction ruleset.
type Evaluator interface {
	Evaluate(ctx context.Context, event *models.Event) (int, error)
}

// ArtifactWriter persists synthesized artifacts to the sandbox.
type ArtifactWriter interface {
	WriteFile(ctx context.Context, id sandbox.Identity, rel string, content []byte) error
}

// EventEmitter announces artifact synthesis so the reaction rules can see it.
type EventEmitter interface {
	Emit(ctx context.Context, agentID, kind, title, summary string, tags []string, metadata json.RawMessage) (int64, error)
}

// Deps carries everything the workers need.
type Deps struct {
	Store     WorkerStore
	Distiller Distiller
	Evaluator Evaluator
	Client    llm.Client
	Writer    ArtifactWriter
	Emitter   EventEmitter

	// ArtifactPersona owns synthesized artifacts and must hold a write
	// prefix covering ArtifactDir.
	ArtifactPersona string
	ArtifactDir     string
}

type distillWorker struct {
	river.WorkerDefaults[DistillArgs]
	deps Deps
	log  zerolog.Logger
}

func newDistillWorker(deps Deps, log zerolog.Logger) *distillWorker {
	return &distillWorker{deps: deps, log: log.With().Str("component", "distill_worker").Logger()}
}

func (w *distillWorker) Work(ctx context.Context, job *river.Job[DistillArgs]) error {
	sess, err := w.deps.Store.GetSession(ctx, job.Args.SessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionCompleted {
		w.log.Warn().Str("session", sess.ID).Str("status", string(sess.Status)).Msg("skipping distillation of non-completed session")
		return nil
	}
	turns, err := w.deps.Store.ListTurns(ctx, sess.ID)
	if err != nil {
		return err
	}
	return w.deps.Distiller.Distill(ctx, sess, turns)
}

type reactionEvalWorker struct {
	river.WorkerDefaults[ReactionEvalArgs]
	deps Deps
	log  zerolog.Logger
}

func newReactionEvalWorker(deps Deps, log zerolog.Logger) *reactionEvalWorker {
	return &reactionEvalWorker{deps: deps, log: log.With().Str("component", "reaction_worker").Logger()}
}

func (w *reactionEvalWorker) Work(ctx context.Context, job *river.Job[ReactionEvalArgs]) error {
	event, err := w.deps.Store.GetEvent(ctx, job.Args.EventID)
	if err != nil {
		return err
	}
	_, err = w.deps.Evaluator.Evaluate(ctx, event)
	return err
}

type artifactWorker struct {
	river.WorkerDefaults[ArtifactArgs]
	deps Deps
	log  zerolog.Logger
}

func newArtifactWorker(deps Deps, log zerolog.Logger) *artifactWorker {
	return &artifactWorker{deps: deps, log: log.With().Str("component", "artifact_worker").Logger()}
}

// Work synthesizes a markdown artifact from the transcript and files it in
// the archive under the artifact persona's identity.
func (w *artifactWorker) Work(ctx context.Context, job *river.Job[ArtifactArgs]) error {
	sess, err := w.deps.Store.GetSession(ctx, job.Args.SessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionCompleted {
		return nil
	}
	turns, err := w.deps.Store.ListTurns(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	var transcript strings.Builder
	for _, t := range turns {
		transcript.WriteString(t.Persona)
		transcript.WriteString(": ")
		transcript.WriteString(t.Content)
		transcript.WriteString("\n")
	}

	resp, err := w.deps.Client.Complete(ctx, llm.Request{
		System: "You write concise internal documents from meeting transcripts. Respond with the document only, in markdown.",
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("Write a short document capturing the conclusions of this %s about %q:\n\n%s",
				sess.Format, sess.Topic, transcript.String()),
		}},
		Temperature: 0.3,
	})
	if err != nil {
		return fmt.Errorf("synthesizing artifact: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return fmt.Errorf("empty artifact for session %s", sess.ID)
	}

	path := fmt.Sprintf("%s/%s-%s.md", strings.TrimSuffix(w.deps.ArtifactDir, "/"), sess.Format, sess.ID)
	identity := sandbox.Identity{Persona: w.deps.ArtifactPersona}
	if err := w.deps.Writer.WriteFile(ctx, identity, path, []byte(resp.Text)); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}

	metadata, _ := json.Marshal(map[string]any{"session_id": sess.ID, "path": path})
	if _, err := w.deps.Emitter.Emit(ctx, w.deps.ArtifactPersona, "artifact_synthesized",
		fmt.Sprintf("artifact from %s: %s", sess.Format, sess.Topic),
		resp.Text[:min(len(resp.Text), 280)],
		append([]string{string(sess.Format)}, "artifact"), metadata); err != nil {
		w.log.Error().Err(err).Str("session", sess.ID).Msg("artifact event emission failed")
	}

	w.log.Info().Str("session", sess.ID).Str("path", path).Msg("artifact synthesized")
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
