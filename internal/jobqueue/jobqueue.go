// Package jobqueue is the River-backed fire-and-forget lane. Event emission,
// post-session distillation, and artifact synthesis run here so their latency
// and failures never land on the emitting caller's critical path.
package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog"
)

// DistillArgs triggers memory and relationship extraction for one completed
// session.
type DistillArgs struct {
	SessionID string `json:"session_id"`
}

func (DistillArgs) Kind() string { return "session_distill" }

// ReactionEvalArgs triggers rule evaluation for one emitted event.
type ReactionEvalArgs struct {
	EventID int64 `json:"event_id"`
}

func (ReactionEvalArgs) Kind() string { return "reaction_eval" }

// ArtifactArgs triggers artifact synthesis for one completed session.
type ArtifactArgs struct {
	SessionID string `json:"session_id"`
}

func (ArtifactArgs) Kind() string { return "artifact_synth" }

// maxQueueWorkers bounds concurrent job execution; all three kinds share the
// default queue.
const maxQueueWorkers = 4

// Queue wraps the River client.
type Queue struct {
	client *river.Client[pgx.Tx]
	log    zerolog.Logger
}

// New builds the queue with its workers registered. Call Start to begin
// processing.
func New(pool *pgxpool.Pool, deps Deps, log zerolog.Logger) (*Queue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, newDistillWorker(deps, log))
	river.AddWorker(workers, newReactionEvalWorker(deps, log))
	river.AddWorker(workers, newArtifactWorker(deps, log))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxQueueWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}

	return &Queue{
		client: client,
		log:    log.With().Str("component", "jobqueue").Logger(),
	}, nil
}

// Start begins processing queued jobs.
func (q *Queue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop drains in-flight jobs and stops the workers.
func (q *Queue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// EnqueueDistill schedules distillation for a completed session.
func (q *Queue) EnqueueDistill(ctx context.Context, sessionID string) error {
	_, err := q.client.Insert(ctx, DistillArgs{SessionID: sessionID}, nil)
	if err != nil {
		return fmt.Errorf("queueing distill job: %w", err)
	}
	return nil
}

// EnqueueArtifact schedules artifact synthesis for a completed session.
func (q *Queue) EnqueueArtifact(ctx context.Context, sessionID string) error {
	_, err := q.client.Insert(ctx, ArtifactArgs{SessionID: sessionID}, nil)
	if err != nil {
		return fmt.Errorf("queueing artifact job: %w", err)
	}
	return nil
}

// EnqueueReactionEval schedules rule evaluation for an emitted event.
func (q *Queue) EnqueueReactionEval(ctx context.Context, eventID int64) error {
	_, err := q.client.Insert(ctx, ReactionEvalArgs{EventID: eventID}, nil)
	if err != nil {
		return fmt.Errorf("queueing reaction eval job: %w", err)
	}
	return nil
}
