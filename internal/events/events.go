// Package events is the emission facade for domain events. An emitted event
// is durable in agent_events; reaction evaluation rides the job queue behind
// it and never blocks or fails the emitting caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// Store persists event rows.
type Store interface {
	InsertEvent(ctx context.Context, e *models.Event) (int64, error)
}

// Queue schedules reaction evaluation for an emitted event.
type Queue interface {
	EnqueueReactionEval(ctx context.Context, eventID int64) error
}

// Emitter writes events and fans them out to the reaction lane.
type Emitter struct {
	store Store
	queue Queue
	log   zerolog.Logger
}

func NewEmitter(store Store, log zerolog.Logger) *Emitter {
	return &Emitter{
		store: store,
		log:   log.With().Str("component", "events").Logger(),
	}
}

// SetQueue wires the job queue. The queue depends on workers that depend on
// the emitter, so it is attached after construction; until then events are
// stored without reaction evaluation.
func (e *Emitter) SetQueue(q Queue) {
	e.queue = q
}

// Emit stores the event and schedules reaction evaluation. The insert error
// propagates; a queue failure is logged only, so emission never breaks the
// caller's primary write path.
func (e *Emitter) Emit(ctx context.Context, agentID, kind, title, summary string, tags []string, metadata json.RawMessage) (int64, error) {
	event := &models.Event{
		AgentID:  agentID,
		Kind:     kind,
		Title:    title,
		Summary:  summary,
		Tags:     tags,
		Metadata: metadata,
	}
	id, err := e.store.InsertEvent(ctx, event)
	if err != nil {
		return 0, fmt.Errorf("emitting event: %w", err)
	}

	if e.queue == nil {
		e.log.Debug().Int64("event", id).Msg("no queue attached, reaction evaluation skipped")
		return id, nil
	}
	if err := e.queue.EnqueueReactionEval(ctx, id); err != nil {
		e.log.Error().Err(err).Int64("event", id).Msg("reaction evaluation enqueue failed")
	}
	return id, nil
}

// Send delivers an inter-persona inbox message as an event of kind "inbox".
// It satisfies the sandbox's Inbox tool surface.
func (e *Emitter) Send(ctx context.Context, from, to, subject, body string) error {
	metadata, err := json.Marshal(map[string]string{"to": to, "body": body})
	if err != nil {
		return fmt.Errorf("encoding inbox message: %w", err)
	}
	if _, err := e.Emit(ctx, from, "inbox", subject, body, []string{"inbox", to}, metadata); err != nil {
		return err
	}
	return nil
}
