package roundtable

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/internal/persona"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// maxEmptySkips bounds consecutive empty-output turns before the session is
// aborted. An empty turn does not consume a slot from the budget.
const maxEmptySkips = 3

// Store is the slice of the job store the orchestrator needs.
type Store interface {
	AppendTurn(ctx context.Context, turn *models.RoundtableTurn) error
	FinalizeSession(ctx context.Context, id string, status models.SessionStatus, abortReason string) error
	AffinityMap(ctx context.Context, personas []string) (map[string]float64, error)
}

// Queue is the fire-and-forget lane for downstream work after completion.
type Queue interface {
	EnqueueDistill(ctx context.Context, sessionID string) error
	EnqueueArtifact(ctx context.Context, sessionID string) error
}

// Orchestrator drives one claimed roundtable session to a terminal status.
type Orchestrator struct {
	store     Store
	client    llm.Client
	queue     Queue
	log       zerolog.Logger
	rng       *rand.Rand
	maxTokens int
	toolHints []string
}

// New builds an orchestrator. rng may be seeded deterministically in tests;
// pass nil for the default source.
func New(store Store, client llm.Client, queue Queue, maxTokens int, log zerolog.Logger, rng *rand.Rand) *Orchestrator {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Orchestrator{
		store:     store,
		client:    client,
		queue:     queue,
		log:       log.With().Str("component", "roundtable").Logger(),
		rng:       rng,
		maxTokens: maxTokens,
	}
}

// SetToolHints advertises available tool descriptions inside prompts.
func (o *Orchestrator) SetToolHints(hints []string) {
	o.toolHints = hints
}

// Run executes the session. Every exit path writes a terminal status; errors
// are recorded on the session rather than returned, so the poll loop never
// sees a unit stuck running.
func (o *Orchestrator) Run(ctx context.Context, sess *models.RoundtableSession) {
	log := o.log.With().Str("session", sess.ID).Str("format", string(sess.Format)).Logger()

	format, ok := FormatFor(sess.Format)
	if !ok {
		o.finalize(ctx, sess, 0, fmt.Sprintf("unknown format %q", sess.Format))
		return
	}
	if len(sess.Participants) < 2 {
		o.finalize(ctx, sess, 0, "needs at least two participants")
		return
	}
	for _, p := range sess.Participants {
		if !persona.Exists(p) {
			o.finalize(ctx, sess, 0, fmt.Sprintf("unknown participant %q", p))
			return
		}
	}

	// The turn budget is drawn once per session from the format's bounds.
	budget := format.MinTurns + o.rng.Intn(format.MaxTurns-format.MinTurns+1)

	affMap, err := o.store.AffinityMap(ctx, sess.Participants)
	if err != nil {
		log.Warn().Err(err).Msg("affinity load failed, using defaults")
		affMap = map[string]float64{}
	}
	aff := Affinities(affMap)

	var (
		transcript  []*models.RoundtableTurn
		turnCounts  = map[string]int{}
		lastSpeaker string
		abortReason string
		emptySkips  int
	)

	for len(transcript) < budget {
		if ctx.Err() != nil {
			abortReason = "session deadline exceeded"
			break
		}

		speaker := pickSpeaker(o.rng, sess.Participants, lastSpeaker, turnCounts, len(transcript), format.Coordinator, aff)
		tone := toneFor(o.rng, aff, speaker, lastSpeaker)
		spec, _ := persona.Get(speaker)

		prompt := o.buildPrompt(sess, format, transcript, tone, len(transcript) == budget-1)
		resp, err := o.client.Complete(ctx, llm.Request{
			System:      spec.Directive,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			Temperature: format.Temperature,
			MaxTokens:   o.maxTokens,
		})
		if err != nil {
			// A propagated call error aborts the remainder of the session.
			abortReason = fmt.Sprintf("turn %d call failed: %v", len(transcript), err)
			break
		}

		content := Sanitize(resp.Text)
		if content == "" {
			emptySkips++
			if emptySkips >= maxEmptySkips {
				abortReason = "repeated empty turns"
				break
			}
			continue
		}
		emptySkips = 0

		turn := &models.RoundtableTurn{
			SessionID: sess.ID,
			Index:     len(transcript),
			Persona:   speaker,
			Content:   content,
		}
		if err := o.store.AppendTurn(ctx, turn); err != nil {
			abortReason = fmt.Sprintf("turn %d persist failed: %v", turn.Index, err)
			break
		}

		transcript = append(transcript, turn)
		turnCounts[speaker]++
		lastSpeaker = speaker
	}

	completed := o.finalize(ctx, sess, len(transcript), abortReason)
	if !completed {
		return
	}

	// Downstream consumers run off the critical path; failures are logged,
	// never surfaced.
	if err := o.queue.EnqueueDistill(ctx, sess.ID); err != nil {
		log.Error().Err(err).Msg("distill enqueue failed")
	}
	if format.Artifact {
		if err := o.queue.EnqueueArtifact(ctx, sess.ID); err != nil {
			log.Error().Err(err).Msg("artifact enqueue failed")
		}
	}
}

// finalize writes the terminal status: completed when at least 3 turns were
// recorded (even after an abort), failed otherwise. Reports completion.
func (o *Orchestrator) finalize(ctx context.Context, sess *models.RoundtableSession, turns int, abortReason string) bool {
	status := models.SessionFailed
	if turns >= 3 {
		status = models.SessionCompleted
	}
	sess.Status = status
	sess.TurnCount = turns
	sess.AbortReason = abortReason

	if err := o.store.FinalizeSession(ctx, sess.ID, status, abortReason); err != nil {
		o.log.Error().Err(err).Str("session", sess.ID).Msg("finalize failed")
		return false
	}
	o.log.Info().
		Str("session", sess.ID).
		Str("status", string(status)).
		Int("turns", turns).
		Str("abort_reason", abortReason).
		Msg("session finalized")
	return status == models.SessionCompleted
}

func (o *Orchestrator) buildPrompt(sess *models.RoundtableSession, format Format, transcript []*models.RoundtableTurn, tone string, finalTurn bool) string {
	var b strings.Builder

	b.WriteString("Conversation format: ")
	b.WriteString(format.Purpose)
	b.WriteString("\nTopic: ")
	b.WriteString(sess.Topic)
	b.WriteString("\nParticipants: ")
	b.WriteString(strings.Join(sess.Participants, ", "))
	b.WriteString("\n\n")

	if len(transcript) == 0 {
		b.WriteString(format.Opener)
		b.WriteString("\n")
	} else {
		b.WriteString("Conversation so far:\n")
		for _, t := range transcript {
			b.WriteString(t.Persona)
			b.WriteString(": ")
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nTone for your reply: ")
	b.WriteString(tone)
	b.WriteString(".\n")

	if len(o.toolHints) > 0 {
		b.WriteString("Tools available to the collective (mention, don't invoke): ")
		b.WriteString(strings.Join(o.toolHints, "; "))
		b.WriteString("\n")
	}

	if finalTurn {
		b.WriteString("This is the final turn: land your point and close the conversation.\n")
	}

	b.WriteString("Reply with a single spoken utterance, at most three sentences. No links, no markup, no stage directions.")
	return b.String()
}
