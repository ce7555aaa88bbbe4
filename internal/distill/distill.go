// Package distill extracts durable memories, relationship drift, and action
// items from completed roundtable transcripts. It runs on the job queue's
// fire-and-forget lane after session finalization.
package distill

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/internal/gate"
	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/internal/roundtable"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// Store is the slice of the job store the distiller needs.
type Store interface {
	InsertMemory(ctx context.Context, m *models.AgentMemory) (bool, error)
	EnforceMemoryCap(ctx context.Context, persona string, cap int) (int, error)
	ApplyDrift(ctx context.Context, personaA, personaB string, delta float64, reason string, logCap int) (*models.AgentRelationship, error)
}

// Submitter routes extracted action items into the proposal gate.
type Submitter interface {
	Submit(ctx context.Context, sub gate.Submission) (*gate.Result, error)
}

// Config bounds what the distiller accepts from the model.
type Config struct {
	MinConfidence   float64
	MemoryMaxLength int
	MemoryCap       int
	DriftLogCap     int
	Model           string
}

// extraction is the structured output shape requested from the model.
type extraction struct {
	Memories []extractedMemory `json:"memories"`
	Drifts   []extractedDrift  `json:"drifts"`
	Actions  []extractedAction `json:"action_items"`
}

type extractedMemory struct {
	Author     string   `json:"author"`
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}

type extractedDrift struct {
	PersonaA string  `json:"persona_a"`
	PersonaB string  `json:"persona_b"`
	Delta    float64 `json:"delta"`
	Reason   string  `json:"reason"`
}

type extractedAction struct {
	Persona     string          `json:"persona"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Steps       []extractedStep `json:"steps"`
}

type extractedStep struct {
	Kind string `json:"kind"`
	Note string `json:"note"`
}

// Distiller turns one transcript into memories, drift, and proposals.
type Distiller struct {
	store  Store
	client llm.Client
	gate   Submitter
	routes *llm.RouteCache
	cfg    Config
	log    zerolog.Logger
}

// New builds a distiller. routes may be nil; cfg.Model is the fallback.
func New(store Store, client llm.Client, g Submitter, routes *llm.RouteCache, cfg Config, log zerolog.Logger) *Distiller {
	return &Distiller{
		store:  store,
		client: client,
		gate:   g,
		routes: routes,
		cfg:    cfg,
		log:    log.With().Str("component", "distill").Logger(),
	}
}

func (d *Distiller) model() string {
	if d.routes != nil {
		if ladder := d.routes.Get("distill"); len(ladder) > 0 {
			return ladder[0]
		}
	}
	return d.cfg.Model
}

// Distill processes one completed session. Invalid extracted items are logged
// and skipped; the deterministic trace IDs make a re-run after a partial
// failure idempotent for everything already written.
func (d *Distiller) Distill(ctx context.Context, sess *models.RoundtableSession, turns []*models.RoundtableTurn) error {
	if len(turns) == 0 {
		return nil
	}
	log := d.log.With().Str("session", sess.ID).Logger()

	resp, err := d.client.Complete(ctx, llm.Request{
		Model:       d.model(),
		System:      extractionSystem,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: d.buildPrompt(sess, turns)}},
		Temperature: 0.2,
	})
	if err != nil {
		return fmt.Errorf("distillation call: %w", err)
	}

	var ext extraction
	if err := llm.ParseStructured(resp.Text, &ext); err != nil {
		return fmt.Errorf("parsing distillation output: %w", err)
	}

	participants := map[string]bool{}
	for _, p := range sess.Participants {
		participants[p] = true
	}

	ordinals := map[string]int{}
	written := 0
	for _, m := range ext.Memories {
		ordinal := ordinals[m.Author]
		ordinals[m.Author]++

		if err := d.validateMemory(m, participants); err != nil {
			log.Warn().Str("author", m.Author).Err(err).Msg("memory skipped")
			continue
		}
		memory := &models.AgentMemory{
			ID:         uuid.NewString(),
			Persona:    m.Author,
			Type:       models.MemoryType(m.Type),
			Content:    m.Content,
			Confidence: m.Confidence,
			Tags:       m.Tags,
			TraceID:    traceID(sess.ID, m.Author, ordinal),
		}
		inserted, err := d.store.InsertMemory(ctx, memory)
		if err != nil {
			return fmt.Errorf("writing memory: %w", err)
		}
		if !inserted {
			continue
		}
		written++
		if _, err := d.store.EnforceMemoryCap(ctx, m.Author, d.cfg.MemoryCap); err != nil {
			return fmt.Errorf("enforcing memory cap: %w", err)
		}
	}

	applied := 0
	for _, dr := range ext.Drifts {
		if err := validateDrift(dr, participants); err != nil {
			log.Warn().Err(err).Msg("drift skipped")
			continue
		}
		if _, err := d.store.ApplyDrift(ctx, dr.PersonaA, dr.PersonaB, dr.Delta, dr.Reason, d.cfg.DriftLogCap); err != nil {
			return fmt.Errorf("applying drift: %w", err)
		}
		applied++
	}

	submitted := 0
	if roundtable.SupportsActionItems(sess.Format) {
		submitted = d.submitActions(ctx, sess, ext.Actions, participants, log)
	}

	log.Info().
		Int("memories", written).
		Int("drifts", applied).
		Int("actions", submitted).
		Msg("session distilled")
	return nil
}

func (d *Distiller) validateMemory(m extractedMemory, participants map[string]bool) error {
	if !participants[m.Author] {
		return fmt.Errorf("author %q did not participate", m.Author)
	}
	if !models.KnownMemoryType(models.MemoryType(m.Type)) {
		return fmt.Errorf("unknown memory type %q", m.Type)
	}
	if m.Confidence < d.cfg.MinConfidence || m.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range", m.Confidence)
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return errors.New("empty content")
	}
	if len([]rune(content)) > d.cfg.MemoryMaxLength {
		return fmt.Errorf("content exceeds %d characters", d.cfg.MemoryMaxLength)
	}
	return nil
}

func validateDrift(dr extractedDrift, participants map[string]bool) error {
	if !participants[dr.PersonaA] || !participants[dr.PersonaB] {
		return fmt.Errorf("pair %s/%s did not both participate", dr.PersonaA, dr.PersonaB)
	}
	if dr.PersonaA == dr.PersonaB {
		return errors.New("self-directed drift")
	}
	if math.Abs(dr.Delta) > models.AffinityMaxDelta {
		return fmt.Errorf("delta %.3f exceeds bound", dr.Delta)
	}
	return nil
}

func (d *Distiller) submitActions(ctx context.Context, sess *models.RoundtableSession, actions []extractedAction, participants map[string]bool, log zerolog.Logger) int {
	submitted := 0
	for _, a := range actions {
		if !participants[a.Persona] {
			log.Warn().Str("persona", a.Persona).Msg("action item owner did not participate")
			continue
		}
		steps := make([]models.ProposalStep, 0, len(a.Steps))
		valid := true
		for _, s := range a.Steps {
			kind := models.StepKind(s.Kind)
			if !models.KnownStepKind(kind) {
				log.Warn().Str("kind", s.Kind).Msg("action item step kind unknown")
				valid = false
				break
			}
			payload, _ := json.Marshal(map[string]string{"note": s.Note, "session_id": sess.ID})
			steps = append(steps, models.ProposalStep{Kind: kind, Payload: payload})
		}
		if !valid || len(steps) == 0 {
			continue
		}

		_, err := d.gate.Submit(ctx, gate.Submission{
			Persona:     a.Persona,
			Title:       a.Title,
			Description: a.Description,
			Steps:       steps,
			Source:      models.SourceConversation,
		})
		if err != nil {
			if errors.Is(err, gate.ErrRejected) {
				log.Info().Str("persona", a.Persona).Err(err).Msg("action item rejected")
			} else {
				log.Error().Str("persona", a.Persona).Err(err).Msg("action item submission failed")
			}
			continue
		}
		submitted++
	}
	return submitted
}

// traceID derives the deterministic dedup key for one extracted memory.
func traceID(sessionID, author string, ordinal int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d", sessionID, author, ordinal)))
	return hex.EncodeToString(sum[:])
}

const extractionSystem = `You distill team conversations into structured records. Respond with a single JSON object and nothing else.`

func (d *Distiller) buildPrompt(sess *models.RoundtableSession, turns []*models.RoundtableTurn) string {
	var b strings.Builder
	b.WriteString("Transcript of a ")
	b.WriteString(string(sess.Format))
	b.WriteString(" conversation about: ")
	b.WriteString(sess.Topic)
	b.WriteString("\nParticipants: ")
	b.WriteString(strings.Join(sess.Participants, ", "))
	b.WriteString("\n\n")
	for _, t := range turns {
		b.WriteString(t.Persona)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString(`
Extract:
1. "memories": durable facts each participant should remember. Fields: author (speaker name), type (one of insight, pattern, strategy, preference, lesson), content (one sentence, under ` + fmt.Sprint(d.cfg.MemoryMaxLength) + ` characters), confidence (0 to 1), tags (short keywords).
2. "drifts": relationship shifts between pairs of participants. Fields: persona_a, persona_b, delta (between -0.03 and 0.03), reason (one short phrase).
3. "action_items": concrete follow-up work someone committed to. Fields: persona (owner), title, description, steps (list of {kind, note} where kind is one of log_event, draft_post, research, sandbox_task, synthesize).

Only include items clearly supported by the transcript. Empty lists are fine.
Respond with exactly one JSON object: {"memories": [...], "drifts": [...], "action_items": [...]}`)
	return b.String()
}
