package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/internal/gate"
	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/internal/persona"
	"github.com/subculture-collective/subcult-corp-sub002/internal/sandbox"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// stepPayload is the loosely typed payload carried on mission steps. Authors
// fill whichever fields their step kind reads.
type stepPayload struct {
	Title   string   `json:"title,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Note    string   `json:"note,omitempty"`
	Prompt  string   `json:"prompt,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

func decodePayload(raw json.RawMessage) stepPayload {
	var p stepPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func (p stepPayload) brief() string {
	for _, s := range []string{p.Prompt, p.Note, p.Summary, p.Title} {
		if s != "" {
			return s
		}
	}
	return ""
}

// StepProcessor executes claimed mission steps by kind. Every path ends in
// CompleteStep or FailStep.
type StepProcessor struct {
	store   Store
	client  llm.Client
	emitter Emitter
	writer  FileWriter
	agent   AgentRunner
	cfg     Config
	log     zerolog.Logger
}

func NewStepProcessor(cfg Config, st Store, client llm.Client, emitter Emitter, writer FileWriter, agent AgentRunner, log zerolog.Logger) *StepProcessor {
	if cfg.MemoryRecall == 0 {
		cfg.MemoryRecall = 10
	}
	return &StepProcessor{
		store:   st,
		client:  client,
		emitter: emitter,
		writer:  writer,
		agent:   agent,
		cfg:     cfg,
		log:     log.With().Str("component", "steps").Logger(),
	}
}

func (p *StepProcessor) process(ctx context.Context, step *models.MissionStep) {
	log := p.log.With().Str("step", step.ID).Str("kind", string(step.Kind)).Str("persona", step.Persona).Logger()

	result, err := p.run(ctx, step)
	if err != nil {
		log.Error().Err(err).Msg("step failed")
		if ferr := p.store.FailStep(ctx, step.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("recording step failure failed")
		}
		return
	}
	if err := p.store.CompleteStep(ctx, step.ID, result); err != nil {
		log.Error().Err(err).Msg("recording step success failed")
		return
	}
	log.Info().Msg("step completed")
}

func (p *StepProcessor) run(ctx context.Context, step *models.MissionStep) (json.RawMessage, error) {
	payload := decodePayload(step.Payload)

	switch step.Kind {
	case models.StepLogEvent:
		return p.runLogEvent(ctx, step, payload)
	case models.StepDraftPost:
		return p.runDraftPost(ctx, step, payload)
	case models.StepResearch:
		return p.runResearch(ctx, step, payload)
	case models.StepSynthesize:
		return p.runSynthesize(ctx, step, payload)
	case models.StepSandboxTask:
		return p.runSandboxTask(ctx, step, payload)
	default:
		return nil, fmt.Errorf("unsupported step kind %q", step.Kind)
	}
}

func (p *StepProcessor) runLogEvent(ctx context.Context, step *models.MissionStep, payload stepPayload) (json.RawMessage, error) {
	title := payload.Title
	if title == "" {
		title = payload.brief()
	}
	if title == "" {
		return nil, fmt.Errorf("log_event step has no title")
	}
	id, err := p.emitter.Emit(ctx, step.Persona, "log", title, payload.Summary, payload.Tags, step.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int64{"event_id": id})
}

func (p *StepProcessor) runDraftPost(ctx context.Context, step *models.MissionStep, payload stepPayload) (json.RawMessage, error) {
	spec, _ := persona.Get(step.Persona)
	resp, err := p.client.Complete(ctx, llm.Request{
		System: spec.Directive + "\nWrite publishable content. Respond with the post body only.",
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Draft a post about: " + payload.brief(),
		}},
		Temperature: 0.8,
	})
	if err != nil {
		return nil, fmt.Errorf("drafting post: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, fmt.Errorf("empty draft")
	}

	prefixes := persona.WritePrefixes(step.Persona)
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("persona %q has no write prefix", step.Persona)
	}
	path := prefixes[0] + "drafts/" + step.ID + ".md"
	if err := p.writer.WriteFile(ctx, sandbox.Identity{Persona: step.Persona}, path, []byte(text)); err != nil {
		return nil, err
	}

	metadata, _ := json.Marshal(map[string]any{"step_id": step.ID, "path": path, "usage": resp.Usage})
	if _, err := p.emitter.Emit(ctx, step.Persona, "draft_published",
		firstLine(text), summarize(text), append(payload.Tags, "draft"), metadata); err != nil {
		p.log.Error().Err(err).Str("step", step.ID).Msg("draft event emission failed")
	}
	return json.Marshal(map[string]any{"path": path, "chars": len(text)})
}

func (p *StepProcessor) runResearch(ctx context.Context, step *models.MissionStep, payload stepPayload) (json.RawMessage, error) {
	memories, err := p.store.RecentMemories(ctx, step.Persona, p.cfg.MemoryRecall)
	if err != nil {
		return nil, err
	}
	var known strings.Builder
	for _, m := range memories {
		known.WriteString("- [")
		known.WriteString(string(m.Type))
		known.WriteString("] ")
		known.WriteString(m.Content)
		known.WriteString("\n")
	}

	spec, _ := persona.Get(step.Persona)
	resp, err := p.client.Complete(ctx, llm.Request{
		System: spec.Directive + "\nYou are researching a question for the collective. Ground your answer in what you already know and state open questions explicitly.",
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("Research task: %s\n\nWhat you already know:\n%s\nRespond with your findings as short prose.",
				payload.brief(), known.String()),
		}},
		Temperature: 0.5,
	})
	if err != nil {
		return nil, fmt.Errorf("research call: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("empty research findings")
	}
	return json.Marshal(map[string]string{"findings": strings.TrimSpace(resp.Text)})
}

// runSynthesize combines the results of the step's dependencies into one
// document.
func (p *StepProcessor) runSynthesize(ctx context.Context, step *models.MissionStep, payload stepPayload) (json.RawMessage, error) {
	siblings, err := p.store.ListMissionSteps(ctx, step.MissionID)
	if err != nil {
		return nil, err
	}
	depSet := map[string]bool{}
	for _, id := range step.DependsOn {
		depSet[id] = true
	}

	var inputs strings.Builder
	for _, sib := range siblings {
		if !depSet[sib.ID] || len(sib.Result) == 0 {
			continue
		}
		inputs.WriteString(fmt.Sprintf("Result of %s step:\n%s\n\n", sib.Kind, string(sib.Result)))
	}
	if inputs.Len() == 0 {
		inputs.WriteString("(no upstream results)\n")
	}

	spec, _ := persona.Get(step.Persona)
	resp, err := p.client.Complete(ctx, llm.Request{
		System: spec.Directive + "\nSynthesize the inputs into one coherent conclusion. Respond with the synthesis only.",
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Task: %s\n\nInputs:\n%s", payload.brief(), inputs.String()),
		}},
		Temperature: 0.4,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis call: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("empty synthesis")
	}
	return json.Marshal(map[string]string{"synthesis": strings.TrimSpace(resp.Text)})
}

// runSandboxTask spawns an agent session for the step and runs it inline. The
// step's outcome mirrors the session's.
func (p *StepProcessor) runSandboxTask(ctx context.Context, step *models.MissionStep, payload stepPayload) (json.RawMessage, error) {
	prompt := payload.brief()
	if prompt == "" {
		return nil, fmt.Errorf("sandbox_task step has no prompt")
	}

	session := &models.AgentSession{
		ID:      uuid.NewString(),
		Persona: step.Persona,
		Prompt:  prompt,
	}
	if err := p.store.InsertAgentSession(ctx, session); err != nil {
		return nil, err
	}
	claimed, err := p.store.ClaimAgentSessionByID(ctx, session.ID, p.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming spawned session: %w", err)
	}
	if err := p.agent.Run(ctx, claimed); err != nil {
		return nil, fmt.Errorf("agent session %s: %w", session.ID, err)
	}

	final, err := p.store.GetAgentSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if final.Status != models.AgentSessionSucceed {
		return nil, fmt.Errorf("agent session %s ended %s: %s", final.ID, final.Status, final.Error)
	}
	return json.Marshal(map[string]any{
		"agent_session_id": final.ID,
		"rounds":           final.Rounds,
		"result":           final.Result,
	})
}

// processInitiative prompts the persona with its recent memories to draft a
// proposal and submits it through the gate. A gate rejection still completes
// the entry; only infrastructure failures mark it failed.
func (w *Worker) processInitiative(ctx context.Context, entry *models.InitiativeEntry) {
	log := w.log.With().Str("initiative", entry.ID).Str("persona", entry.Persona).Logger()

	status := models.InitiativeCompleted
	if err := w.runInitiative(ctx, entry); err != nil {
		if !isRejection(err) {
			log.Error().Err(err).Msg("initiative failed")
			status = models.InitiativeFailed
		} else {
			log.Info().Err(err).Msg("initiative proposal rejected")
		}
	}
	if err := w.store.FinalizeInitiative(ctx, entry.ID, status); err != nil {
		log.Error().Err(err).Msg("finalizing initiative failed")
	}
}

type initiativeProposal struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Steps       []struct {
		Kind string `json:"kind"`
		Note string `json:"note"`
	} `json:"steps"`
}

func (w *Worker) runInitiative(ctx context.Context, entry *models.InitiativeEntry) error {
	memories, err := w.store.RecentMemories(ctx, entry.Persona, w.cfg.MemoryRecall)
	if err != nil {
		return err
	}
	var recall strings.Builder
	for _, m := range memories {
		recall.WriteString("- [")
		recall.WriteString(string(m.Type))
		recall.WriteString("] ")
		recall.WriteString(m.Content)
		recall.WriteString("\n")
	}

	spec, ok := persona.Get(entry.Persona)
	if !ok {
		return fmt.Errorf("unknown persona %q", entry.Persona)
	}
	resp, err := w.steps.client.Complete(ctx, llm.Request{
		System: spec.Directive + `
Propose one concrete piece of work for the collective. Respond with exactly one JSON object:
{"title": "...", "description": "...", "steps": [{"kind": "...", "note": "..."}]}
where kind is one of log_event, draft_post, research, sandbox_task, synthesize.`,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("Context: %s\n\nYour recent memories:\n%s\nWhat should you work on next?",
				entry.Context, recall.String()),
		}},
		Temperature: 0.7,
	})
	if err != nil {
		return fmt.Errorf("initiative call: %w", err)
	}

	var proposal initiativeProposal
	if err := llm.ParseStructured(resp.Text, &proposal); err != nil {
		return fmt.Errorf("parsing initiative proposal: %w", err)
	}

	steps := make([]models.ProposalStep, 0, len(proposal.Steps))
	for _, s := range proposal.Steps {
		payload, _ := json.Marshal(map[string]string{"note": s.Note})
		steps = append(steps, models.ProposalStep{Kind: models.StepKind(s.Kind), Payload: payload})
	}

	_, err = w.gate.Submit(ctx, gate.Submission{
		Persona:     entry.Persona,
		Title:       proposal.Title,
		Description: proposal.Description,
		Steps:       steps,
		Source:      models.SourceInitiative,
	})
	return err
}

func isRejection(err error) bool {
	return errors.Is(err, gate.ErrRejected)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.TrimLeft(s, "# "))
}

func summarize(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > 280 {
		return string(runes[:280])
	}
	return string(runes)
}
