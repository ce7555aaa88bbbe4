// Package agent runs claimed tool-using LLM sessions: mission sandbox_task
// steps and autonomous droid sub-agents share the same bounded loop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/internal/persona"
	"github.com/subculture-collective/subcult-corp-sub002/internal/sandbox"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// Store is the slice of the job store the runner needs.
type Store interface {
	FinishAgentSession(ctx context.Context, id string, status models.AgentSessionStatus, rounds int, toolCalls []models.ToolCallRecord, result json.RawMessage, errMsg string) error
}

// Tools is the sandbox tool surface.
type Tools interface {
	Schemas() []llm.Tool
	Invoke(ctx context.Context, id sandbox.Identity, call llm.ToolCall) (string, error)
}

// Runner drives one agent session to a terminal status.
type Runner struct {
	store     Store
	client    llm.Client
	tools     Tools
	maxRounds int
	timeout   time.Duration
	log       zerolog.Logger
}

func NewRunner(store Store, client llm.Client, tools Tools, maxRounds int, timeout time.Duration, log zerolog.Logger) *Runner {
	return &Runner{
		store:     store,
		client:    client,
		tools:     tools,
		maxRounds: maxRounds,
		timeout:   timeout,
		log:       log.With().Str("component", "agent").Logger(),
	}
}

// Run executes the tool loop. Every exit path writes a terminal status on the
// session row; the returned error is for the caller's log only.
func (r *Runner) Run(ctx context.Context, session *models.AgentSession) error {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	log := r.log.With().Str("session", session.ID).Str("persona", session.Persona).Logger()
	identity := sandbox.Identity{Persona: session.Persona, Droid: session.Droid}

	messages := []llm.Message{{Role: llm.RoleUser, Content: session.Prompt}}
	var records []models.ToolCallRecord

	finish := func(status models.AgentSessionStatus, rounds int, result json.RawMessage, errMsg string) error {
		if err := r.store.FinishAgentSession(ctx, session.ID, status, rounds, records, result, errMsg); err != nil {
			log.Error().Err(err).Msg("finishing agent session failed")
			return err
		}
		log.Info().Str("status", string(status)).Int("rounds", rounds).Int("tool_calls", len(records)).Msg("agent session finished")
		return nil
	}

	for round := 0; round < r.maxRounds; round++ {
		resp, err := r.client.Complete(runCtx, llm.Request{
			System:      r.systemFor(session),
			Messages:    messages,
			Temperature: 0.4,
			Tools:       r.tools.Schemas(),
		})
		if err != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return finish(models.AgentSessionTimedOut, round, nil, "session deadline exceeded")
			}
			return finish(models.AgentSessionFailed, round, nil, fmt.Sprintf("completion failed: %v", err))
		}

		if len(resp.ToolCalls) == 0 {
			result, _ := json.Marshal(map[string]string{"text": resp.Text})
			return finish(models.AgentSessionSucceed, round+1, result, "")
		}

		if resp.Text != "" {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
		}
		for _, call := range resp.ToolCalls {
			record := models.ToolCallRecord{
				Round: round,
				Tool:  call.Name,
				Args:  json.RawMessage(call.Arguments),
			}
			output, err := r.tools.Invoke(runCtx, identity, call)
			if err != nil {
				if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
					records = append(records, record)
					return finish(models.AgentSessionTimedOut, round+1, nil, "session deadline exceeded")
				}
				record.Error = err.Error()
				output = fmt.Sprintf(`{"error": %q}`, err.Error())
			} else {
				record.Output = output
			}
			records = append(records, record)

			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf("[tool call] %s(%s)", call.Name, call.Arguments)},
				llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("[tool result for %s] %s", call.Name, output)},
			)
		}
	}

	return finish(models.AgentSessionFailed, r.maxRounds, nil, fmt.Sprintf("no final answer after %d rounds", r.maxRounds))
}

func (r *Runner) systemFor(session *models.AgentSession) string {
	spec, ok := persona.Get(session.Persona)
	directive := spec.Directive
	if !ok {
		directive = "You are an autonomous worker for the collective."
	}
	if session.Droid != "" {
		return fmt.Sprintf("%s\nYou are running as the sub-agent %q on behalf of %s. Work only inside your private workspace and finish with a concise text summary of what you did.",
			directive, session.Droid, session.Persona)
	}
	return directive + "\nUse the available tools to complete the task, then finish with a concise text summary of the outcome."
}
