package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// Inbox delivers inter-persona messages.
type Inbox interface {
	Send(ctx context.Context, from, to, subject, body string) error
}

// DroidStore creates and inspects droid agent sessions.
type DroidStore interface {
	InsertAgentSession(ctx context.Context, as *models.AgentSession) error
	GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error)
}

// Registry exposes the sandbox as the tool surface agent sessions call into.
type Registry struct {
	sandbox *Sandbox
	inbox   Inbox
	droids  DroidStore
}

func NewRegistry(sb *Sandbox, inbox Inbox, droids DroidStore) *Registry {
	return &Registry{sandbox: sb, inbox: inbox, droids: droids}
}

// Schemas returns the tool declarations sent with every agent session call.
func (r *Registry) Schemas() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "run_command",
			Description: "Run a shell command inside the shared workspace. Output is capped; long commands are killed at the timeout.",
			Parameters: objectSchema(map[string]any{
				"command": map[string]any{"type": "string", "description": "shell command to run"},
			}, "command"),
		},
		{
			Name:        "read_file",
			Description: "Read a file from the shared workspace by relative path.",
			Parameters: objectSchema(map[string]any{
				"path": map[string]any{"type": "string"},
			}, "path"),
		},
		{
			Name:        "write_file",
			Description: "Write a file in the shared workspace. Writes outside your allowed prefixes are rejected.",
			Parameters: objectSchema(map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			}, "path", "content"),
		},
		{
			Name:        "fetch_url",
			Description: "Fetch the body of an HTTP(S) URL, capped.",
			Parameters: objectSchema(map[string]any{
				"url": map[string]any{"type": "string"},
			}, "url"),
		},
		{
			Name:        "web_search",
			Description: "Search the web and return raw result text.",
			Parameters: objectSchema(map[string]any{
				"query": map[string]any{"type": "string"},
			}, "query"),
		},
		{
			Name:        "send_inbox",
			Description: "Send a message to another persona's inbox.",
			Parameters: objectSchema(map[string]any{
				"to":      map[string]any{"type": "string"},
				"subject": map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string"},
			}, "to", "subject", "body"),
		},
		{
			Name:        "spawn_droid",
			Description: "Spawn an autonomous sub-agent with its own prompt and private workspace. Returns the droid session id.",
			Parameters: objectSchema(map[string]any{
				"name":   map[string]any{"type": "string", "description": "short droid name"},
				"prompt": map[string]any{"type": "string"},
			}, "name", "prompt"),
		},
		{
			Name:        "check_droid",
			Description: "Check a previously spawned droid's status and result.",
			Parameters: objectSchema(map[string]any{
				"session_id": map[string]any{"type": "string"},
			}, "session_id"),
		},
	}
}

// Invoke dispatches one tool call for the identity. Handler failures come
// back as errors; the agent loop records them and shows them to the model.
func (r *Registry) Invoke(ctx context.Context, id Identity, call llm.ToolCall) (string, error) {
	var args map[string]string
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("parsing arguments for %s: %w", call.Name, err)
		}
	}

	switch call.Name {
	case "run_command":
		result, err := r.sandbox.RunCommand(ctx, id, args["command"])
		if err != nil {
			return "", err
		}
		return marshalResult(result)

	case "read_file":
		content, truncated, err := r.sandbox.ReadFile(ctx, args["path"])
		if err != nil {
			return "", err
		}
		return marshalResult(map[string]any{"content": content, "truncated": truncated})

	case "write_file":
		if err := r.sandbox.WriteFile(ctx, id, args["path"], []byte(args["content"])); err != nil {
			return "", err
		}
		return marshalResult(map[string]any{"written": args["path"]})

	case "fetch_url":
		body, truncated, err := r.sandbox.FetchURL(ctx, args["url"])
		if err != nil {
			return "", err
		}
		return marshalResult(map[string]any{"body": body, "truncated": truncated})

	case "web_search":
		query := args["query"]
		if query == "" {
			return "", fmt.Errorf("empty query")
		}
		body, truncated, err := r.sandbox.FetchURL(ctx, "https://html.duckduckgo.com/html/?q="+url.QueryEscape(query))
		if err != nil {
			return "", err
		}
		return marshalResult(map[string]any{"results": body, "truncated": truncated})

	case "send_inbox":
		if id.Droid != "" {
			return "", fmt.Errorf("droids may not send inbox messages")
		}
		if err := r.inbox.Send(ctx, id.Persona, args["to"], args["subject"], args["body"]); err != nil {
			return "", err
		}
		return marshalResult(map[string]any{"sent": true})

	case "spawn_droid":
		// Droids stay one level deep.
		if id.Droid != "" {
			return "", fmt.Errorf("droids may not spawn droids")
		}
		name, prompt := args["name"], args["prompt"]
		if name == "" || prompt == "" {
			return "", fmt.Errorf("spawn_droid needs name and prompt")
		}
		session := &models.AgentSession{
			ID:      uuid.NewString(),
			Persona: id.Persona,
			Droid:   name,
			Prompt:  prompt,
		}
		if err := r.droids.InsertAgentSession(ctx, session); err != nil {
			return "", err
		}
		return marshalResult(map[string]any{"session_id": session.ID})

	case "check_droid":
		session, err := r.droids.GetAgentSession(ctx, args["session_id"])
		if err != nil {
			return "", err
		}
		if session.Persona != id.Persona || session.Droid == "" {
			return "", fmt.Errorf("session %s is not your droid", args["session_id"])
		}
		return marshalResult(map[string]any{
			"status": session.Status,
			"rounds": session.Rounds,
			"result": json.RawMessage(orNull(session.Result)),
			"error":  session.Error,
		})

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func marshalResult(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding tool result: %w", err)
	}
	return string(out), nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
