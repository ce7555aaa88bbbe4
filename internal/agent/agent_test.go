package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/internal/logging"
	"github.com/subculture-collective/subcult-corp-sub002/internal/sandbox"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

type fakeAgentStore struct {
	status  models.AgentSessionStatus
	rounds  int
	records []models.ToolCallRecord
	result  json.RawMessage
	errMsg  string
}

func (f *fakeAgentStore) FinishAgentSession(ctx context.Context, id string, status models.AgentSessionStatus, rounds int, toolCalls []models.ToolCallRecord, result json.RawMessage, errMsg string) error {
	f.status = status
	f.rounds = rounds
	f.records = toolCalls
	f.result = result
	f.errMsg = errMsg
	return nil
}

type fakeTools struct {
	outputs map[string]string
	errs    map[string]error
	invoked []llm.ToolCall
	ids     []sandbox.Identity
}

func (f *fakeTools) Schemas() []llm.Tool {
	return []llm.Tool{{Name: "read_file"}, {Name: "write_file"}}
}

func (f *fakeTools) Invoke(ctx context.Context, id sandbox.Identity, call llm.ToolCall) (string, error) {
	f.invoked = append(f.invoked, call)
	f.ids = append(f.ids, id)
	if err, ok := f.errs[call.Name]; ok {
		return "", err
	}
	return f.outputs[call.Name], nil
}

type scriptedAgentClient struct {
	responses []func(req llm.Request) (*llm.Response, error)
	calls     int
	requests  []llm.Request
}

func (c *scriptedAgentClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.requests = append(c.requests, req)
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i](req)
}

func agentSession() *models.AgentSession {
	return &models.AgentSession{
		ID:      "as-1",
		Persona: "sable",
		Prompt:  "inspect the workspace and summarize",
		Status:  models.AgentSessionRunning,
	}
}

func TestRunImmediateFinalAnswer(t *testing.T) {
	st := &fakeAgentStore{}
	client := &scriptedAgentClient{responses: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: "nothing to do"}, nil
		},
	}}
	r := NewRunner(st, client, &fakeTools{}, 8, time.Minute, logging.Nop())

	require.NoError(t, r.Run(context.Background(), agentSession()))

	assert.Equal(t, models.AgentSessionSucceed, st.status)
	assert.Equal(t, 1, st.rounds)
	assert.JSONEq(t, `{"text": "nothing to do"}`, string(st.result))
	assert.Empty(t, st.records)
}

func TestRunToolLoopThenAnswer(t *testing.T) {
	st := &fakeAgentStore{}
	tools := &fakeTools{outputs: map[string]string{"read_file": `{"content": "hello"}`}}
	client := &scriptedAgentClient{responses: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{ToolCalls: []llm.ToolCall{{Name: "read_file", Arguments: `{"path": "notes/x.md"}`}}}, nil
		},
		func(req llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: "the file says hello"}, nil
		},
	}}
	r := NewRunner(st, client, tools, 8, time.Minute, logging.Nop())

	require.NoError(t, r.Run(context.Background(), agentSession()))

	assert.Equal(t, models.AgentSessionSucceed, st.status)
	assert.Equal(t, 2, st.rounds)
	require.Len(t, st.records, 1)
	assert.Equal(t, "read_file", st.records[0].Tool)
	assert.Equal(t, `{"content": "hello"}`, st.records[0].Output)
	assert.Empty(t, st.records[0].Error)

	// The tool result is fed back to the model on the next round.
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "[tool result for read_file]")
	assert.Contains(t, last.Content, "hello")
}

func TestRunToolErrorSurfacedToModel(t *testing.T) {
	st := &fakeAgentStore{}
	tools := &fakeTools{errs: map[string]error{"write_file": sandbox.ErrDenied}}
	client := &scriptedAgentClient{responses: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{ToolCalls: []llm.ToolCall{{Name: "write_file", Arguments: `{"path": "archive/x"}`}}}, nil
		},
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: "could not write there"}, nil
		},
	}}
	r := NewRunner(st, client, tools, 8, time.Minute, logging.Nop())

	require.NoError(t, r.Run(context.Background(), agentSession()))

	// A denied tool call is a model-visible error, not a session failure.
	assert.Equal(t, models.AgentSessionSucceed, st.status)
	require.Len(t, st.records, 1)
	assert.Contains(t, st.records[0].Error, "not permitted")

	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, `"error"`)
}

func TestRunRoundExhaustionFails(t *testing.T) {
	st := &fakeAgentStore{}
	tools := &fakeTools{outputs: map[string]string{"read_file": "{}"}}
	client := &scriptedAgentClient{responses: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{ToolCalls: []llm.ToolCall{{Name: "read_file", Arguments: "{}"}}}, nil
		},
	}}
	r := NewRunner(st, client, tools, 3, time.Minute, logging.Nop())

	require.NoError(t, r.Run(context.Background(), agentSession()))

	assert.Equal(t, models.AgentSessionFailed, st.status)
	assert.Equal(t, 3, st.rounds)
	assert.Contains(t, st.errMsg, "no final answer")
	assert.Len(t, st.records, 3)
}

func TestRunCompletionFailure(t *testing.T) {
	st := &fakeAgentStore{}
	client := &scriptedAgentClient{responses: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return nil, errors.New("all models failed")
		},
	}}
	r := NewRunner(st, client, &fakeTools{}, 8, time.Minute, logging.Nop())

	require.NoError(t, r.Run(context.Background(), agentSession()))

	assert.Equal(t, models.AgentSessionFailed, st.status)
	assert.Contains(t, st.errMsg, "completion failed")
}

func TestRunDeadlineMarksTimedOut(t *testing.T) {
	st := &fakeAgentStore{}
	client := &scriptedAgentClient{responses: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, context.DeadlineExceeded
		},
	}}
	r := NewRunner(st, client, &fakeTools{}, 8, 10*time.Millisecond, logging.Nop())

	require.NoError(t, r.Run(context.Background(), agentSession()))

	assert.Equal(t, models.AgentSessionTimedOut, st.status)
	assert.Equal(t, "session deadline exceeded", st.errMsg)
}

func TestRunDroidIdentityPassedToTools(t *testing.T) {
	st := &fakeAgentStore{}
	tools := &fakeTools{outputs: map[string]string{"read_file": "{}"}}
	client := &scriptedAgentClient{responses: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{ToolCalls: []llm.ToolCall{{Name: "read_file", Arguments: "{}"}}}, nil
		},
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: "done"}, nil
		},
	}}
	r := NewRunner(st, client, tools, 8, time.Minute, logging.Nop())

	sess := agentSession()
	sess.Droid = "crawler"
	require.NoError(t, r.Run(context.Background(), sess))

	require.Len(t, tools.ids, 1)
	assert.Equal(t, sandbox.Identity{Persona: "sable", Droid: "crawler"}, tools.ids[0])

	// Droid framing reaches the system prompt.
	assert.Contains(t, client.requests[0].System, "crawler")
}
