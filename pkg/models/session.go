package models

import (
	"encoding/json"
	"time"
)

// SessionFormat identifies a conversation style. Each format carries its own
// turn bounds and coordinator; see the roundtable package's format table.
type SessionFormat string

const (
	FormatStandup     SessionFormat = "standup"
	FormatDebate      SessionFormat = "debate"
	FormatWatercooler SessionFormat = "watercooler"
	FormatRetro       SessionFormat = "retro"
)

// SessionStatus tracks a roundtable session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// RoundtableSession is one scheduled multi-persona conversation.
type RoundtableSession struct {
	ID           string        `json:"id"`
	Format       SessionFormat `json:"format"`
	Topic        string        `json:"topic"`
	Participants []string      `json:"participants"`
	Status       SessionStatus `json:"status"`
	TurnCount    int           `json:"turn_count"`
	AbortReason  string        `json:"abort_reason,omitempty"`
	ScheduledAt  time.Time     `json:"scheduled_at"`
	ClaimedBy    string        `json:"claimed_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// RoundtableTurn is one utterance. Turns are append-only and never mutated
// after insertion.
type RoundtableTurn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Index     int       `json:"index"`
	Persona   string    `json:"persona"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentSessionStatus tracks a tool-using LLM run.
type AgentSessionStatus string

const (
	AgentSessionPending  AgentSessionStatus = "pending"
	AgentSessionRunning  AgentSessionStatus = "running"
	AgentSessionSucceed  AgentSessionStatus = "succeeded"
	AgentSessionFailed   AgentSessionStatus = "failed"
	AgentSessionTimedOut AgentSessionStatus = "timed_out"
)

// ToolCallRecord captures one tool invocation made during an agent session.
type ToolCallRecord struct {
	Round  int             `json:"round"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// AgentSession is a general tool-using LLM run, used for sandbox_task mission
// steps and autonomous droid sub-agents.
type AgentSession struct {
	ID        string             `json:"id"`
	Persona   string             `json:"persona"`
	Droid     string             `json:"droid,omitempty"`
	Prompt    string             `json:"prompt"`
	Status    AgentSessionStatus `json:"status"`
	Rounds    int                `json:"rounds"`
	ToolCalls []ToolCallRecord   `json:"tool_calls,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	ClaimedBy string             `json:"claimed_by,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// InitiativeStatus tracks an initiative queue entry.
type InitiativeStatus string

const (
	InitiativePending    InitiativeStatus = "pending"
	InitiativeProcessing InitiativeStatus = "processing"
	InitiativeCompleted  InitiativeStatus = "completed"
	InitiativeFailed     InitiativeStatus = "failed"
)

// InitiativeEntry schedules a persona to generate a proposal from its own
// recent memories.
type InitiativeEntry struct {
	ID          string           `json:"id"`
	Persona     string           `json:"persona"`
	Context     string           `json:"context,omitempty"`
	Status      InitiativeStatus `json:"status"`
	ScheduledAt time.Time        `json:"scheduled_at"`
	ClaimedBy   string           `json:"claimed_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
