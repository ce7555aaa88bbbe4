// Package models contains the domain types shared across the orchestration
// core: missions and their steps, proposals, roundtable sessions, agent
// sessions, and the initiative queue. These map 1:1 onto the job store tables.
package models

import (
	"encoding/json"
	"time"
)

// MissionStatus tracks a mission through its lifecycle.
type MissionStatus string

const (
	MissionApproved  MissionStatus = "approved"
	MissionRunning   MissionStatus = "running"
	MissionSucceeded MissionStatus = "succeeded"
	MissionFailed    MissionStatus = "failed"
)

// StepStatus tracks a single mission step.
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// StepKind enumerates the supported unit-of-work types. Unknown kinds are
// rejected at proposal submission time.
type StepKind string

const (
	StepLogEvent    StepKind = "log_event"
	StepDraftPost   StepKind = "draft_post"
	StepResearch    StepKind = "research"
	StepSandboxTask StepKind = "sandbox_task"
	StepSynthesize  StepKind = "synthesize"
)

// KnownStepKind reports whether k is one of the supported step kinds.
func KnownStepKind(k StepKind) bool {
	switch k {
	case StepLogEvent, StepDraftPost, StepResearch, StepSandboxTask, StepSynthesize:
		return true
	}
	return false
}

// DraftingKind reports whether the step kind produces publishable content and
// therefore counts against the daily draft ceiling.
func DraftingKind(k StepKind) bool {
	return k == StepDraftPost
}

// Mission is a committed unit of multi-step work, created when a proposal is
// approved. It reaches a terminal status only once all of its steps have.
type Mission struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Status     MissionStatus `json:"status"`
	ProposalID string        `json:"proposal_id"`
	Persona    string        `json:"persona"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// MissionStep is one unit of a mission. A step may only transition to running
// once every step in DependsOn has succeeded; the claim query enforces this.
type MissionStep struct {
	ID        string          `json:"id"`
	MissionID string          `json:"mission_id"`
	Kind      StepKind        `json:"kind"`
	Status    StepStatus      `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Persona   string          `json:"persona"`
	ClaimedBy string          `json:"claimed_by,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProposalStatus tracks a proposal's acceptance state.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

// ProposalSource records which pathway authored the proposal.
type ProposalSource string

const (
	SourceAgent        ProposalSource = "agent"
	SourceReaction     ProposalSource = "reaction"
	SourceInitiative   ProposalSource = "initiative"
	SourceConversation ProposalSource = "conversation"
)

// ProposalStep is one planned step inside a proposal. DependsOn holds indices
// into the proposal's step list; they become step-ID references when the
// mission is materialized.
type ProposalStep struct {
	Kind      StepKind        `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DependsOn []int           `json:"depends_on,omitempty"`
}

// Proposal is a persona-authored suggestion for a mission. A proposal converts
// to at most one mission.
type Proposal struct {
	ID           string         `json:"id"`
	Persona      string         `json:"persona"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Steps        []ProposalStep `json:"steps"`
	Source       ProposalSource `json:"source"`
	Status       ProposalStatus `json:"status"`
	AutoApproved bool           `json:"auto_approved"`
	MissionID    string         `json:"mission_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
