package models

import (
	"encoding/json"
	"time"
)

// Affinity bounds. A single distillation update may move a pair's affinity by
// at most AffinityMaxDelta; the stored value always stays inside
// [AffinityMin, AffinityMax].
const (
	AffinityMin      = 0.1
	AffinityMax      = 0.95
	AffinityMaxDelta = 0.03

	// AffinityDefault is assumed for persona pairs with no relationship row.
	AffinityDefault = 0.5
)

// MemoryType is the fixed taxonomy of durable facts a persona can hold.
type MemoryType string

const (
	MemoryInsight    MemoryType = "insight"
	MemoryPattern    MemoryType = "pattern"
	MemoryStrategy   MemoryType = "strategy"
	MemoryPreference MemoryType = "preference"
	MemoryLesson     MemoryType = "lesson"
)

// KnownMemoryType reports whether t is in the taxonomy.
func KnownMemoryType(t MemoryType) bool {
	switch t {
	case MemoryInsight, MemoryPattern, MemoryStrategy, MemoryPreference, MemoryLesson:
		return true
	}
	return false
}

// AgentMemory is a durable fact owned by one persona. TraceID deduplicates
// re-distillation of the same session.
type AgentMemory struct {
	ID           string     `json:"id"`
	Persona      string     `json:"persona"`
	Type         MemoryType `json:"type"`
	Content      string     `json:"content"`
	Confidence   float64    `json:"confidence"`
	Tags         []string   `json:"tags,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	TraceID      string     `json:"trace_id"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DriftEntry is one applied affinity adjustment, kept in a capped rolling log
// on the relationship row.
type DriftEntry struct {
	Delta  float64   `json:"delta"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// AgentRelationship is a symmetric pairwise affinity, keyed by the
// lexicographically ordered persona pair.
type AgentRelationship struct {
	PersonaA     string       `json:"persona_a"`
	PersonaB     string       `json:"persona_b"`
	Affinity     float64      `json:"affinity"`
	Interactions int          `json:"interactions"`
	DriftLog     []DriftEntry `json:"drift_log,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// CanonicalPair orders two persona names so that symmetric relationships
// always key on the same row.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Event is one emitted domain event, consumed by the reaction engine and
// downstream observers.
type Event struct {
	ID        int64           `json:"id"`
	AgentID   string          `json:"agent_id"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReactionStatus tracks a queued reaction through the drain step.
type ReactionStatus string

const (
	ReactionQueued     ReactionStatus = "queued"
	ReactionProcessing ReactionStatus = "processing"
	ReactionCompleted  ReactionStatus = "completed"
	ReactionFailed     ReactionStatus = "failed"
)

// Reaction is one rule match awaiting promotion into a proposal.
type Reaction struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Type      string          `json:"type"`
	EventID   int64           `json:"event_id"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Status    ReactionStatus  `json:"status"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ACLGrant authorizes a persona or droid to write under a path prefix for a
// limited time. Static grants live in the persona roster instead.
type ACLGrant struct {
	ID         string    `json:"id"`
	Grantee    string    `json:"grantee"`
	PathPrefix string    `json:"path_prefix"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}
