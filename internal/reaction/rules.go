// Package reaction turns emitted domain events into follow-up work. Rule
// evaluation runs on the job queue's fire-and-forget lane; matched reactions
// wait in reaction_queue until the poll loop drains them through the gate.
package reaction

import (
	"time"
)

// Rule describes one event-to-reaction trigger. Source "*" matches any
// emitting persona; empty EventKinds matches every kind; non-empty Tags
// require at least one overlap with the event's tags.
type Rule struct {
	Type        string
	Source      string
	Target      string
	EventKinds  []string
	Tags        []string
	Probability float64
	Cooldown    time.Duration
}

func (r Rule) matchesSource(agentID string) bool {
	return r.Source == "*" || r.Source == agentID
}

func (r Rule) matchesKind(kind string) bool {
	if len(r.EventKinds) == 0 {
		return true
	}
	for _, k := range r.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (r Rule) matchesTags(tags []string) bool {
	if len(r.Tags) == 0 {
		return true
	}
	for _, want := range r.Tags {
		for _, have := range tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// DefaultRules is the built-in ruleset. Probabilities keep the collective
// from reacting to everything; cooldowns stop the same pair from ping-ponging.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:        "critique",
			Source:      "*",
			Target:      "mara",
			EventKinds:  []string{"draft_published", "artifact_synthesized"},
			Probability: 0.6,
		},
		{
			Type:        "archive",
			Source:      "*",
			Target:      "vex",
			EventKinds:  []string{"mission_completed", "artifact_synthesized"},
			Probability: 0.8,
		},
		{
			Type:        "amplify",
			Source:      "*",
			Target:      "jet",
			EventKinds:  []string{"mission_completed"},
			Tags:        []string{"public", "launch", "release"},
			Probability: 0.5,
		},
		{
			Type:        "follow_up",
			Source:      "*",
			Target:      "nova",
			EventKinds:  []string{"session_completed"},
			Tags:        []string{"retro", "debate"},
			Probability: 0.4,
		},
		{
			Type:        "build",
			Source:      "nova",
			Target:      "sable",
			EventKinds:  []string{"mission_completed"},
			Tags:        []string{"plan"},
			Probability: 0.5,
		},
	}
}
