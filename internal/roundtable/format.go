// Package roundtable runs one scheduled multi-persona conversation end to
// end: speaker selection, prompt assembly, turn persistence, finalization.
package roundtable

import (
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// Format carries the full parameter set for one conversation style. The
// table below is closed: an unknown format string fails the session instead
// of falling back to string dispatch.
type Format struct {
	MinTurns    int
	MaxTurns    int
	Coordinator string
	Purpose     string
	Opener      string
	Temperature float64
	ActionItems bool
	Artifact    bool
}

var formats = map[models.SessionFormat]Format{
	models.FormatStandup: {
		MinTurns:    4,
		MaxTurns:    8,
		Coordinator: "nova",
		Purpose:     "A quick status round: each speaker reports progress, blockers, and what they need from the others.",
		Opener:      "Open the standup: state the topic and ask the group for status.",
		Temperature: 0.6,
		ActionItems: true,
	},
	models.FormatDebate: {
		MinTurns:    6,
		MaxTurns:    12,
		Coordinator: "mara",
		Purpose:     "A structured disagreement: take positions on the topic, challenge each other's assumptions, and sharpen the strongest argument.",
		Opener:      "Open the debate: stake out a clear position on the topic and invite pushback.",
		Temperature: 0.9,
		Artifact:    true,
	},
	models.FormatWatercooler: {
		MinTurns:    3,
		MaxTurns:    6,
		Purpose:     "An unstructured chat: riff on the topic, share half-formed ideas, keep it light.",
		Opener:      "Kick off a casual conversation about the topic.",
		Temperature: 1.0,
	},
	models.FormatRetro: {
		MinTurns:    5,
		MaxTurns:    10,
		Coordinator: "vex",
		Purpose:     "A retrospective: what went well, what went badly, and what the collective should change.",
		Opener:      "Open the retro: frame the period under review and ask what stood out.",
		Temperature: 0.7,
		ActionItems: true,
		Artifact:    true,
	},
}

// FormatFor returns the format table entry.
func FormatFor(f models.SessionFormat) (Format, bool) {
	fmt, ok := formats[f]
	return fmt, ok
}

// SupportsActionItems reports whether the format's distillation may produce
// action items.
func SupportsActionItems(f models.SessionFormat) bool {
	return formats[f].ActionItems
}

// SynthesizesArtifact reports whether completion triggers artifact synthesis.
func SynthesizesArtifact(f models.SessionFormat) bool {
	return formats[f].Artifact
}
