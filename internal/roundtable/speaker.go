package roundtable

import (
	"math/rand"

	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// Affinities is the session-local snapshot of pairwise affinity, keyed by the
// canonical "a|b" pair. It is loaded once per session and read stale.
type Affinities map[string]float64

// Get returns the affinity between two personas: 1.0 for self, the default
// for unknown pairs.
func (m Affinities) Get(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ca, cb := models.CanonicalPair(a, b)
	if v, ok := m[ca+"|"+cb]; ok {
		return v
	}
	return models.AffinityDefault
}

const (
	affinityWeight = 0.6
	recencyWeight  = 0.4
	jitterRange    = 0.2
)

// pickSpeaker selects the next speaker. Turn 0 goes to the format's
// coordinator when present among the participants, else uniform random.
// Later turns use a weighted draw that rewards affinity with the previous
// speaker, discourages domination via recency share, and never repeats the
// immediately preceding speaker.
func pickSpeaker(rng *rand.Rand, participants []string, lastSpeaker string, turnCounts map[string]int, totalTurns int, coordinator string, aff Affinities) string {
	if totalTurns == 0 {
		for _, p := range participants {
			if p == coordinator {
				return p
			}
		}
		return participants[rng.Intn(len(participants))]
	}

	weights := make([]float64, len(participants))
	var sum float64
	for i, candidate := range participants {
		if candidate == lastSpeaker {
			continue
		}
		w := 1.0
		w += aff.Get(candidate, lastSpeaker) * affinityWeight
		w -= float64(turnCounts[candidate]) / float64(totalTurns) * recencyWeight
		w += (rng.Float64()*2 - 1) * jitterRange
		if w < 0 {
			w = 0
		}
		weights[i] = w
		sum += w
	}

	if sum <= 0 {
		// Everyone clamped to zero: any non-last participant will do.
		for i, candidate := range participants {
			if candidate != lastSpeaker {
				weights[i] = 1
				sum++
			}
		}
	}

	draw := rng.Float64() * sum
	for i, w := range weights {
		draw -= w
		if draw < 0 && w > 0 {
			return participants[i]
		}
	}
	// Rounding fell off the end; take the last weighted candidate.
	for i := len(participants) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return participants[i]
		}
	}
	return participants[0]
}

// toneFor derives the interaction tone from the tension between the speaker
// and the previous speaker. The label is injected into the prompt as a
// directive; nothing enforces it mechanically.
func toneFor(rng *rand.Rand, aff Affinities, speaker, lastSpeaker string) string {
	if lastSpeaker == "" {
		return "neutral"
	}
	tension := 1 - aff.Get(speaker, lastSpeaker)
	switch {
	case tension > 0.6:
		if rng.Float64() < 0.2 {
			return "challenge"
		}
		return "critical"
	case tension >= 0.3:
		return "neutral"
	default:
		if rng.Float64() < 0.4 {
			return "supportive"
		}
		return "agreement"
	}
}
