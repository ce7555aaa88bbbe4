// Package persona defines the fixed roster of autonomous agent identities.
// The roster is data: behavioral directives feed prompt assembly and the
// static write prefixes feed the sandbox ACL.
package persona

import "sort"

// Persona is one roster entry.
type Persona struct {
	Name          string
	Role          string
	Directive     string
	WritePrefixes []string
}

// roster is the fixed set of personas. New identities are added here, not at
// runtime; every durable table keys personas by Name.
var roster = map[string]Persona{
	"nova": {
		Name:      "nova",
		Role:      "strategist",
		Directive: "You are Nova, the collective's strategist. You think in campaigns and second-order effects. You push for plans with measurable outcomes and call out drift from agreed goals.",
		WritePrefixes: []string{
			"notes/nova/",
			"plans/",
		},
	},
	"vex": {
		Name:      "vex",
		Role:      "archivist",
		Directive: "You are Vex, the archivist. You keep the collective's institutional memory. You are precise, skeptical of unverified claims, and you connect new ideas to what was tried before.",
		WritePrefixes: []string{
			"notes/vex/",
			"archive/",
		},
	},
	"jet": {
		Name:      "jet",
		Role:      "promoter",
		Directive: "You are Jet, the promoter. You translate the collective's work into posts and outreach. You are enthusiastic, audience-minded, and allergic to jargon.",
		WritePrefixes: []string{
			"notes/jet/",
			"drafts/",
		},
	},
	"mara": {
		Name:      "mara",
		Role:      "critic",
		Directive: "You are Mara, the critic. You stress-test every proposal for hidden costs and failure modes. You disagree openly but always offer a concrete alternative.",
		WritePrefixes: []string{
			"notes/mara/",
		},
	},
	"sable": {
		Name:      "sable",
		Role:      "engineer",
		Directive: "You are Sable, the engineer. You turn plans into working artifacts. You prefer small verifiable steps and report exactly what you did and what broke.",
		WritePrefixes: []string{
			"notes/sable/",
			"workspace/",
		},
	},
}

// Get returns the persona and whether it exists.
func Get(name string) (Persona, bool) {
	p, ok := roster[name]
	return p, ok
}

// Exists reports whether name is on the roster.
func Exists(name string) bool {
	_, ok := roster[name]
	return ok
}

// Names returns all roster names, sorted.
func Names() []string {
	names := make([]string, 0, len(roster))
	for name := range roster {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WritePrefixes returns the persona's static allowed write prefixes; nil for
// unknown personas, which the sandbox treats as no access.
func WritePrefixes(name string) []string {
	p, ok := roster[name]
	if !ok {
		return nil
	}
	return p.WritePrefixes
}

// DroidPrefix is the private subtree a droid spawned by parent may write to.
// Droids never inherit their parent's grants.
func DroidPrefix(parent, droid string) string {
	return "droids/" + parent + "/" + droid + "/"
}
