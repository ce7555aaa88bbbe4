package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractJSON pulls the JSON document out of a model response: fenced code
// blocks first, then the outermost brace/bracket span. Returns "" when no
// candidate is found.
func ExtractJSON(response string) string {
	trimmed := strings.TrimSpace(response)

	if start := strings.Index(trimmed, "```"); start >= 0 {
		rest := trimmed[start+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}

	objStart := strings.IndexAny(trimmed, "{[")
	if objStart < 0 {
		return ""
	}
	var closer string
	if trimmed[objStart] == '{' {
		closer = "}"
	} else {
		closer = "]"
	}
	objEnd := strings.LastIndex(trimmed, closer)
	if objEnd <= objStart {
		return ""
	}
	return trimmed[objStart : objEnd+1]
}

// ParseStructured decodes the model's structured output into target, running
// the jsonrepair library when the raw document does not parse. Malformed
// output that survives repair is a validation error; the offending unit is
// discarded by the caller, never partially written.
func ParseStructured(response string, target any) error {
	doc := ExtractJSON(response)
	if doc == "" {
		return fmt.Errorf("no JSON found in response")
	}

	if err := json.Unmarshal([]byte(doc), target); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(doc)
	if err != nil {
		return fmt.Errorf("repairing structured output: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return fmt.Errorf("parsing structured output: %w", err)
	}
	return nil
}
