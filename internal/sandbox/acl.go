// Package sandbox is the execution boundary for persona tool use: a shared
// filesystem root, per-identity write ACLs, and bounded command execution.
// Every write path is authorized before any I/O happens.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/subculture-collective/subcult-corp-sub002/internal/persona"
)

// ErrDenied marks an ACL rejection. Tool handlers surface it to the model as
// a structured error result, never as an agent session failure.
var ErrDenied = errors.New("path not permitted")

// Identity names the actor performing a sandbox operation. A droid identity
// (Droid non-empty) is confined to its private subtree and never inherits its
// parent persona's static prefixes or grants.
type Identity struct {
	Persona string
	Droid   string
}

func (id Identity) String() string {
	if id.Droid != "" {
		return id.Persona + "/" + id.Droid
	}
	return id.Persona
}

// GrantStore looks up time-limited write grants.
type GrantStore interface {
	ActiveGrantPrefixes(ctx context.Context, grantee string) ([]string, error)
}

// ACL decides write authorization against the union of static roster
// prefixes and unexpired database grants.
type ACL struct {
	grants GrantStore
}

func NewACL(grants GrantStore) *ACL {
	return &ACL{grants: grants}
}

// CleanRelPath normalizes a sandbox-relative path and rejects anything that
// would escape the root. The check runs on the lexical path, before any
// filesystem access.
func CleanRelPath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrDenied)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrDenied, rel)
	}
	cleaned := path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", fmt.Errorf("%w: %q escapes the sandbox", ErrDenied, rel)
	}
	return cleaned, nil
}

// AuthorizeWrite returns the cleaned relative path when the identity may
// write it, ErrDenied otherwise.
func (a *ACL) AuthorizeWrite(ctx context.Context, id Identity, rel string) (string, error) {
	cleaned, err := CleanRelPath(rel)
	if err != nil {
		return "", err
	}

	prefixes, err := a.writePrefixes(ctx, id)
	if err != nil {
		return "", err
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(cleaned, prefix) {
			return cleaned, nil
		}
	}
	return "", fmt.Errorf("%w: %s may not write %q", ErrDenied, id, cleaned)
}

func (a *ACL) writePrefixes(ctx context.Context, id Identity) ([]string, error) {
	if id.Droid != "" {
		return []string{persona.DroidPrefix(id.Persona, id.Droid)}, nil
	}

	prefixes := persona.WritePrefixes(id.Persona)
	if a.grants != nil {
		granted, err := a.grants.ActiveGrantPrefixes(ctx, id.Persona)
		if err != nil {
			return nil, fmt.Errorf("loading grants for %s: %w", id.Persona, err)
		}
		prefixes = append(prefixes, granted...)
	}
	return prefixes, nil
}
