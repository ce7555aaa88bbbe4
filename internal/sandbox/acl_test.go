package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGrantStore struct {
	prefixes map[string][]string
	err      error
}

func (f *fakeGrantStore) ActiveGrantPrefixes(ctx context.Context, grantee string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prefixes[grantee], nil
}

func TestCleanRelPath(t *testing.T) {
	tests := []struct {
		name    string
		rel     string
		want    string
		wantErr bool
	}{
		{name: "plain file", rel: "notes/nova/todo.md", want: "notes/nova/todo.md"},
		{name: "redundant segments", rel: "notes//nova/./todo.md", want: "notes/nova/todo.md"},
		{name: "internal dotdot resolved", rel: "notes/nova/../nova/todo.md", want: "notes/nova/todo.md"},
		{name: "backslashes normalized", rel: `notes\nova\todo.md`, want: "notes/nova/todo.md"},
		{name: "empty", rel: "", wantErr: true},
		{name: "absolute", rel: "/etc/passwd", wantErr: true},
		{name: "bare traversal", rel: "..", wantErr: true},
		{name: "leading traversal", rel: "../outside.txt", wantErr: true},
		{name: "disguised traversal", rel: "notes/../../outside.txt", wantErr: true},
		{name: "backslash traversal", rel: `..\outside.txt`, wantErr: true},
		{name: "dot only", rel: ".", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanRelPath(tt.rel)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrDenied)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorizeWriteStaticPrefixes(t *testing.T) {
	acl := NewACL(&fakeGrantStore{})
	ctx := context.Background()

	got, err := acl.AuthorizeWrite(ctx, Identity{Persona: "nova"}, "notes/nova/plan.md")
	require.NoError(t, err)
	assert.Equal(t, "notes/nova/plan.md", got)

	_, err = acl.AuthorizeWrite(ctx, Identity{Persona: "nova"}, "notes/mara/plan.md")
	assert.ErrorIs(t, err, ErrDenied)

	_, err = acl.AuthorizeWrite(ctx, Identity{Persona: "nova"}, "archive/2026/log.md")
	assert.ErrorIs(t, err, ErrDenied)

	// vex owns archive/.
	_, err = acl.AuthorizeWrite(ctx, Identity{Persona: "vex"}, "archive/2026/log.md")
	assert.NoError(t, err)
}

func TestAuthorizeWriteUnknownPersona(t *testing.T) {
	acl := NewACL(&fakeGrantStore{})
	_, err := acl.AuthorizeWrite(context.Background(), Identity{Persona: "zorp"}, "notes/zorp/x.md")
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAuthorizeWriteGrantExtendsAccess(t *testing.T) {
	grants := &fakeGrantStore{prefixes: map[string][]string{
		"mara": {"drafts/reviews/"},
	}}
	acl := NewACL(grants)
	ctx := context.Background()

	got, err := acl.AuthorizeWrite(ctx, Identity{Persona: "mara"}, "drafts/reviews/zine-v2.md")
	require.NoError(t, err)
	assert.Equal(t, "drafts/reviews/zine-v2.md", got)

	// The grant does not open the rest of drafts/.
	_, err = acl.AuthorizeWrite(ctx, Identity{Persona: "mara"}, "drafts/other.md")
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAuthorizeWriteDroidConfinement(t *testing.T) {
	grants := &fakeGrantStore{prefixes: map[string][]string{
		"sable": {"plans/"},
	}}
	acl := NewACL(grants)
	ctx := context.Background()
	droid := Identity{Persona: "sable", Droid: "crawler"}

	got, err := acl.AuthorizeWrite(ctx, droid, "droids/sable/crawler/results.json")
	require.NoError(t, err)
	assert.Equal(t, "droids/sable/crawler/results.json", got)

	// Droids never see the parent's static prefixes or grants.
	for _, rel := range []string{
		"notes/sable/x.md",
		"workspace/build.log",
		"plans/q3.md",
		"droids/sable/other/out.txt",
	} {
		_, err := acl.AuthorizeWrite(ctx, droid, rel)
		assert.ErrorIs(t, err, ErrDenied, "droid wrote %s", rel)
	}
}

func TestAuthorizeWriteGrantLookupFailure(t *testing.T) {
	acl := NewACL(&fakeGrantStore{err: errors.New("connection refused")})
	_, err := acl.AuthorizeWrite(context.Background(), Identity{Persona: "nova"}, "notes/nova/x.md")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDenied)
}

func TestIdentityString(t *testing.T) {
	assert.Equal(t, "nova", Identity{Persona: "nova"}.String())
	assert.Equal(t, "sable/crawler", Identity{Persona: "sable", Droid: "crawler"}.String())
}
