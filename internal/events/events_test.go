package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subculture-collective/subcult-corp-sub002/internal/logging"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

type fakeEventStore struct {
	events []*models.Event
	err    error
}

func (f *fakeEventStore) InsertEvent(ctx context.Context, e *models.Event) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.events = append(f.events, e)
	return int64(len(f.events)), nil
}

type fakeEvalQueue struct {
	enqueued []int64
	err      error
}

func (f *fakeEvalQueue) EnqueueReactionEval(ctx context.Context, eventID int64) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, eventID)
	return nil
}

func TestEmitStoresAndEnqueues(t *testing.T) {
	st := &fakeEventStore{}
	q := &fakeEvalQueue{}
	e := NewEmitter(st, logging.Nop())
	e.SetQueue(q)

	id, err := e.Emit(context.Background(), "jet", "draft_published", "new post", "a summary", []string{"draft"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	require.Len(t, st.events, 1)
	assert.Equal(t, "jet", st.events[0].AgentID)
	assert.Equal(t, []int64{1}, q.enqueued)
}

func TestEmitWithoutQueueStillStores(t *testing.T) {
	st := &fakeEventStore{}
	e := NewEmitter(st, logging.Nop())

	id, err := e.Emit(context.Background(), "jet", "log", "note", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestEmitQueueFailureIsSwallowed(t *testing.T) {
	st := &fakeEventStore{}
	e := NewEmitter(st, logging.Nop())
	e.SetQueue(&fakeEvalQueue{err: errors.New("river down")})

	_, err := e.Emit(context.Background(), "jet", "log", "note", "", nil, nil)
	assert.NoError(t, err)
	assert.Len(t, st.events, 1)
}

func TestEmitInsertFailurePropagates(t *testing.T) {
	e := NewEmitter(&fakeEventStore{err: errors.New("constraint violation")}, logging.Nop())

	_, err := e.Emit(context.Background(), "jet", "log", "note", "", nil, nil)
	assert.Error(t, err)
}

func TestSendWritesInboxEvent(t *testing.T) {
	st := &fakeEventStore{}
	e := NewEmitter(st, logging.Nop())

	require.NoError(t, e.Send(context.Background(), "nova", "mara", "review request", "please look at the plan"))

	require.Len(t, st.events, 1)
	ev := st.events[0]
	assert.Equal(t, "nova", ev.AgentID)
	assert.Equal(t, "inbox", ev.Kind)
	assert.Equal(t, "review request", ev.Title)
	assert.Contains(t, ev.Tags, "mara")

	var meta map[string]string
	require.NoError(t, json.Unmarshal(ev.Metadata, &meta))
	assert.Equal(t, "mara", meta["to"])
	assert.Equal(t, "please look at the plan", meta["body"])
}
