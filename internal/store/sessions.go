package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

const sessionColumns = `id, format, topic, participants, status, turn_count, abort_reason, scheduled_at, claimed_by, created_at`

func scanSession(row pgx.Row) (*models.RoundtableSession, error) {
	var sess models.RoundtableSession
	err := row.Scan(&sess.ID, &sess.Format, &sess.Topic, &sess.Participants, &sess.Status,
		&sess.TurnCount, &sess.AbortReason, &sess.ScheduledAt, &sess.ClaimedBy, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// InsertSession schedules a roundtable session.
func (s *Store) InsertSession(ctx context.Context, sess *models.RoundtableSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO roundtable_sessions (id, format, topic, participants, status, scheduled_at)
		 VALUES ($1, $2, $3, $4, 'pending', $5)`,
		sess.ID, sess.Format, sess.Topic, sess.Participants, sess.ScheduledAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// ClaimSession atomically reserves one due pending session.
func (s *Store) ClaimSession(ctx context.Context, workerID string) (*models.RoundtableSession, error) {
	query := `
		UPDATE roundtable_sessions SET status = 'running', claimed_by = $1
		WHERE id = (
			SELECT id FROM roundtable_sessions
			WHERE status = 'pending' AND scheduled_at <= now()
			ORDER BY scheduled_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.pool.QueryRow(ctx, query, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoEligibleJob
	}
	if err != nil {
		return nil, fmt.Errorf("claiming session: %w", err)
	}
	return sess, nil
}

// AppendTurn inserts one turn and bumps the session's turn count in the same
// transaction. Turns are written immediately, never batched, so partial
// transcripts survive a mid-session failure.
func (s *Store) AppendTurn(ctx context.Context, turn *models.RoundtableTurn) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO roundtable_turns (session_id, turn_index, persona, content)
			 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
			turn.SessionID, turn.Index, turn.Persona, turn.Content).Scan(&turn.ID, &turn.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting turn: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE roundtable_sessions SET turn_count = turn_count + 1 WHERE id = $1`,
			turn.SessionID)
		if err != nil {
			return fmt.Errorf("bumping turn count: %w", err)
		}
		return nil
	})
}

// FinalizeSession writes the session's terminal status and abort reason.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, status models.SessionStatus, abortReason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE roundtable_sessions SET status = $2, abort_reason = $3 WHERE id = $1`,
		sessionID, status, abortReason)
	if err != nil {
		return fmt.Errorf("finalizing session: %w", err)
	}
	return nil
}

// GetSession fetches one session.
func (s *Store) GetSession(ctx context.Context, id string) (*models.RoundtableSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM roundtable_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", id, err)
	}
	return sess, nil
}

// ListTurns returns a session's transcript in turn order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*models.RoundtableTurn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, turn_index, persona, content, created_at
		 FROM roundtable_turns WHERE session_id = $1 ORDER BY turn_index`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.RoundtableTurn
	for rows.Next() {
		var t models.RoundtableTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Index, &t.Persona, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// InsertAgentSession queues a tool-using LLM run.
func (s *Store) InsertAgentSession(ctx context.Context, as *models.AgentSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_sessions (id, persona, droid, prompt, status) VALUES ($1, $2, $3, $4, 'pending')`,
		as.ID, as.Persona, as.Droid, as.Prompt)
	if err != nil {
		return fmt.Errorf("inserting agent session: %w", err)
	}
	return nil
}

// ClaimAgentSession atomically reserves one pending agent session.
func (s *Store) ClaimAgentSession(ctx context.Context, workerID string) (*models.AgentSession, error) {
	var as models.AgentSession
	var toolCalls json.RawMessage
	err := s.pool.QueryRow(ctx, `
		UPDATE agent_sessions SET status = 'running', claimed_by = $1
		WHERE id = (
			SELECT id FROM agent_sessions
			WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, persona, droid, prompt, status, rounds, tool_calls, result, error, claimed_by, created_at`,
		workerID).Scan(&as.ID, &as.Persona, &as.Droid, &as.Prompt, &as.Status, &as.Rounds,
		&toolCalls, &as.Result, &as.Error, &as.ClaimedBy, &as.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoEligibleJob
	}
	if err != nil {
		return nil, fmt.Errorf("claiming agent session: %w", err)
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &as.ToolCalls); err != nil {
			return nil, fmt.Errorf("decoding tool calls: %w", err)
		}
	}
	return &as, nil
}

// ClaimAgentSessionByID reserves a specific pending agent session. Used when
// a mission step spawns a session and runs it inline; the status guard keeps
// a concurrent poller from grabbing the same row.
func (s *Store) ClaimAgentSessionByID(ctx context.Context, id, workerID string) (*models.AgentSession, error) {
	var as models.AgentSession
	err := s.pool.QueryRow(ctx, `
		UPDATE agent_sessions SET status = 'running', claimed_by = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING id, persona, droid, prompt, status, rounds, result, error, claimed_by, created_at`,
		id, workerID).Scan(&as.ID, &as.Persona, &as.Droid, &as.Prompt, &as.Status, &as.Rounds,
		&as.Result, &as.Error, &as.ClaimedBy, &as.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoEligibleJob
	}
	if err != nil {
		return nil, fmt.Errorf("claiming agent session %s: %w", id, err)
	}
	return &as, nil
}

// FinishAgentSession writes the run's terminal state and recorded tool calls.
func (s *Store) FinishAgentSession(ctx context.Context, id string, status models.AgentSessionStatus, rounds int, toolCalls []models.ToolCallRecord, result json.RawMessage, errMsg string) error {
	calls, err := json.Marshal(toolCalls)
	if err != nil {
		return fmt.Errorf("marshalling tool calls: %w", err)
	}
	if toolCalls == nil {
		calls = []byte("[]")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = $2, rounds = $3, tool_calls = $4, result = $5, error = $6 WHERE id = $1`,
		id, status, rounds, calls, result, errMsg)
	if err != nil {
		return fmt.Errorf("finishing agent session: %w", err)
	}
	return nil
}

// GetAgentSession fetches one agent session (used by the check_droid tool).
func (s *Store) GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error) {
	var as models.AgentSession
	var toolCalls json.RawMessage
	err := s.pool.QueryRow(ctx,
		`SELECT id, persona, droid, prompt, status, rounds, tool_calls, result, error, claimed_by, created_at
		 FROM agent_sessions WHERE id = $1`, id).
		Scan(&as.ID, &as.Persona, &as.Droid, &as.Prompt, &as.Status, &as.Rounds,
			&toolCalls, &as.Result, &as.Error, &as.ClaimedBy, &as.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("fetching agent session %s: %w", id, err)
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &as.ToolCalls); err != nil {
			return nil, fmt.Errorf("decoding tool calls: %w", err)
		}
	}
	return &as, nil
}

// InsertInitiative schedules an initiative prompt for a persona.
func (s *Store) InsertInitiative(ctx context.Context, entry *models.InitiativeEntry) error {
	sched := entry.ScheduledAt
	if sched.IsZero() {
		sched = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO initiative_queue (id, persona, context, status, scheduled_at) VALUES ($1, $2, $3, 'pending', $4)`,
		entry.ID, entry.Persona, entry.Context, sched)
	if err != nil {
		return fmt.Errorf("inserting initiative entry: %w", err)
	}
	return nil
}

// ClaimInitiative atomically reserves one due initiative entry.
func (s *Store) ClaimInitiative(ctx context.Context, workerID string) (*models.InitiativeEntry, error) {
	var e models.InitiativeEntry
	err := s.pool.QueryRow(ctx, `
		UPDATE initiative_queue SET status = 'processing', claimed_by = $1
		WHERE id = (
			SELECT id FROM initiative_queue
			WHERE status = 'pending' AND scheduled_at <= now()
			ORDER BY scheduled_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, persona, context, status, scheduled_at, claimed_by, created_at`,
		workerID).Scan(&e.ID, &e.Persona, &e.Context, &e.Status, &e.ScheduledAt, &e.ClaimedBy, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoEligibleJob
	}
	if err != nil {
		return nil, fmt.Errorf("claiming initiative entry: %w", err)
	}
	return &e, nil
}

// FinalizeInitiative writes the entry's terminal status.
func (s *Store) FinalizeInitiative(ctx context.Context, id string, status models.InitiativeStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE initiative_queue SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("finalizing initiative entry: %w", err)
	}
	return nil
}
