package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

// InsertMemory writes one memory. The unique trace_id makes re-distillation
// of the same session a no-op; the return value reports whether a row was
// actually written.
func (s *Store) InsertMemory(ctx context.Context, m *models.AgentMemory) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO agent_memories (id, persona, type, content, confidence, tags, superseded_by, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (trace_id) DO NOTHING`,
		m.ID, m.Persona, m.Type, m.Content, m.Confidence, m.Tags, m.SupersededBy, m.TraceID)
	if err != nil {
		return false, fmt.Errorf("inserting memory: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// EnforceMemoryCap deletes the oldest live (non-superseded) memories beyond
// cap for the persona, keeping the most recent cap rows by creation time.
func (s *Store) EnforceMemoryCap(ctx context.Context, persona string, cap int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_memories WHERE id IN (
			SELECT id FROM agent_memories
			WHERE persona = $1 AND superseded_by = ''
			ORDER BY created_at DESC, id DESC
			OFFSET $2
		)`,
		persona, cap)
	if err != nil {
		return 0, fmt.Errorf("enforcing memory cap: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecentMemories returns the persona's newest live memories, newest first.
func (s *Store) RecentMemories(ctx context.Context, persona string, limit int) ([]*models.AgentMemory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, persona, type, content, confidence, tags, superseded_by, trace_id, created_at
		 FROM agent_memories
		 WHERE persona = $1 AND superseded_by = ''
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		persona, limit)
	if err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}
	defer rows.Close()

	var memories []*models.AgentMemory
	for rows.Next() {
		var m models.AgentMemory
		if err := rows.Scan(&m.ID, &m.Persona, &m.Type, &m.Content, &m.Confidence,
			&m.Tags, &m.SupersededBy, &m.TraceID, &m.CreatedAt); err != nil {
			return nil, err
		}
		memories = append(memories, &m)
	}
	return memories, rows.Err()
}

// ApplyDrift adjusts the symmetric affinity between two personas. The row is
// locked for the read-modify-write; the delta is clamped to ±AffinityMaxDelta,
// the result to [AffinityMin, AffinityMax], and the applied entry appended to
// the drift log, which keeps only the newest logCap entries.
func (s *Store) ApplyDrift(ctx context.Context, personaA, personaB string, delta float64, reason string, logCap int) (*models.AgentRelationship, error) {
	a, b := models.CanonicalPair(personaA, personaB)

	var rel models.AgentRelationship
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO agent_relationships (persona_a, persona_b, affinity)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (persona_a, persona_b) DO NOTHING`,
			a, b, models.AffinityDefault)
		if err != nil {
			return fmt.Errorf("seeding relationship: %w", err)
		}

		var driftRaw json.RawMessage
		err = tx.QueryRow(ctx,
			`SELECT affinity, interactions, drift_log FROM agent_relationships
			 WHERE persona_a = $1 AND persona_b = $2 FOR UPDATE`,
			a, b).Scan(&rel.Affinity, &rel.Interactions, &driftRaw)
		if err != nil {
			return fmt.Errorf("locking relationship: %w", err)
		}
		if len(driftRaw) > 0 {
			if err := json.Unmarshal(driftRaw, &rel.DriftLog); err != nil {
				return fmt.Errorf("decoding drift log: %w", err)
			}
		}

		if delta > models.AffinityMaxDelta {
			delta = models.AffinityMaxDelta
		}
		if delta < -models.AffinityMaxDelta {
			delta = -models.AffinityMaxDelta
		}

		rel.Affinity += delta
		if rel.Affinity > models.AffinityMax {
			rel.Affinity = models.AffinityMax
		}
		if rel.Affinity < models.AffinityMin {
			rel.Affinity = models.AffinityMin
		}
		rel.Interactions++
		rel.DriftLog = append(rel.DriftLog, models.DriftEntry{Delta: delta, Reason: reason, At: time.Now().UTC()})
		if logCap > 0 && len(rel.DriftLog) > logCap {
			rel.DriftLog = rel.DriftLog[len(rel.DriftLog)-logCap:]
		}

		log, err := json.Marshal(rel.DriftLog)
		if err != nil {
			return fmt.Errorf("encoding drift log: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE agent_relationships SET affinity = $3, interactions = $4, drift_log = $5, updated_at = now()
			 WHERE persona_a = $1 AND persona_b = $2`,
			a, b, rel.Affinity, rel.Interactions, log)
		if err != nil {
			return fmt.Errorf("updating relationship: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rel.PersonaA, rel.PersonaB = a, b
	rel.UpdatedAt = time.Now().UTC()
	return &rel, nil
}

// AffinityMap returns pairwise affinities among the given personas, keyed by
// "a|b" with the pair in canonical order. Missing pairs are simply absent;
// callers assume the default.
func (s *Store) AffinityMap(ctx context.Context, personas []string) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT persona_a, persona_b, affinity FROM agent_relationships
		 WHERE persona_a = ANY($1) AND persona_b = ANY($1)`,
		personas)
	if err != nil {
		return nil, fmt.Errorf("loading affinities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var a, b string
		var affinity float64
		if err := rows.Scan(&a, &b, &affinity); err != nil {
			return nil, err
		}
		out[a+"|"+b] = affinity
	}
	return out, rows.Err()
}

// InsertEvent appends one domain event and returns its id.
func (s *Store) InsertEvent(ctx context.Context, e *models.Event) (int64, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agent_events (agent_id, kind, title, summary, tags, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.AgentID, e.Kind, e.Title, e.Summary, e.Tags, e.Metadata).Scan(&e.ID)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	return e.ID, nil
}

// GetEvent fetches one event.
func (s *Store) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	var e models.Event
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, kind, title, summary, tags, metadata, created_at FROM agent_events WHERE id = $1`,
		id).Scan(&e.ID, &e.AgentID, &e.Kind, &e.Title, &e.Summary, &e.Tags, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("fetching event %d: %w", id, err)
	}
	return &e, nil
}

// InsertReaction enqueues a matched reaction.
func (s *Store) InsertReaction(ctx context.Context, r *models.Reaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reaction_queue (id, source, target, type, event_id, title, summary, tags, status, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued', $9)`,
		r.ID, r.Source, r.Target, r.Type, r.EventID, r.Title, r.Summary, r.Tags, r.Detail)
	if err != nil {
		return fmt.Errorf("inserting reaction: %w", err)
	}
	return nil
}

// ReactionFiredSince reports whether a reaction with the same (source,
// target, type) fired within the cooldown window.
func (s *Store) ReactionFiredSince(ctx context.Context, source, target, typ string, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM reaction_queue
			WHERE source = $1 AND target = $2 AND type = $3 AND created_at >= $4
		)`,
		source, target, typ, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking reaction cooldown: %w", err)
	}
	return exists, nil
}

// ClaimReactions atomically reserves up to limit queued reactions for the
// drain step, oldest first.
func (s *Store) ClaimReactions(ctx context.Context, limit int) ([]*models.Reaction, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE reaction_queue SET status = 'processing', processed_at = now()
		WHERE id IN (
			SELECT id FROM reaction_queue
			WHERE status = 'queued'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING id, source, target, type, event_id, title, summary, tags, status, detail, created_at`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claiming reactions: %w", err)
	}
	defer rows.Close()

	var reactions []*models.Reaction
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.ID, &r.Source, &r.Target, &r.Type, &r.EventID,
			&r.Title, &r.Summary, &r.Tags, &r.Status, &r.Detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(reactions) == 0 {
		return nil, ErrNoEligibleJob
	}
	return reactions, nil
}

// MarkReaction writes a drained reaction's terminal status.
func (s *Store) MarkReaction(ctx context.Context, id string, status models.ReactionStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE reaction_queue SET status = $2, processed_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("marking reaction: %w", err)
	}
	return nil
}

// InsertGrant stores a time-limited write grant.
func (s *Store) InsertGrant(ctx context.Context, g *models.ACLGrant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO acl_grants (id, grantee, path_prefix, expires_at) VALUES ($1, $2, $3, $4)`,
		g.ID, g.Grantee, g.PathPrefix, g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting grant: %w", err)
	}
	return nil
}

// ActiveGrantPrefixes returns the grantee's unexpired write prefixes.
func (s *Store) ActiveGrantPrefixes(ctx context.Context, grantee string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path_prefix FROM acl_grants WHERE grantee = $1 AND expires_at > now()`,
		grantee)
	if err != nil {
		return nil, fmt.Errorf("loading grants: %w", err)
	}
	defer rows.Close()

	var prefixes []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, rows.Err()
}
