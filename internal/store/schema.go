package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL creates the job store tables. Statements are idempotent so
// `subcultd migrate` is safe to re-run. River's own tables are migrated
// separately via rivermigrate.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS missions (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'approved',
    proposal_id TEXT NOT NULL DEFAULT '',
    persona     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mission_steps (
    id         TEXT PRIMARY KEY,
    mission_id TEXT NOT NULL REFERENCES missions(id),
    kind       TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'queued',
    payload    JSONB,
    depends_on TEXT[] NOT NULL DEFAULT '{}',
    persona    TEXT NOT NULL,
    claimed_by TEXT NOT NULL DEFAULT '',
    result     JSONB,
    error      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mission_steps_claim ON mission_steps (status, created_at);
CREATE INDEX IF NOT EXISTS idx_mission_steps_mission ON mission_steps (mission_id);

CREATE TABLE IF NOT EXISTS proposals (
    id            TEXT PRIMARY KEY,
    persona       TEXT NOT NULL,
    title         TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    steps         JSONB NOT NULL DEFAULT '[]',
    source        TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    auto_approved BOOLEAN NOT NULL DEFAULT false,
    mission_id    TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_proposals_persona_day ON proposals (persona, created_at);

CREATE TABLE IF NOT EXISTS roundtable_sessions (
    id           TEXT PRIMARY KEY,
    format       TEXT NOT NULL,
    topic        TEXT NOT NULL,
    participants TEXT[] NOT NULL DEFAULT '{}',
    status       TEXT NOT NULL DEFAULT 'pending',
    turn_count   INTEGER NOT NULL DEFAULT 0,
    abort_reason TEXT NOT NULL DEFAULT '',
    scheduled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    claimed_by   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_claim ON roundtable_sessions (status, scheduled_at);

CREATE TABLE IF NOT EXISTS roundtable_turns (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES roundtable_sessions(id),
    turn_index INTEGER NOT NULL,
    persona    TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (session_id, turn_index)
);

CREATE TABLE IF NOT EXISTS agent_sessions (
    id         TEXT PRIMARY KEY,
    persona    TEXT NOT NULL,
    droid      TEXT NOT NULL DEFAULT '',
    prompt     TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'pending',
    rounds     INTEGER NOT NULL DEFAULT 0,
    tool_calls JSONB NOT NULL DEFAULT '[]',
    result     JSONB,
    error      TEXT NOT NULL DEFAULT '',
    claimed_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agent_sessions_claim ON agent_sessions (status, created_at);

CREATE TABLE IF NOT EXISTS initiative_queue (
    id           TEXT PRIMARY KEY,
    persona      TEXT NOT NULL,
    context      TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'pending',
    scheduled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    claimed_by   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_initiative_claim ON initiative_queue (status, scheduled_at);

CREATE TABLE IF NOT EXISTS agent_memories (
    id            TEXT PRIMARY KEY,
    persona       TEXT NOT NULL,
    type          TEXT NOT NULL,
    content       TEXT NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL,
    tags          TEXT[] NOT NULL DEFAULT '{}',
    superseded_by TEXT NOT NULL DEFAULT '',
    trace_id      TEXT NOT NULL UNIQUE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_memories_persona ON agent_memories (persona, created_at);

CREATE TABLE IF NOT EXISTS agent_relationships (
    persona_a    TEXT NOT NULL,
    persona_b    TEXT NOT NULL,
    affinity     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    interactions INTEGER NOT NULL DEFAULT 0,
    drift_log    JSONB NOT NULL DEFAULT '[]',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (persona_a, persona_b)
);

CREATE TABLE IF NOT EXISTS reaction_queue (
    id           TEXT PRIMARY KEY,
    source       TEXT NOT NULL,
    target       TEXT NOT NULL,
    type         TEXT NOT NULL,
    event_id     BIGINT NOT NULL DEFAULT 0,
    title        TEXT NOT NULL DEFAULT '',
    summary      TEXT NOT NULL DEFAULT '',
    tags         TEXT[] NOT NULL DEFAULT '{}',
    status       TEXT NOT NULL DEFAULT 'queued',
    detail       JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_reactions_cooldown ON reaction_queue (source, target, type, created_at);

CREATE TABLE IF NOT EXISTS agent_events (
    id         BIGSERIAL PRIMARY KEY,
    agent_id   TEXT NOT NULL,
    kind       TEXT NOT NULL,
    title      TEXT NOT NULL,
    summary    TEXT NOT NULL DEFAULT '',
    tags       TEXT[] NOT NULL DEFAULT '{}',
    metadata   JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS acl_grants (
    id          TEXT PRIMARY KEY,
    grantee     TEXT NOT NULL,
    path_prefix TEXT NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_acl_grants_grantee ON acl_grants (grantee, expires_at);
`

// Migrate applies the job store schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
