package postgres

import (
	"context"
	"fmt"
)

// Schema is the DDL for the simulation tables. The partial unique index on
// sim_sessions is what enforces one active session per learner.
const Schema = `
CREATE TABLE IF NOT EXISTS sim_sessions (
    id           TEXT PRIMARY KEY,
    learner_id   TEXT NOT NULL,
    scenario_id  TEXT NOT NULL,
    status       TEXT NOT NULL CHECK (status IN ('active', 'completed', 'abandoned')),
    started_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    tokens_used  BIGINT NOT NULL DEFAULT 0,
    last_seq     BIGINT NOT NULL DEFAULT 0,
    scores       JSONB,
    global_score INT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sim_sessions_one_active
    ON sim_sessions(learner_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS sim_interactions (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sim_sessions(id) ON DELETE CASCADE,
    seq        BIGINT NOT NULL,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    tokens     INT NOT NULL DEFAULT 0,
    payload    JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS sim_debriefs (
    session_id   TEXT PRIMARY KEY REFERENCES sim_sessions(id) ON DELETE CASCADE,
    global_score INT NOT NULL,
    fallback     BOOLEAN NOT NULL DEFAULT false,
    report       JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sim_progress (
    learner_id     TEXT NOT NULL,
    competency     TEXT NOT NULL,
    current_level  INT NOT NULL,
    best_score     INT NOT NULL,
    total_sessions INT NOT NULL DEFAULT 0,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (learner_id, competency)
);

CREATE TABLE IF NOT EXISTS sim_progress_sessions (
    learner_id TEXT NOT NULL,
    competency TEXT NOT NULL,
    session_id TEXT NOT NULL,
    PRIMARY KEY (learner_id, competency, session_id)
);
`

// Migrate executes [Schema]. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
