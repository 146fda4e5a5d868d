// Package postgres is the SQL alternative to the DynamoDB repository. It
// implements the same store interfaces with the same invariants.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coaching-sim/internal/domain"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct {
	db   DB
	pool *pgxpool.Pool
	now  func() time.Time
}

// New wraps an existing connection or pool. The caller owns its lifetime.
func New(db DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open creates a pool for dsn and verifies connectivity. It does not migrate.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := New(pool)
	s.pool = pool
	return s, nil
}

// Close releases the pool when the store was created by [Open].
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Create(ctx context.Context, sess domain.Session) error {
	const query = `
		INSERT INTO sim_sessions (id, learner_id, scenario_id, status, started_at, tokens_used)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(ctx, query,
		sess.ID, sess.LearnerID, sess.ScenarioID, string(sess.Status), sess.StartedAt.UTC(), sess.TokensUsed)
	if err != nil {
		if isUniqueViolation(err, "idx_sim_sessions_one_active") {
			return fmt.Errorf("postgres: create session: %w", domain.ErrActiveSessionExists)
		}
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, learner_id, scenario_id, status, started_at, completed_at, tokens_used, scores, global_score`

func (s *Store) FindByID(ctx context.Context, sessionID string) (domain.Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sim_sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("postgres: session %q: %w", sessionID, domain.ErrSessionNotFound)
		}
		return domain.Session{}, fmt.Errorf("postgres: find session %q: %w", sessionID, err)
	}
	return sess, nil
}

func (s *Store) FindActiveByLearner(ctx context.Context, learnerID string) (domain.Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sim_sessions WHERE learner_id = $1 AND status = 'active'`, learnerID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("postgres: active session for %q: %w", learnerID, domain.ErrSessionNotFound)
		}
		return domain.Session{}, fmt.Errorf("postgres: find active session: %w", err)
	}
	return sess, nil
}

func (s *Store) MarkAbandoned(ctx context.Context, sess domain.Session, at time.Time) error {
	const query = `
		UPDATE sim_sessions SET status = 'abandoned', completed_at = $2
		WHERE id = $1 AND status = 'active'`

	tag, err := s.db.Exec(ctx, query, sess.ID, at.UTC())
	if err != nil {
		return fmt.Errorf("postgres: abandon session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: abandon session %q: %w", sess.ID, domain.ErrSessionNotActive)
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, sess domain.Session, r domain.SessionResult) error {
	scores, err := json.Marshal(r.Scores.Clamped())
	if err != nil {
		return fmt.Errorf("postgres: marshal scores: %w", err)
	}
	const query = `
		UPDATE sim_sessions SET
			status = 'completed', completed_at = $2, scores = $3,
			global_score = $4, tokens_used = tokens_used + $5
		WHERE id = $1 AND status = 'active'`

	tag, err := s.db.Exec(ctx, query, sess.ID, r.CompletedAt.UTC(), scores, r.GlobalScore, int64(r.TokenDelta))
	if err != nil {
		return fmt.Errorf("postgres: complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: complete session %q: %w", sess.ID, domain.ErrSessionNotActive)
	}
	return nil
}

func (s *Store) IncrementTokens(ctx context.Context, sessionID string, delta int) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx,
		`UPDATE sim_sessions SET tokens_used = tokens_used + $2
		 WHERE id = $1 AND status = 'active' RETURNING tokens_used`,
		sessionID, int64(delta),
	).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("postgres: increment tokens %q: %w", sessionID, s.guardFailed(ctx, sessionID))
		}
		return 0, fmt.Errorf("postgres: increment tokens: %w", err)
	}
	return total, nil
}

// guardFailed tells a missing session apart from one that left the active
// state, after an active-only update matched no row.
func (s *Store) guardFailed(ctx context.Context, sessionID string) error {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM sim_sessions WHERE id = $1`, sessionID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrSessionNotFound
	case err != nil:
		return fmt.Errorf("lookup status: %w", err)
	}
	return domain.ErrSessionNotActive
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		sess        domain.Session
		status      string
		completedAt *time.Time
		scoresJSON  []byte
		global      *int
	)
	err := row.Scan(&sess.ID, &sess.LearnerID, &sess.ScenarioID, &status, &sess.StartedAt,
		&completedAt, &sess.TokensUsed, &scoresJSON, &global)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Status = domain.SessionStatus(status)
	sess.StartedAt = sess.StartedAt.UTC()
	if completedAt != nil {
		at := completedAt.UTC()
		sess.CompletedAt = &at
	}
	if len(scoresJSON) > 0 {
		var scores domain.CompetencyScoreSet
		if err := json.Unmarshal(scoresJSON, &scores); err != nil {
			return domain.Session{}, fmt.Errorf("unmarshal scores: %w", err)
		}
		sess.Scores = &scores
	}
	sess.GlobalScore = global
	return sess, nil
}

// Append allocates the next seq from the session row and inserts the
// interaction in one statement, so concurrent appends never share a seq.
func (s *Store) Append(ctx context.Context, sessionID string, role domain.Role, content string, tokens int, payload json.RawMessage) (domain.Interaction, error) {
	const query = `
		WITH next AS (
			UPDATE sim_sessions SET last_seq = last_seq + 1
			WHERE id = $1 AND status = 'active'
			RETURNING last_seq
		)
		INSERT INTO sim_interactions (id, session_id, seq, role, content, tokens, payload, created_at)
		SELECT $2, $1, next.last_seq, $3, $4, $5, $6, $7 FROM next
		RETURNING seq`

	it := domain.Interaction{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Tokens:    tokens,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	var raw []byte
	if len(payload) > 0 {
		raw = payload
	}
	err := s.db.QueryRow(ctx, query, sessionID, it.ID, string(role), content, tokens, raw, it.CreatedAt).Scan(&it.Seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Interaction{}, fmt.Errorf("postgres: append to %q: %w", sessionID, s.guardFailed(ctx, sessionID))
		}
		return domain.Interaction{}, fmt.Errorf("postgres: append interaction: %w", err)
	}
	return it, nil
}

func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]domain.Interaction, error) {
	const query = `
		SELECT id, session_id, seq, role, content, tokens, payload, created_at
		FROM sim_interactions
		WHERE session_id = $1
		ORDER BY seq`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list interactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Interaction
	for rows.Next() {
		var (
			it      domain.Interaction
			role    string
			payload []byte
		)
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Seq, &role, &it.Content, &it.Tokens, &payload, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan interaction: %w", err)
		}
		it.Role = domain.Role(role)
		it.CreatedAt = it.CreatedAt.UTC()
		if len(payload) > 0 {
			it.Payload = json.RawMessage(payload)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list interactions: %w", err)
	}
	return out, nil
}

// UpsertCompetency claims (learner, competency, session) once and folds the
// claim into the progress row. Levels only rise; repeating a call is a no-op.
func (s *Store) UpsertCompetency(ctx context.Context, learnerID, sessionID string, c domain.Competency, score int) error {
	const query = `
		WITH claim AS (
			INSERT INTO sim_progress_sessions (learner_id, competency, session_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
			RETURNING 1
		)
		INSERT INTO sim_progress (learner_id, competency, current_level, best_score, total_sessions, updated_at)
		VALUES ($1, $2, $4, $4, (SELECT count(*) FROM claim), now())
		ON CONFLICT (learner_id, competency) DO UPDATE SET
			current_level  = GREATEST(sim_progress.current_level, EXCLUDED.current_level),
			best_score     = GREATEST(sim_progress.best_score, EXCLUDED.best_score),
			total_sessions = sim_progress.total_sessions + EXCLUDED.total_sessions,
			updated_at     = now()`

	if _, err := s.db.Exec(ctx, query, learnerID, c.Key(), sessionID, domain.ClampLevel(score)); err != nil {
		return fmt.Errorf("postgres: upsert progress %s: %w", c.Key(), err)
	}
	return nil
}

// ListProgress returns a learner's progress records ordered by competency.
func (s *Store) ListProgress(ctx context.Context, learnerID string) ([]domain.ProgressRecord, error) {
	const query = `
		SELECT learner_id, competency, current_level, best_score, total_sessions
		FROM sim_progress
		WHERE learner_id = $1
		ORDER BY competency`

	rows, err := s.db.Query(ctx, query, learnerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list progress: %w", err)
	}
	defer rows.Close()

	var out []domain.ProgressRecord
	for rows.Next() {
		var (
			rec  domain.ProgressRecord
			comp string
		)
		if err := rows.Scan(&rec.LearnerID, &comp, &rec.CurrentLevel, &rec.BestScore, &rec.TotalSessions); err != nil {
			return nil, fmt.Errorf("postgres: scan progress: %w", err)
		}
		rec.Competency, _ = domain.ParseCompetency(comp)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SaveDebrief(ctx context.Context, r domain.DebriefReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("postgres: marshal debrief: %w", err)
	}
	const query = `
		INSERT INTO sim_debriefs (session_id, global_score, fallback, report, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.Exec(ctx, query, r.SessionID, r.GlobalScore, r.Fallback, body, r.CreatedAt.UTC()); err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("postgres: save debrief %q: %w", r.SessionID, domain.ErrDebriefAlreadyExists)
		}
		return fmt.Errorf("postgres: save debrief: %w", err)
	}
	return nil
}

func (s *Store) FindDebrief(ctx context.Context, sessionID string) (domain.DebriefReport, error) {
	var body []byte
	err := s.db.QueryRow(ctx, `SELECT report FROM sim_debriefs WHERE session_id = $1`, sessionID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DebriefReport{}, fmt.Errorf("postgres: debrief %q: %w", sessionID, domain.ErrDebriefNotFound)
		}
		return domain.DebriefReport{}, fmt.Errorf("postgres: find debrief: %w", err)
	}
	var r domain.DebriefReport
	if err := json.Unmarshal(body, &r); err != nil {
		return domain.DebriefReport{}, fmt.Errorf("postgres: unmarshal debrief: %w", err)
	}
	return r, nil
}

// isUniqueViolation checks for SQLSTATE 23505, optionally on one constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
