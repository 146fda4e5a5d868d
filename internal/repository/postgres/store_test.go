package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"coaching-sim/internal/domain"
)

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

func errRow(err error) pgx.Row {
	return &mockRow{scanFunc: func(...any) error { return err }}
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.queryFunc(ctx, sql, args...)
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return m.execFunc(ctx, sql, args...)
}

func execReturning(tag string, err error) func(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag(tag), err
	}
}

func TestCreate_ActiveIndexViolation(t *testing.T) {
	db := &mockDB{execFunc: execReturning("", &pgconn.PgError{Code: "23505", ConstraintName: "idx_sim_sessions_one_active"})}
	err := New(db).Create(context.Background(), domain.Session{ID: "s-1", LearnerID: "l-1", Status: domain.StatusActive})
	require.ErrorIs(t, err, domain.ErrActiveSessionExists)
}

func TestCreate_PrimaryKeyViolationIsNotActiveConflict(t *testing.T) {
	db := &mockDB{execFunc: execReturning("", &pgconn.PgError{Code: "23505", ConstraintName: "sim_sessions_pkey"})}
	err := New(db).Create(context.Background(), domain.Session{ID: "s-1", LearnerID: "l-1", Status: domain.StatusActive})
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrActiveSessionExists)
}

func TestMarkCompleted_NoActiveRow(t *testing.T) {
	db := &mockDB{execFunc: execReturning("UPDATE 0", nil)}
	err := New(db).MarkCompleted(context.Background(), domain.Session{ID: "s-1"}, domain.SessionResult{CompletedAt: time.Now()})
	require.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestMarkAbandoned_UpdatesOneRow(t *testing.T) {
	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	require.NoError(t, New(db).MarkAbandoned(context.Background(), domain.Session{ID: "s-1"}, time.Now()))
	require.Contains(t, gotSQL, "status = 'active'")
}

func TestFindByID_NoRows(t *testing.T) {
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row { return errRow(pgx.ErrNoRows) }}
	_, err := New(db).FindByID(context.Background(), "s-1")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestAppend_MissingSession(t *testing.T) {
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row { return errRow(pgx.ErrNoRows) }}
	_, err := New(db).Append(context.Background(), "s-1", domain.RoleLearner, "hi", 0, nil)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestAppend_TerminalSession(t *testing.T) {
	var statements []string
	db := &mockDB{queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
		statements = append(statements, sql)
		if strings.HasPrefix(sql, "SELECT status") {
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*string) = "abandoned"
				return nil
			}}
		}
		return errRow(pgx.ErrNoRows)
	}}
	_, err := New(db).Append(context.Background(), "s-1", domain.RoleTaskModel, "late reply", 40, nil)
	require.ErrorIs(t, err, domain.ErrSessionNotActive)
	require.Len(t, statements, 2)
	require.Contains(t, statements[0], "AND status = 'active'")
}

func TestIncrementTokens_TerminalSession(t *testing.T) {
	var statements []string
	db := &mockDB{queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
		statements = append(statements, sql)
		if strings.HasPrefix(sql, "SELECT status") {
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*string) = "completed"
				return nil
			}}
		}
		return errRow(pgx.ErrNoRows)
	}}
	_, err := New(db).IncrementTokens(context.Background(), "s-1", 19)
	require.ErrorIs(t, err, domain.ErrSessionNotActive)
	require.Contains(t, statements[0], "AND status = 'active'")
}

func TestIncrementTokens_MissingSession(t *testing.T) {
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row { return errRow(pgx.ErrNoRows) }}
	_, err := New(db).IncrementTokens(context.Background(), "s-1", 19)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestAppend_ScansSeq(t *testing.T) {
	var args []any
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, a ...any) pgx.Row {
		args = a
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*int64) = 4
			return nil
		}}
	}}
	s := New(db)
	s.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	it, err := s.Append(context.Background(), "s-1", domain.RoleCoach, "", 12, []byte(`{"tip":"x"}`))
	require.NoError(t, err)
	require.Equal(t, int64(4), it.Seq)
	require.Equal(t, "coach", args[2])
	require.Equal(t, []byte(`{"tip":"x"}`), args[5])
}

func TestSaveDebrief_Duplicate(t *testing.T) {
	db := &mockDB{execFunc: execReturning("", &pgconn.PgError{Code: "23505", ConstraintName: "sim_debriefs_pkey"})}
	err := New(db).SaveDebrief(context.Background(), domain.DebriefReport{SessionID: "s-1"})
	require.ErrorIs(t, err, domain.ErrDebriefAlreadyExists)
}

func TestFindDebrief_NoRows(t *testing.T) {
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row { return errRow(pgx.ErrNoRows) }}
	_, err := New(db).FindDebrief(context.Background(), "s-1")
	require.ErrorIs(t, err, domain.ErrDebriefNotFound)
}

func TestUpsertCompetency_ClampsLevel(t *testing.T) {
	var args []any
	db := &mockDB{execFunc: func(_ context.Context, _ string, a ...any) (pgconn.CommandTag, error) {
		args = a
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	require.NoError(t, New(db).UpsertCompetency(context.Background(), "l-1", "s-1", domain.CompetencyEthics, 11))
	require.Equal(t, []any{"l-1", "C6", "s-1", 5}, args)
}

func TestMigrate_WrapsError(t *testing.T) {
	db := &mockDB{execFunc: execReturning("", errors.New("permission denied"))}
	err := New(db).Migrate(context.Background())
	require.ErrorContains(t, err, "postgres: migrate")
}
