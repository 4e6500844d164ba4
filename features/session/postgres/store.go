// Package postgres provides a PostgreSQL-backed implementation of
// session.Store using pgx.
//
// The schema is embedded and applied by Migrate. Updates use the session
// version column for optimistic concurrency; checkpoints cascade on session
// deletion.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/session"
	"goa.design/agentd/runtime/telemetry"
)

const (
	clientName = "session-postgres"

	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"

	sessionColumns = `id, status, model, created_at, updated_at, total_turns, total_cost_usd,
		parent_session_id, mode, project_id, tags, owner_hash, last_stop_reason, last_error, version`
)

// Store is a session.Store backed by PostgreSQL. It also implements
// health.Pinger.
type Store struct {
	pool   *pgxpool.Pool
	logger telemetry.Logger
}

var _ session.Store = (*Store)(nil)

// New returns a Store using pool. Call Migrate before first use.
func New(pool *pgxpool.Pool, logger telemetry.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Connect opens a pool for dsn, verifies connectivity and applies
// migrations.
func Connect(ctx context.Context, dsn string, logger telemetry.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := New(pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// CreateSession implements session.Store.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		sess.ID, string(sess.Status), sess.Model, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
		sess.TotalTurns, sess.TotalCostUSD, sess.ParentSessionID, sess.Mode, sess.ProjectID,
		nonNil(sess.Tags), sess.OwnerHash, sess.LastStopReason, sess.LastError, sess.Version)
	if pgCode(err) == uniqueViolation {
		return session.ErrSessionExists
	}
	return err
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, apperr.Validation("session id is required")
	}
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, err
}

// SaveSession implements session.Store.
func (s *Store) SaveSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if err := sess.Validate(); err != nil {
		return session.Session{}, err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET
		status=$3, model=$4, updated_at=$5, total_turns=$6, total_cost_usd=$7, parent_session_id=$8,
		mode=$9, project_id=$10, tags=$11, owner_hash=$12, last_stop_reason=$13, last_error=$14,
		version=version+1
		WHERE id=$1 AND version=$2`,
		sess.ID, sess.Version, string(sess.Status), sess.Model, sess.UpdatedAt.UTC(), sess.TotalTurns,
		sess.TotalCostUSD, sess.ParentSessionID, sess.Mode, sess.ProjectID, nonNil(sess.Tags),
		sess.OwnerHash, sess.LastStopReason, sess.LastError)
	if err != nil {
		return session.Session{}, err
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.exists(ctx, sess.ID)
		if err != nil {
			return session.Session{}, err
		}
		if !exists {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, session.ErrVersionConflict
	}
	sess.Version++
	return sess.Clone(), nil
}

// DeleteSession implements session.Store.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// ListSessions implements session.Store.
func (s *Store) ListSessions(ctx context.Context, f session.ListFilter) ([]session.Session, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OwnerHash != "" {
		add("owner_hash=$%d", f.OwnerHash)
	}
	if f.ProjectID != "" {
		add("project_id=$%d", f.ProjectID)
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	if f.Tag != "" {
		add("$%d = ANY(tags)", f.Tag)
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	q += fmt.Sprintf(" ORDER BY updated_at DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AppendCheckpoint implements session.Store.
func (s *Store) AppendCheckpoint(ctx context.Context, c session.Checkpoint) error {
	if c.ID == "" || c.SessionID == "" {
		return apperr.Validation("checkpoint id and session id are required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO checkpoints (id, session_id, message_ref, files_touched, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		c.ID, c.SessionID, c.MessageRef, nonNil(c.FilesTouched), c.CreatedAt.UTC())
	switch pgCode(err) {
	case uniqueViolation:
		return session.ErrCheckpointExists
	case foreignKeyViolation:
		return session.ErrSessionNotFound
	}
	return err
}

// ListCheckpoints implements session.Store.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]session.Checkpoint, error) {
	exists, err := s.exists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, session.ErrSessionNotFound
	}
	rows, err := s.pool.Query(ctx, `SELECT id, session_id, message_ref, files_touched, created_at
		FROM checkpoints WHERE session_id=$1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []session.Checkpoint{}
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadCheckpoint implements session.Store.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID, checkpointID string) (session.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, session_id, message_ref, files_touched, created_at
		FROM checkpoints WHERE id=$1 AND session_id=$2`, checkpointID, sessionID)
	c, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Checkpoint{}, session.ErrCheckpointNotFound
	}
	return c, err
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id=$1)`, id).Scan(&ok)
	return ok, err
}

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		sess    session.Session
		status  string
		created time.Time
		updated time.Time
		tags    []string
	)
	err := row.Scan(&sess.ID, &status, &sess.Model, &created, &updated, &sess.TotalTurns, &sess.TotalCostUSD,
		&sess.ParentSessionID, &sess.Mode, &sess.ProjectID, &tags, &sess.OwnerHash, &sess.LastStopReason,
		&sess.LastError, &sess.Version)
	if err != nil {
		return session.Session{}, err
	}
	sess.Status = session.Status(status)
	sess.CreatedAt = created.UTC()
	sess.UpdatedAt = updated.UTC()
	if len(tags) > 0 {
		sess.Tags = tags
	}
	return sess, nil
}

func scanCheckpoint(row pgx.Row) (session.Checkpoint, error) {
	var (
		c       session.Checkpoint
		files   []string
		created time.Time
	)
	if err := row.Scan(&c.ID, &c.SessionID, &c.MessageRef, &files, &created); err != nil {
		return session.Checkpoint{}, err
	}
	if len(files) > 0 {
		c.FilesTouched = files
	}
	c.CreatedAt = created.UTC()
	return c, nil
}

// nonNil maps nil slices to empty ones: pgx encodes nil as NULL.
func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
