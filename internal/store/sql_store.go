package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/util"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements every repository on top of database/sql. Queries are
// written with '?' placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	name    string // used as the log prefix
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn in a transaction, committing on nil error.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error(s.name+".withTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}

const sessionColumns = `id, address, channel, state, language, history, variables,
	last_activity_at, expires_at, active, version, created_at, updated_at`

func scanSession(row scanner) (*models.Session, error) {
	var sess models.Session
	var historyJSON, varsJSON []byte
	var expiresAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.Address, &sess.Channel, &sess.State, &sess.Language, &historyJSON, &varsJSON,
		&sess.LastActivityAt, &expiresAt, &sess.Active, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(historyJSON, &sess.History); err != nil {
		return nil, fmt.Errorf("decode history of session %s: %w", sess.ID, err)
	}
	if err := unmarshalJSON(varsJSON, &sess.Variables); err != nil {
		return nil, fmt.Errorf("decode variables of session %s: %w", sess.ID, err)
	}
	if sess.Variables == nil {
		sess.Variables = models.Variables{}
	}
	if expiresAt.Valid {
		sess.ExpiresAt = expiresAt.Time
	}
	return &sess, nil
}

// LoadOrCreateActiveSession implements SessionStore.
func (s *sqlStore) LoadOrCreateActiveSession(ctx context.Context, address, channel string, now time.Time, ttl time.Duration) (*models.Session, bool, error) {
	if address == "" {
		return nil, false, models.ErrEmptyAddress
	}
	now = now.UTC()

	var lastErr error
	// A second attempt covers losing the insert race to another process; the
	// partial unique index rejects the second active session.
	for attempt := 0; attempt < 2; attempt++ {
		var sess *models.Session
		var created bool
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			existing, err := scanSession(s.queryRow(ctx, tx,
				`SELECT `+sessionColumns+` FROM sessions WHERE address = ? AND active = ?`, address, true))
			switch {
			case err == nil && !existing.Expired(now):
				sess = existing
				return nil
			case err == nil:
				slog.Debug(s.name+".LoadOrCreateActiveSession: session expired", "session_id", existing.ID, "address", address)
				if err := s.deactivateSessionTx(ctx, tx, existing.ID, now); err != nil {
					return err
				}
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("load active session: %w", err)
			}

			sess = &models.Session{
				ID:        util.NewID(util.PrefixSession),
				Address:   address,
				Channel:   channel,
				Variables: models.Variables{},
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			sess.Touch(now, ttl)
			created = true
			return s.insertSession(ctx, tx, sess)
		})
		if err == nil {
			if created {
				slog.Info(s.name+".LoadOrCreateActiveSession: created session", "session_id", sess.ID, "address", address)
			}
			return sess, created, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn(s.name+".LoadOrCreateActiveSession: attempt failed", "attempt", attempt+1, "address", address, "error", err)
	}
	return nil, false, lastErr
}

func (s *sqlStore) insertSession(ctx context.Context, tx *sql.Tx, sess *models.Session) error {
	historyJSON, err := marshalJSON(sess.History)
	if err != nil {
		return err
	}
	varsJSON, err := marshalJSON(sess.Variables)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, tx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Address, sess.Channel, sess.State, sess.Language, historyJSON, varsJSON,
		sess.LastActivityAt.UTC(), nullTime(sess.ExpiresAt), sess.Active, sess.Version, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *sqlStore) deactivateSessionTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	if _, err := s.exec(ctx, tx,
		`UPDATE sessions SET active = ?, version = version + 1, updated_at = ? WHERE id = ?`, false, now, id); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if _, err := s.exec(ctx, tx,
		`UPDATE workflow_executions SET status = ?, awaiting_input = ?, completed_at = ?, updated_at = ?
		 WHERE session_id = ? AND status = ?`,
		models.ExecutionAbandoned, false, now, now, id, models.ExecutionInProgress); err != nil {
		return fmt.Errorf("abandon executions: %w", err)
	}
	return nil
}

// GetActiveSession implements SessionStore.
func (s *sqlStore) GetActiveSession(ctx context.Context, address string) (*models.Session, error) {
	sess, err := scanSession(s.queryRow(ctx, s.db,
		`SELECT `+sessionColumns+` FROM sessions WHERE address = ? AND active = ?`, address, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

// GetSession implements SessionStore.
func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.queryRow(ctx, s.db, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// DeactivateSession implements SessionStore.
func (s *sqlStore) DeactivateSession(ctx context.Context, id string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.deactivateSessionTx(ctx, tx, id, now.UTC())
	})
}

// ExpireSessions implements SessionStore.
func (s *sqlStore) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx,
			`SELECT id FROM sessions WHERE active = ? AND expires_at IS NOT NULL AND expires_at <= ?`, true, now)
		if err != nil {
			return fmt.Errorf("select expired sessions: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired session: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired sessions: %w", err)
		}
		for _, id := range ids {
			if err := s.deactivateSessionTx(ctx, tx, id, now); err != nil {
				return err
			}
		}
		count = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		slog.Info(s.name+".ExpireSessions: expired sessions", "count", count)
	}
	return count, nil
}

const executionColumns = `id, session_id, workflow_id, current_step_id, current_step_key, variables,
	status, awaiting_input, started_at, completed_at, updated_at`

func scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	var stepID, stepKey sql.NullString
	var varsJSON []byte
	var completedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.SessionID, &e.WorkflowID, &stepID, &stepKey, &varsJSON,
		&e.Status, &e.AwaitingInput, &e.StartedAt, &completedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.CurrentStepID = stepID.String
	e.CurrentStepKey = stepKey.String
	if err := unmarshalJSON(varsJSON, &e.Variables); err != nil {
		return nil, fmt.Errorf("decode variables of execution %s: %w", e.ID, err)
	}
	if e.Variables == nil {
		e.Variables = models.Variables{}
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return &e, nil
}

// GetLatestExecution implements ExecutionStore.
func (s *sqlStore) GetLatestExecution(ctx context.Context, sessionID string) (*models.WorkflowExecution, error) {
	e, err := scanExecution(s.queryRow(ctx, s.db,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE session_id = ? ORDER BY started_at DESC LIMIT 1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest execution: %w", err)
	}
	return e, nil
}

// GetExecution implements ExecutionStore.
func (s *sqlStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	e, err := scanExecution(s.queryRow(ctx, s.db, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// SaveTurn implements TurnStore.
func (s *sqlStore) SaveTurn(ctx context.Context, sess *models.Session, exec *models.WorkflowExecution) error {
	historyJSON, err := marshalJSON(sess.History)
	if err != nil {
		return err
	}
	varsJSON, err := marshalJSON(sess.Variables)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`UPDATE sessions SET state = ?, language = ?, history = ?, variables = ?, last_activity_at = ?,
			 expires_at = ?, active = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			sess.State, sess.Language, historyJSON, varsJSON, sess.LastActivityAt.UTC(),
			nullTime(sess.ExpiresAt), sess.Active, now, sess.ID, sess.Version,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session rows affected: %w", err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
		if exec != nil {
			if err := s.upsertExecution(ctx, tx, exec); err != nil {
				return err
			}
		}
		if !sess.Active {
			// An execution of a closed session cannot continue.
			if _, err := s.exec(ctx, tx,
				`UPDATE workflow_executions SET status = ?, completed_at = ?, updated_at = ? WHERE session_id = ? AND status = ?`,
				models.ExecutionAbandoned, now, now, sess.ID, models.ExecutionInProgress); err != nil {
				return fmt.Errorf("abandon executions: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	sess.Version++
	sess.UpdatedAt = now
	return nil
}

func (s *sqlStore) upsertExecution(ctx context.Context, tx *sql.Tx, e *models.WorkflowExecution) error {
	varsJSON, err := marshalJSON(e.Variables)
	if err != nil {
		return err
	}
	var completedAt any
	if e.CompletedAt != nil {
		completedAt = e.CompletedAt.UTC()
	}
	_, err = s.exec(ctx, tx,
		`INSERT INTO workflow_executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			current_step_id = excluded.current_step_id,
			current_step_key = excluded.current_step_key,
			variables = excluded.variables,
			status = excluded.status,
			awaiting_input = excluded.awaiting_input,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		e.ID, e.SessionID, e.WorkflowID, nilIfEmpty(e.CurrentStepID), nilIfEmpty(e.CurrentStepKey), varsJSON,
		e.Status, e.AwaitingInput, e.StartedAt.UTC(), completedAt, e.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return nil
}
