package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// dialect captures the differences between the SQL databases supported by
// SQLBackend.
type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// appended to the execution lookup to hold a row lock for the transaction
	lockRow string
	// appended to the claim subquery
	skipLocked string
	schema     []string
}

// SQLBackend is a Backend on top of database/sql. History, pending events and
// execution records live in three tables; every WithinTransaction call is one
// database transaction.
type SQLBackend struct {
	db   *sql.DB
	d    dialect
	opts options
}

// Ensure SQLBackend implements Backend.
var _ Backend = (*SQLBackend)(nil)

func newSQLBackend(ctx context.Context, db *sql.DB, d dialect, opts []Option) (*SQLBackend, error) {
	b := &SQLBackend{db: db, d: d, opts: buildOptions(opts)}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s schema: %w", d.name, err)
		}
	}
	return b, nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (b *SQLBackend) rebind(q string) string {
	if !b.d.numbered {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBackend) WithinTransaction(ctx context.Context, executionID string, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &sqlTransaction{backend: b, tx: sqlTx, id: executionID}
	if err = fn(ctx, tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return err
	}
	tx.wake.fire(b.opts.wake, executionID)
	return nil
}

func (b *SQLBackend) PendingExecutions(ctx context.Context, lockDuration time.Duration, limit int) ([]Claim, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := b.opts.now()
	until := now.Add(lockDuration).UnixNano()

	rows, err := b.db.QueryContext(ctx, b.rebind(`
		UPDATE executions SET locked_until = ?
		WHERE id IN (
			SELECT e.id FROM executions e
			WHERE e.status NOT IN ('completed', 'canceled')
				AND (e.locked_until IS NULL OR e.locked_until <= ?)
				AND EXISTS (
					SELECT 1 FROM pending_events p
					WHERE p.execution_id = e.id AND (p.visible_at IS NULL OR p.visible_at <= ?)
				)
			ORDER BY e.id
			LIMIT ?`+b.d.skipLocked+`
		)
		RETURNING id`),
		until, now.UnixNano(), now.UnixNano(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		claims = append(claims, NewClaim(id, func(ctx context.Context) error {
			_, err := b.db.ExecContext(ctx,
				b.rebind(`UPDATE executions SET locked_until = NULL WHERE id = ? AND locked_until = ?`),
				id, until,
			)
			return err
		}))
	}
	return claims, rows.Err()
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

type sqlTransaction struct {
	backend *SQLBackend
	tx      *sql.Tx
	id      string
	wake    wakeTracker
}

func (t *sqlTransaction) Execution() ExecutionStore { return sqlExecutions{t} }
func (t *sqlTransaction) History() HistoryStore     { return sqlEvents{t, "history"} }
func (t *sqlTransaction) Pending() PendingStore     { return sqlEvents{t, "pending_events"} }

func (t *sqlTransaction) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.backend.rebind(q), args...)
}

func (t *sqlTransaction) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.backend.rebind(q), args...)
}

type sqlExecutions struct{ t *sqlTransaction }

func (s sqlExecutions) Get(ctx context.Context) (*api.WorkflowExecution, error) {
	row := s.t.tx.QueryRowContext(ctx, s.t.backend.rebind(`
		SELECT id, namespace, workflow_ref, status, metadata, input, output, error, created_at, completed_at
		FROM executions
		WHERE id = ?`+s.t.backend.d.lockRow),
		s.t.id,
	)

	var (
		exec              api.WorkflowExecution
		metadata, errText sql.NullString
		input, output     sql.NullString
		createdAt         int64
		completedAt       sql.NullInt64
		status            string
	)
	err := row.Scan(&exec.ID, &exec.Namespace, &exec.WorkflowRef, &status, &metadata, &input, &output, &errText, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}

	exec.Status = api.Status(status)
	exec.CreatedAt = time.Unix(0, createdAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		exec.CompletedAt = &t
	}
	if input.Valid {
		exec.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		exec.Output = json.RawMessage(output.String)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &exec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if errText.Valid && errText.String != "" {
		exec.Error = &api.Exception{}
		if err := json.Unmarshal([]byte(errText.String), exec.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	return &exec, nil
}

func (s sqlExecutions) Create(ctx context.Context, exec *api.WorkflowExecution) error {
	metadata, errText, err := encodeExecutionColumns(exec)
	if err != nil {
		return err
	}
	res, err := s.t.exec(ctx, `
		INSERT INTO executions (id, namespace, workflow_ref, status, metadata, input, output, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		s.t.id, exec.Namespace, exec.WorkflowRef, string(exec.Status), metadata,
		nullableRaw(exec.Input), nullableRaw(exec.Output), errText,
		exec.CreatedAt.UnixNano(), nullableTime(exec.CompletedAt),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrExecutionExists
	}
	return nil
}

func (s sqlExecutions) Update(ctx context.Context, exec *api.WorkflowExecution) error {
	metadata, errText, err := encodeExecutionColumns(exec)
	if err != nil {
		return err
	}
	res, err := s.t.exec(ctx, `
		UPDATE executions
		SET status = ?, metadata = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		string(exec.Status), metadata, nullableRaw(exec.Output), errText, nullableTime(exec.CompletedAt),
		s.t.id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrExecutionNotFound
	}
	return nil
}

func encodeExecutionColumns(exec *api.WorkflowExecution) (metadata, errText sql.NullString, err error) {
	if len(exec.Metadata) > 0 {
		raw, err := json.Marshal(exec.Metadata)
		if err != nil {
			return metadata, errText, err
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	if exec.Error != nil {
		raw, err := json.Marshal(exec.Error)
		if err != nil {
			return metadata, errText, err
		}
		errText = sql.NullString{String: string(raw), Valid: true}
	}
	return metadata, errText, nil
}

func nullableRaw(r json.RawMessage) sql.NullString {
	if len(r) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// sqlEvents serves both history and pending_events, which share a layout.
type sqlEvents struct {
	t     *sqlTransaction
	table string
}

func (s sqlEvents) Get(ctx context.Context, page *api.Pagination) ([]api.Event, error) {
	q := `SELECT id, type, timestamp, seq, visible_at, attributes FROM ` + s.table + ` WHERE execution_id = ?`
	args := []any{s.t.id}

	if s.table == "history" {
		if page != nil && page.Reverse {
			q += ` ORDER BY seq DESC`
		} else {
			q += ` ORDER BY seq ASC`
		}
	} else {
		q += ` AND (visible_at IS NULL OR visible_at <= ?)`
		args = append(args, s.t.backend.opts.now().UnixNano())
		if page != nil && page.Reverse {
			q += ` ORDER BY visible_at DESC NULLS LAST, timestamp DESC, id DESC`
		} else {
			q += ` ORDER BY visible_at ASC NULLS FIRST, timestamp ASC, id ASC`
		}
	}
	if page != nil && page.PageSize > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, page.PageSize, page.Offset())
	}

	rows, err := s.t.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []api.Event{}
	for rows.Next() {
		var (
			e         api.Event
			typ       string
			ts        int64
			visibleAt sql.NullInt64
			attrs     string
		)
		if err := rows.Scan(&e.ID, &typ, &ts, &e.Seq, &visibleAt, &attrs); err != nil {
			return nil, err
		}
		e.Type = api.EventType(typ)
		e.Timestamp = time.Unix(0, ts).UTC()
		if visibleAt.Valid {
			v := time.Unix(0, visibleAt.Int64).UTC()
			e.VisibleAt = &v
		}
		if e.Attributes, err = api.UnmarshalAttributes(e.Type, []byte(attrs)); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s sqlEvents) Add(ctx context.Context, events ...api.Event) error {
	for _, e := range events {
		attrs, err := api.MarshalAttributes(e.Attributes)
		if err != nil {
			return err
		}
		if _, err := s.t.exec(ctx, `
			INSERT INTO `+s.table+` (id, execution_id, seq, type, timestamp, visible_at, attributes)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, s.t.id, e.Seq, string(e.Type), e.Timestamp.UnixNano(), nullableTime(e.VisibleAt), string(attrs),
		); err != nil {
			return fmt.Errorf("insert %s event %s: %w", s.table, e.ID, err)
		}
	}
	if s.table == "pending_events" {
		s.t.wake.track(s.t.backend.opts.now(), events)
	}
	return nil
}

func (s sqlEvents) Delete(ctx context.Context, events ...api.Event) error {
	for _, e := range events {
		if _, err := s.t.exec(ctx, `DELETE FROM `+s.table+` WHERE execution_id = ? AND id = ?`, s.t.id, e.ID); err != nil {
			return err
		}
	}
	return nil
}
