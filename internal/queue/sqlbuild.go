package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlDialect captures the differences between the SQLite and Postgres
// renditions of the message table.
type sqlDialect struct {
	name string
	// placeholder returns the bind marker for the n-th argument (1-based).
	placeholder func(n int) string
	// timeArg converts a timestamp into the column representation.
	timeArg func(t time.Time) any
	// pushError returns the expression appending the JSON value bound at
	// marker to errors_json.
	pushError func(marker string) string
}

var sqliteDialect = sqlDialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UnixNano() },
	pushError: func(marker string) string {
		return "json_insert(errors_json, '$[#]', json(" + marker + "))"
	},
}

var postgresDialect = sqlDialect{
	name:        "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeArg:     func(t time.Time) any { return t.UTC() },
	pushError: func(marker string) string {
		return "(errors_json::jsonb || jsonb_build_array(" + marker + "::jsonb))::text"
	},
}

const messageColumns = `seq, queue, id, payload, created_at, priority, visible_at,
  lease_token, tries, started_at, deleted_at, errors_json, result`

type sqlBuilder struct {
	d    sqlDialect
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *sqlBuilder) where(coll string, f Filter) string {
	conds := []string{"queue = " + b.arg(coll)}
	if f.ID != "" {
		conds = append(conds, "id = "+b.arg(f.ID))
	}
	if f.LeaseToken != "" {
		conds = append(conds, "lease_token = "+b.arg(f.LeaseToken))
	}
	if f.HasLease {
		conds = append(conds, "lease_token IS NOT NULL")
	}
	if f.NotDone {
		conds = append(conds, "deleted_at IS NULL")
	}
	if f.Done {
		conds = append(conds, "deleted_at IS NOT NULL")
	}
	if !f.VisibleAtOrBefore.IsZero() {
		conds = append(conds, "visible_at <= "+b.arg(b.d.timeArg(f.VisibleAtOrBefore)))
	}
	if !f.VisibleAfter.IsZero() {
		conds = append(conds, "visible_at > "+b.arg(b.d.timeArg(f.VisibleAfter)))
	}
	if !f.DeletedAtOrBefore.IsZero() {
		conds = append(conds, "deleted_at IS NOT NULL", "deleted_at <= "+b.arg(b.d.timeArg(f.DeletedAtOrBefore)))
	}
	return strings.Join(conds, " AND ")
}

func (b *sqlBuilder) set(u Update) ([]string, error) {
	var sets []string
	if u.IncTries {
		sets = append(sets, "tries = tries + 1")
	}
	switch {
	case u.LeaseToken != "":
		sets = append(sets, "lease_token = "+b.arg(u.LeaseToken))
	case u.ClearLease:
		sets = append(sets, "lease_token = NULL")
	}
	if !u.VisibleAt.IsZero() {
		sets = append(sets, "visible_at = "+b.arg(b.d.timeArg(u.VisibleAt)))
	}
	if !u.StartedAt.IsZero() {
		sets = append(sets, "started_at = "+b.arg(b.d.timeArg(u.StartedAt)))
	}
	if !u.DeletedAt.IsZero() {
		sets = append(sets, "deleted_at = "+b.arg(b.d.timeArg(u.DeletedAt)))
	}
	if u.Result != nil {
		sets = append(sets, "result = "+b.arg([]byte(u.Result)))
	}
	if u.PushError != nil {
		raw, err := json.Marshal(u.PushError)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "errors_json = "+b.d.pushError(b.arg(string(raw))))
	}
	return sets, nil
}

func orderBy(s Sort) string {
	if s == SortPriority {
		return "ORDER BY priority DESC, created_at ASC, seq ASC"
	}
	return "ORDER BY seq ASC"
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(d sqlDialect, row rowScanner) (Message, error) {
	var (
		m          Message
		payload    []byte
		lease      sql.NullString
		errorsJSON string
		result     []byte
	)
	var created, visible, started, deleted any
	if d.name == postgresDialect.name {
		var c, v time.Time
		var st, dl sql.NullTime
		created, visible, started, deleted = &c, &v, &st, &dl
	} else {
		var c, v int64
		var st, dl sql.NullInt64
		created, visible, started, deleted = &c, &v, &st, &dl
	}
	if err := row.Scan(
		&m.Seq, &m.Queue, &m.ID, &payload, created, &m.Priority, visible,
		&lease, &m.Tries, started, deleted, &errorsJSON, &result,
	); err != nil {
		return Message{}, err
	}
	m.CreatedAt = scanTime(created)
	m.VisibleAt = scanTime(visible)
	m.StartedAt = scanTime(started)
	m.DeletedAt = scanTime(deleted)
	m.Payload = json.RawMessage(payload)
	if lease.Valid {
		m.LeaseToken = lease.String
	}
	if len(result) > 0 {
		m.Result = json.RawMessage(result)
	}
	if s := strings.TrimSpace(errorsJSON); s != "" && s != "[]" {
		if err := json.Unmarshal([]byte(s), &m.Errors); err != nil {
			return Message{}, fmt.Errorf("decode errors_json: %w", err)
		}
	}
	return m, nil
}

func scanTime(v any) time.Time {
	switch t := v.(type) {
	case *int64:
		return time.Unix(0, *t).UTC()
	case *sql.NullInt64:
		if !t.Valid {
			return time.Time{}
		}
		return time.Unix(0, t.Int64).UTC()
	case *time.Time:
		return t.UTC()
	case *sql.NullTime:
		if !t.Valid {
			return time.Time{}
		}
		return t.Time.UTC()
	default:
		return time.Time{}
	}
}

func nullTimeArg(d sqlDialect, t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return d.timeArg(t)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullBytes(v []byte) any {
	if v == nil {
		return nil
	}
	return []byte(v)
}

func encodeErrors(recs []ErrorRecord) (string, error) {
	if len(recs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// insertMessages writes msgs into coll within an open transaction. The
// caller maps constraint violations.
func insertMessages(ctx context.Context, d sqlDialect, q sqlQuerier, coll string, msgs []Message) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = newMessageID()
		}
		errorsJSON, err := encodeErrors(m.Errors)
		if err != nil {
			return nil, err
		}
		payload := []byte(m.Payload)
		if payload == nil {
			payload = []byte("null")
		}
		b := sqlBuilder{d: d}
		stmt := `INSERT INTO queue_messages (
  queue, id, payload, created_at, priority, visible_at,
  lease_token, tries, started_at, deleted_at, errors_json, result
) VALUES (` + strings.Join([]string{
			b.arg(coll),
			b.arg(m.ID),
			b.arg(payload),
			b.arg(d.timeArg(m.CreatedAt)),
			b.arg(m.Priority),
			b.arg(d.timeArg(m.VisibleAt)),
			b.arg(nullString(m.LeaseToken)),
			b.arg(m.Tries),
			b.arg(nullTimeArg(d, m.StartedAt)),
			b.arg(nullTimeArg(d, m.DeletedAt)),
			b.arg(errorsJSON),
			b.arg(nullBytes(m.Result)),
		}, ", ") + `);`
		if _, err := q.ExecContext(ctx, stmt, b.args...); err != nil {
			return nil, err
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func createCollection(ctx context.Context, d sqlDialect, q sqlQuerier, name string, now time.Time) error {
	b := sqlBuilder{d: d}
	stmt := `INSERT INTO queue_collections (name, created_at, expire_after)
VALUES (` + b.arg(name) + `, ` + b.arg(now.UnixNano()) + `, 0)
ON CONFLICT (name) DO NOTHING;`
	_, err := q.ExecContext(ctx, stmt, b.args...)
	return err
}

func listCollections(ctx context.Context, q sqlQuerier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM queue_collections ORDER BY name ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func countMessages(ctx context.Context, d sqlDialect, q sqlQuerier, coll string, f Filter) (int, error) {
	b := sqlBuilder{d: d}
	stmt := `SELECT COUNT(*) FROM queue_messages WHERE ` + b.where(coll, f) + `;`
	var n int
	if err := q.QueryRowContext(ctx, stmt, b.args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func deleteMessages(ctx context.Context, d sqlDialect, q sqlQuerier, coll string, f Filter) (int, error) {
	b := sqlBuilder{d: d}
	stmt := `DELETE FROM queue_messages WHERE ` + b.where(coll, f) + `;`
	res, err := q.ExecContext(ctx, stmt, b.args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// sqlIndexes are the indexes the SQL schemas create for every collection,
// keyed by the collection-level name they serve.
var sqlIndexes = map[string]bool{
	IndexVisible:         true,
	IndexCreatedVisible:  true,
	IndexPriorityVisible: true,
	IndexLeaseToken:      true,
	IndexDeletedTTL:      true,
}

func ensureIndexes(ctx context.Context, d sqlDialect, q sqlQuerier, coll string, indexes []Index, now time.Time) ([]string, error) {
	for _, idx := range indexes {
		if !sqlIndexes[idx.Name] {
			return nil, fmt.Errorf("%s: unsupported index %q", d.name, idx.Name)
		}
	}
	if err := createCollection(ctx, d, q, coll, now); err != nil {
		return nil, err
	}
	b := sqlBuilder{d: d}
	stmt := `UPDATE queue_collections SET expire_after = ` + b.arg(int64(ttlFromIndexes(indexes))) +
		` WHERE name = ` + b.arg(coll) + `;`
	if _, err := q.ExecContext(ctx, stmt, b.args...); err != nil {
		return nil, err
	}
	return indexNames(indexes), nil
}

// pruneExpired removes done records past their collection's retention.
func pruneExpired(ctx context.Context, d sqlDialect, db *sql.DB, now time.Time) error {
	rows, err := db.QueryContext(ctx, `SELECT name, expire_after FROM queue_collections WHERE expire_after > 0;`)
	if err != nil {
		return err
	}
	type ttl struct {
		name string
		d    time.Duration
	}
	var ttls []ttl
	for rows.Next() {
		var t ttl
		var nanos int64
		if err := rows.Scan(&t.name, &nanos); err != nil {
			_ = rows.Close()
			return err
		}
		t.d = time.Duration(nanos)
		ttls = append(ttls, t)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return err
	}
	for _, t := range ttls {
		if _, err := deleteMessages(ctx, d, db, t.name, Filter{Done: true, DeletedAtOrBefore: now.Add(-t.d)}); err != nil {
			return fmt.Errorf("%s: prune %q: %w", d.name, t.name, err)
		}
	}
	return nil
}
