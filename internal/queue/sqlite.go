package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queue_collections (
  name         TEXT PRIMARY KEY,
  created_at   INTEGER NOT NULL,
  expire_after INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS queue_messages (
  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
  queue       TEXT NOT NULL,
  id          TEXT NOT NULL,
  payload     BLOB NOT NULL,
  created_at  INTEGER NOT NULL,
  priority    INTEGER NOT NULL,
  visible_at  INTEGER NOT NULL,
  lease_token TEXT,
  tries       INTEGER NOT NULL DEFAULT 0,
  started_at  INTEGER,
  deleted_at  INTEGER,
  errors_json TEXT NOT NULL DEFAULT '[]',
  result      BLOB,
  UNIQUE (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_visible
  ON queue_messages(queue, deleted_at, visible_at);
CREATE INDEX IF NOT EXISTS idx_messages_created_visible
  ON queue_messages(queue, deleted_at, created_at, visible_at);
CREATE INDEX IF NOT EXISTS idx_messages_priority_visible
  ON queue_messages(queue, deleted_at, priority DESC, created_at, visible_at);
`

const schemaV2 = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_lease_token
  ON queue_messages(queue, lease_token) WHERE lease_token IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_deleted
  ON queue_messages(queue, deleted_at) WHERE deleted_at IS NOT NULL;
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithSQLitePruneInterval sets how often TTL retention runs during writes.
func WithSQLitePruneInterval(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d >= 0 {
			s.pruneInterval = d
		}
	}
}

// SQLiteStore persists collections in a single SQLite database. All writes
// go through one connection; find-and-update runs inside BEGIN IMMEDIATE.
type SQLiteStore struct {
	db *sql.DB

	mu            sync.Mutex
	nowFn         func() time.Time
	pruneInterval time.Duration
	lastPrune     time.Time
	pruneMu       sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:            db,
		nowFn:         time.Now,
		pruneInterval: defaultPruneInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, hasVersion, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			var stmt string
			switch v {
			case 1:
				stmt = schemaV1
			case 2:
				stmt = schemaV2
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
			}
		}

		if !hasVersion || current != schemaVersion {
			return writeSchemaVersion(ctx, conn, schemaVersion)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// withImmediateTx runs fn inside BEGIN IMMEDIATE on a dedicated connection,
// committing when fn returns nil.
func (s *SQLiteStore) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) CreateCollection(ctx context.Context, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	return createCollection(ctx, sqliteDialect, s.db, name, s.now())
}

func (s *SQLiteStore) Collections(ctx context.Context) ([]string, error) {
	return listCollections(ctx, s.db)
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, coll string, msgs []Message) ([]string, error) {
	if err := validateCollectionName(coll); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}
	now := s.now()
	if err := s.maybePrune(ctx, now); err != nil {
		return nil, err
	}

	var ids []string
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		if err := createCollection(ctx, sqliteDialect, conn, coll, now); err != nil {
			return err
		}
		var err error
		ids, err = insertMessages(ctx, sqliteDialect, conn, coll, msgs)
		return err
	})
	if err != nil {
		if isSQLiteConstraintError(err) {
			return nil, ErrMessageExists
		}
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) FindOneAndUpdate(ctx context.Context, coll string, f Filter, order Sort, u Update) (Message, bool, error) {
	if err := s.maybePrune(ctx, s.now()); err != nil {
		return Message{}, false, err
	}

	var (
		out   Message
		found bool
	)
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		b := sqlBuilder{d: sqliteDialect}
		stmt := `SELECT seq FROM queue_messages WHERE ` + b.where(coll, f) + ` ` + orderBy(order) + ` LIMIT 1;`
		var seq int64
		if err := conn.QueryRowContext(ctx, stmt, b.args...).Scan(&seq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		ub := sqlBuilder{d: sqliteDialect}
		sets, err := ub.set(u)
		if err != nil {
			return err
		}
		if len(sets) > 0 {
			stmt := `UPDATE queue_messages SET ` + strings.Join(sets, ", ") + ` WHERE seq = ` + ub.arg(seq) + `;`
			if _, err := conn.ExecContext(ctx, stmt, ub.args...); err != nil {
				if isSQLiteConstraintError(err) {
					return ErrLeaseTokenExists
				}
				return err
			}
		}

		row := conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM queue_messages WHERE seq = ?;`, seq)
		out, err = scanMessage(sqliteDialect, row)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Message{}, false, err
	}
	return out, found, nil
}

func (s *SQLiteStore) Count(ctx context.Context, coll string, f Filter) (int, error) {
	return countMessages(ctx, sqliteDialect, s.db, coll, f)
}

func (s *SQLiteStore) Delete(ctx context.Context, coll string, f Filter) (int, error) {
	return deleteMessages(ctx, sqliteDialect, s.db, coll, f)
}

func (s *SQLiteStore) EnsureIndexes(ctx context.Context, coll string, indexes []Index) ([]string, error) {
	if err := validateCollectionName(coll); err != nil {
		return nil, err
	}
	var names []string
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var err error
		names, err = ensureIndexes(ctx, sqliteDialect, conn, coll, indexes, s.now())
		return err
	})
	return names, err
}

func (s *SQLiteStore) maybePrune(ctx context.Context, now time.Time) error {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < s.pruneInterval {
		return nil
	}
	if err := pruneExpired(ctx, sqliteDialect, s.db, now); err != nil {
		return err
	}
	s.lastPrune = now
	return nil
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
