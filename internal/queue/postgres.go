package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresOption func(*PostgresStore)

// PostgresStore keeps collections in shared Postgres tables. Claims use
// FOR UPDATE SKIP LOCKED so concurrent consumers never block on each other.
type PostgresStore struct {
	db *sql.DB

	mu            sync.Mutex
	nowFn         func() time.Time
	pruneInterval time.Duration
	lastPrune     time.Time
	pruneMu       sync.Mutex
}

var _ Store = (*PostgresStore)(nil)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS queue_collections (
  name         TEXT PRIMARY KEY,
  created_at   BIGINT NOT NULL,
  expire_after BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS queue_messages (
  seq         BIGSERIAL PRIMARY KEY,
  queue       TEXT NOT NULL,
  id          TEXT NOT NULL,
  payload     BYTEA NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  priority    INTEGER NOT NULL,
  visible_at  TIMESTAMPTZ NOT NULL,
  lease_token TEXT,
  tries       INTEGER NOT NULL DEFAULT 0,
  started_at  TIMESTAMPTZ,
  deleted_at  TIMESTAMPTZ,
  errors_json TEXT NOT NULL DEFAULT '[]',
  result      BYTEA,
  UNIQUE (queue, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_visible
  ON queue_messages(queue, deleted_at, visible_at);
CREATE INDEX IF NOT EXISTS idx_messages_created_visible
  ON queue_messages(queue, deleted_at, created_at, visible_at);
CREATE INDEX IF NOT EXISTS idx_messages_priority_visible
  ON queue_messages(queue, deleted_at, priority DESC, created_at, visible_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_lease_token
  ON queue_messages(queue, lease_token) WHERE lease_token IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_deleted
  ON queue_messages(queue, deleted_at) WHERE deleted_at IS NOT NULL;
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresPruneInterval(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d >= 0 {
			s.pruneInterval = d
		}
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
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

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) init() error {
	_, err := s.db.ExecContext(context.Background(), postgresSchemaV1)
	return err
}

func (s *PostgresStore) CreateCollection(ctx context.Context, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	return createCollection(ctx, postgresDialect, s.db, name, s.now())
}

func (s *PostgresStore) Collections(ctx context.Context) ([]string, error) {
	return listCollections(ctx, s.db)
}

func (s *PostgresStore) InsertBatch(ctx context.Context, coll string, msgs []Message) ([]string, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := createCollection(ctx, postgresDialect, tx, coll, now); err != nil {
		return nil, err
	}
	ids, err := insertMessages(ctx, postgresDialect, tx, coll, msgs)
	if err != nil {
		return nil, mapPostgresInsertError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresStore) FindOneAndUpdate(ctx context.Context, coll string, f Filter, order Sort, u Update) (Message, bool, error) {
	if err := s.maybePrune(ctx, s.now()); err != nil {
		return Message{}, false, err
	}

	b := sqlBuilder{d: postgresDialect}
	sets, err := b.set(u)
	if err != nil {
		return Message{}, false, err
	}
	where := b.where(coll, f)

	var stmt string
	if len(sets) == 0 {
		stmt = `SELECT ` + messageColumns + ` FROM queue_messages WHERE ` + where + ` ` + orderBy(order) + ` LIMIT 1;`
	} else {
		// Lookups by id or token must wait for a concurrent holder instead of
		// skipping the row.
		lock := "FOR UPDATE SKIP LOCKED"
		if f.ID != "" || f.LeaseToken != "" {
			lock = "FOR UPDATE"
		}
		stmt = `UPDATE queue_messages SET ` + strings.Join(sets, ", ") + `
WHERE seq = (
  SELECT seq FROM queue_messages
  WHERE ` + where + `
  ` + orderBy(order) + `
  LIMIT 1
  ` + lock + `
)
RETURNING ` + messageColumns + `;`
	}

	msg, err := scanMessage(postgresDialect, s.db.QueryRowContext(ctx, stmt, b.args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, nil
		}
		if isPostgresUniqueViolation(err) {
			return Message{}, false, ErrLeaseTokenExists
		}
		return Message{}, false, err
	}
	return msg, true, nil
}

func (s *PostgresStore) Count(ctx context.Context, coll string, f Filter) (int, error) {
	return countMessages(ctx, postgresDialect, s.db, coll, f)
}

func (s *PostgresStore) Delete(ctx context.Context, coll string, f Filter) (int, error) {
	return deleteMessages(ctx, postgresDialect, s.db, coll, f)
}

func (s *PostgresStore) EnsureIndexes(ctx context.Context, coll string, indexes []Index) ([]string, error) {
	if err := validateCollectionName(coll); err != nil {
		return nil, err
	}
	return ensureIndexes(ctx, postgresDialect, s.db, coll, indexes, s.now())
}

func (s *PostgresStore) maybePrune(ctx context.Context, now time.Time) error {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < s.pruneInterval {
		return nil
	}
	if err := pruneExpired(ctx, postgresDialect, s.db, now); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	s.lastPrune = now
	return nil
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func mapPostgresInsertError(err error) error {
	if err == nil {
		return nil
	}
	if isPostgresUniqueViolation(err) {
		return ErrMessageExists
	}
	return err
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
