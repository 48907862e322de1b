package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	c/<coll>              collection meta
//	m/<coll>\x00<seq>     message record, seq big-endian
//	i/<coll>\x00<id>      id -> seq
//	l/<coll>\x00<token>   lease token -> seq
//	s                     last assigned seq
const (
	pebblePrefixCollection = "c/"
	pebblePrefixMessage    = "m/"
	pebblePrefixID         = "i/"
	pebblePrefixLease      = "l/"
	pebbleKeySeq           = "s"
)

type PebbleOption func(*PebbleStore)

func WithPebbleNowFunc(now func() time.Time) PebbleOption {
	return func(s *PebbleStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPebblePruneInterval(d time.Duration) PebbleOption {
	return func(s *PebbleStore) {
		if d >= 0 {
			s.pruneInterval = d
		}
	}
}

// WithPebbleSync controls whether commits fsync the WAL. Defaults to true.
func WithPebbleSync(sync bool) PebbleOption {
	return func(s *PebbleStore) {
		if sync {
			s.writeOpts = pebble.Sync
		} else {
			s.writeOpts = pebble.NoSync
		}
	}
}

// PebbleStore keeps collections in an embedded Pebble key/value store.
// Writers are serialized by a mutex; each mutation commits one batch.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu            sync.Mutex
	closed        bool
	nowFn         func() time.Time
	seq           uint64
	pruneInterval time.Duration
	lastPrune     time.Time
}

var _ Store = (*PebbleStore)(nil)

type pebbleCollectionMeta struct {
	CreatedAt   time.Time     `json:"created_at"`
	ExpireAfter time.Duration `json:"expire_after"`
}

func NewPebbleStore(dir string, opts ...PebbleOption) (*PebbleStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("empty pebble dir")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &PebbleStore{
		db:            db,
		writeOpts:     pebble.Sync,
		nowFn:         time.Now,
		pruneInterval: defaultPruneInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := s.get([]byte(pebbleKeySeq))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		_ = db.Close()
		return nil, err
	}
	if len(raw) == 8 {
		s.seq = binary.BigEndian.Uint64(raw)
	}
	return s, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func collectionKey(name string) []byte {
	return []byte(pebblePrefixCollection + name)
}

func messagePrefix(coll string) []byte {
	return []byte(pebblePrefixMessage + coll + "\x00")
}

func messageKey(coll string, seq uint64) []byte {
	k := messagePrefix(coll)
	return binary.BigEndian.AppendUint64(k, seq)
}

func idKey(coll, id string) []byte {
	return []byte(pebblePrefixID + coll + "\x00" + id)
}

func leaseKey(coll, token string) []byte {
	return []byte(pebblePrefixLease + coll + "\x00" + token)
}

// prefixUpperBound returns the smallest key greater than every key with p
// as prefix.
func prefixUpperBound(p []byte) []byte {
	hi := append([]byte(nil), p...)
	for i := len(hi) - 1; i >= 0; i-- {
		hi[i]++
		if hi[i] != 0 {
			return hi[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *PebbleStore) CreateCollection(_ context.Context, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	if _, err := s.ensureCollectionLocked(b, name); err != nil {
		return err
	}
	return b.Commit(s.writeOpts)
}

func (s *PebbleStore) ensureCollectionLocked(b *pebble.Batch, name string) (pebbleCollectionMeta, error) {
	raw, err := s.get(collectionKey(name))
	if err == nil {
		var meta pebbleCollectionMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return pebbleCollectionMeta{}, fmt.Errorf("pebble: decode collection %q: %w", name, err)
		}
		return meta, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return pebbleCollectionMeta{}, err
	}
	meta := pebbleCollectionMeta{CreatedAt: s.nowFn()}
	raw, err = json.Marshal(meta)
	if err != nil {
		return pebbleCollectionMeta{}, err
	}
	return meta, b.Set(collectionKey(name), raw, nil)
}

func (s *PebbleStore) Collections(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	prefix := []byte(pebblePrefixCollection)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []string
	for it.First(); it.Valid(); it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Key()), pebblePrefixCollection))
	}
	return out, it.Error()
}

func (s *PebbleStore) InsertBatch(_ context.Context, coll string, msgs []Message) ([]string, error) {
	if err := validateCollectionName(coll); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := s.maybePruneLocked(s.nowFn()); err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if _, err := s.ensureCollectionLocked(b, coll); err != nil {
		return nil, err
	}

	seq := s.seq
	seen := make(map[string]struct{}, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		m = m.clone()
		if m.ID == "" {
			m.ID = newMessageID()
		}
		if _, ok := seen[m.ID]; ok {
			return nil, ErrMessageExists
		}
		seen[m.ID] = struct{}{}
		if _, err := s.get(idKey(coll, m.ID)); err == nil {
			return nil, ErrMessageExists
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return nil, err
		}

		seq++
		m.Queue = coll
		m.Seq = int64(seq)
		if err := s.putMessage(b, m); err != nil {
			return nil, err
		}
		if err := b.Set(idKey(coll, m.ID), seqBytes(seq), nil); err != nil {
			return nil, err
		}
		if m.LeaseToken != "" {
			if err := b.Set(leaseKey(coll, m.LeaseToken), seqBytes(seq), nil); err != nil {
				return nil, err
			}
		}
		ids = append(ids, m.ID)
	}
	if err := b.Set([]byte(pebbleKeySeq), seqBytes(seq), nil); err != nil {
		return nil, err
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return nil, err
	}
	s.seq = seq
	return ids, nil
}

func seqBytes(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

func (s *PebbleStore) putMessage(b *pebble.Batch, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Set(messageKey(m.Queue, uint64(m.Seq)), raw, nil)
}

func (s *PebbleStore) loadBySeqKey(coll string, seqKey []byte) (*Message, error) {
	raw, err := s.get(seqKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("pebble: corrupt index entry in %q", coll)
	}
	return s.loadMessage(messageKey(coll, binary.BigEndian.Uint64(raw)))
}

func (s *PebbleStore) loadMessage(key []byte) (*Message, error) {
	raw, err := s.get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m.Seq = seqFromMessageKey(key)
	return &m, nil
}

// seqFromMessageKey recovers the seq suffix of a messageKey. Seq is not part
// of the stored JSON document.
func seqFromMessageKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// scanLocked calls fn for every message in coll, in seq order.
func (s *PebbleStore) scanLocked(coll string, fn func(m *Message) error) error {
	prefix := messagePrefix(coll)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		var m Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return fmt.Errorf("pebble: decode message: %w", err)
		}
		m.Seq = seqFromMessageKey(it.Key())
		if err := fn(&m); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *PebbleStore) findLocked(coll string, f Filter, order Sort) (*Message, error) {
	var (
		m   *Message
		err error
	)
	switch {
	case f.LeaseToken != "":
		m, err = s.loadBySeqKey(coll, leaseKey(coll, f.LeaseToken))
	case f.ID != "":
		m, err = s.loadBySeqKey(coll, idKey(coll, f.ID))
	default:
		var best *Message
		err = s.scanLocked(coll, func(cur *Message) error {
			if f.Matches(cur) && (best == nil || order.less(cur, best)) {
				best = cur
			}
			return nil
		})
		return best, err
	}
	if err != nil || m == nil || !f.Matches(m) {
		return nil, err
	}
	return m, nil
}

func (s *PebbleStore) FindOneAndUpdate(_ context.Context, coll string, f Filter, order Sort, u Update) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false, ErrStoreClosed
	}
	if err := s.maybePruneLocked(s.nowFn()); err != nil {
		return Message{}, false, err
	}

	cur, err := s.findLocked(coll, f, order)
	if err != nil || cur == nil {
		return Message{}, false, err
	}
	if u.empty() {
		return *cur, true, nil
	}

	next := cur.clone()
	u.apply(&next)

	b := s.db.NewBatch()
	defer b.Close()
	if next.LeaseToken != cur.LeaseToken {
		if next.LeaseToken != "" {
			if _, err := s.get(leaseKey(coll, next.LeaseToken)); err == nil {
				return Message{}, false, ErrLeaseTokenExists
			} else if !errors.Is(err, pebble.ErrNotFound) {
				return Message{}, false, err
			}
			if err := b.Set(leaseKey(coll, next.LeaseToken), seqBytes(uint64(next.Seq)), nil); err != nil {
				return Message{}, false, err
			}
		}
		if cur.LeaseToken != "" {
			if err := b.Delete(leaseKey(coll, cur.LeaseToken), nil); err != nil {
				return Message{}, false, err
			}
		}
	}
	if err := s.putMessage(b, next); err != nil {
		return Message{}, false, err
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return Message{}, false, err
	}
	return next, true, nil
}

func (s *PebbleStore) Count(_ context.Context, coll string, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	err := s.scanLocked(coll, func(m *Message) error {
		if f.Matches(m) {
			n++
		}
		return nil
	})
	return n, err
}

func (s *PebbleStore) Delete(_ context.Context, coll string, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return s.deleteLocked(coll, f)
}

func (s *PebbleStore) deleteLocked(coll string, f Filter) (int, error) {
	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	err := s.scanLocked(coll, func(m *Message) error {
		if !f.Matches(m) {
			return nil
		}
		n++
		if err := b.Delete(messageKey(coll, uint64(m.Seq)), nil); err != nil {
			return err
		}
		if err := b.Delete(idKey(coll, m.ID), nil); err != nil {
			return err
		}
		if m.LeaseToken != "" {
			return b.Delete(leaseKey(coll, m.LeaseToken), nil)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PebbleStore) EnsureIndexes(_ context.Context, coll string, indexes []Index) ([]string, error) {
	if err := validateCollectionName(coll); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	b := s.db.NewBatch()
	defer b.Close()
	meta, err := s.ensureCollectionLocked(b, coll)
	if err != nil {
		return nil, err
	}
	meta.ExpireAfter = ttlFromIndexes(indexes)
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := b.Set(collectionKey(coll), raw, nil); err != nil {
		return nil, err
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return nil, err
	}
	return indexNames(indexes), nil
}

func (s *PebbleStore) maybePruneLocked(now time.Time) error {
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < s.pruneInterval {
		return nil
	}
	prefix := []byte(pebblePrefixCollection)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	ttls := make(map[string]time.Duration)
	for it.First(); it.Valid(); it.Next() {
		var meta pebbleCollectionMeta
		if err := json.Unmarshal(it.Value(), &meta); err != nil {
			_ = it.Close()
			return fmt.Errorf("pebble: decode collection meta: %w", err)
		}
		if meta.ExpireAfter > 0 {
			ttls[strings.TrimPrefix(string(it.Key()), pebblePrefixCollection)] = meta.ExpireAfter
		}
	}
	if err := errors.Join(it.Error(), it.Close()); err != nil {
		return err
	}
	for coll, ttl := range ttls {
		if _, err := s.deleteLocked(coll, Filter{Done: true, DeletedAtOrBefore: now.Add(-ttl)}); err != nil {
			return fmt.Errorf("pebble: prune %q: %w", coll, err)
		}
	}
	s.lastPrune = now
	return nil
}
