package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithMemoryPruneInterval sets how often TTL retention runs. Zero prunes on
// every write.
func WithMemoryPruneInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d >= 0 {
			s.pruneInterval = d
		}
	}
}

// MemoryStore keeps all collections in process memory.
type MemoryStore struct {
	mu            sync.Mutex
	nowFn         func() time.Time
	closed        bool
	seq           int64
	collections   map[string]*memoryCollection
	pruneInterval time.Duration
	lastPrune     time.Time
}

type memoryCollection struct {
	ttl    time.Duration
	items  map[string]*Message
	leases map[string]string // lease_token -> id
}

func newMemoryCollection() *memoryCollection {
	return &memoryCollection{
		items:  make(map[string]*Message),
		leases: make(map[string]string),
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:         time.Now,
		collections:   make(map[string]*memoryCollection),
		pruneInterval: defaultPruneInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) CreateCollection(_ context.Context, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.collectionLocked(name)
	return nil
}

func (s *MemoryStore) collectionLocked(name string) *memoryCollection {
	c, ok := s.collections[name]
	if !ok {
		c = newMemoryCollection()
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) Collections(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]string, 0, len(s.collections))
	for name := range s.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) InsertBatch(_ context.Context, coll string, msgs []Message) ([]string, error) {
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
	s.maybePruneLocked(s.nowFn())

	c := s.collectionLocked(coll)
	batch := make([]Message, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for i, m := range msgs {
		m = m.clone()
		if m.ID == "" {
			m.ID = newMessageID()
		}
		if _, ok := c.items[m.ID]; ok {
			return nil, ErrMessageExists
		}
		if _, ok := seen[m.ID]; ok {
			return nil, ErrMessageExists
		}
		seen[m.ID] = struct{}{}
		if m.LeaseToken != "" {
			if _, ok := c.leases[m.LeaseToken]; ok {
				return nil, ErrLeaseTokenExists
			}
		}
		batch[i] = m
	}

	ids := make([]string, 0, len(batch))
	for i := range batch {
		s.seq++
		m := batch[i]
		m.Queue = coll
		m.Seq = s.seq
		c.items[m.ID] = &m
		if m.LeaseToken != "" {
			c.leases[m.LeaseToken] = m.ID
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *MemoryStore) FindOneAndUpdate(_ context.Context, coll string, f Filter, order Sort, u Update) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false, ErrStoreClosed
	}
	s.maybePruneLocked(s.nowFn())

	c, ok := s.collections[coll]
	if !ok {
		return Message{}, false, nil
	}
	best := c.findLocked(f, order)
	if best == nil {
		return Message{}, false, nil
	}

	next := best.clone()
	u.apply(&next)
	if next.LeaseToken != "" && next.LeaseToken != best.LeaseToken {
		if owner, ok := c.leases[next.LeaseToken]; ok && owner != best.ID {
			return Message{}, false, ErrLeaseTokenExists
		}
	}
	if best.LeaseToken != "" && best.LeaseToken != next.LeaseToken {
		delete(c.leases, best.LeaseToken)
	}
	if next.LeaseToken != "" {
		c.leases[next.LeaseToken] = next.ID
	}
	*best = next
	return next.clone(), true, nil
}

func (c *memoryCollection) findLocked(f Filter, order Sort) *Message {
	if f.LeaseToken != "" {
		id, ok := c.leases[f.LeaseToken]
		if !ok {
			return nil
		}
		m := c.items[id]
		if m == nil || !f.Matches(m) {
			return nil
		}
		return m
	}
	if f.ID != "" {
		m := c.items[f.ID]
		if m == nil || !f.Matches(m) {
			return nil
		}
		return m
	}
	var best *Message
	for _, m := range c.items {
		if !f.Matches(m) {
			continue
		}
		if best == nil || order.less(m, best) {
			best = m
		}
	}
	return best
}

func (s *MemoryStore) Count(_ context.Context, coll string, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	c, ok := s.collections[coll]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, m := range c.items {
		if f.Matches(m) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Delete(_ context.Context, coll string, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	c, ok := s.collections[coll]
	if !ok {
		return 0, nil
	}
	return c.deleteLocked(f), nil
}

func (c *memoryCollection) deleteLocked(f Filter) int {
	n := 0
	for id, m := range c.items {
		if !f.Matches(m) {
			continue
		}
		if m.LeaseToken != "" {
			delete(c.leases, m.LeaseToken)
		}
		delete(c.items, id)
		n++
	}
	return n
}

func (s *MemoryStore) EnsureIndexes(_ context.Context, coll string, indexes []Index) ([]string, error) {
	if err := validateCollectionName(coll); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	c := s.collectionLocked(coll)
	c.ttl = ttlFromIndexes(indexes)
	return indexNames(indexes), nil
}

func (s *MemoryStore) maybePruneLocked(now time.Time) {
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < s.pruneInterval {
		return
	}
	for _, c := range s.collections {
		if c.ttl <= 0 {
			continue
		}
		c.deleteLocked(Filter{Done: true, DeletedAtOrBefore: now.Add(-c.ttl)})
	}
	s.lastPrune = now
}
