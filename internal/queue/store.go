package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Store is the document-store contract the queue is layered on. Every state
// transition goes through FindOneAndUpdate, which must apply the update to at
// most one matching record atomically and return the post-update record.
type Store interface {
	CreateCollection(ctx context.Context, name string) error
	Collections(ctx context.Context) ([]string, error)
	// InsertBatch inserts msgs into coll, creating the collection when needed.
	// Records without an ID are assigned one. It returns ids in input order.
	InsertBatch(ctx context.Context, coll string, msgs []Message) ([]string, error)
	FindOneAndUpdate(ctx context.Context, coll string, f Filter, s Sort, u Update) (Message, bool, error)
	Count(ctx context.Context, coll string, f Filter) (int, error)
	Delete(ctx context.Context, coll string, f Filter) (int, error)
	EnsureIndexes(ctx context.Context, coll string, indexes []Index) ([]string, error)
	Close() error
}

// Filter selects records. Zero-valued fields impose no condition; the set
// fields are combined with AND.
type Filter struct {
	ID         string
	LeaseToken string
	HasLease   bool
	NotDone    bool
	Done       bool

	VisibleAtOrBefore time.Time
	VisibleAfter      time.Time
	DeletedAtOrBefore time.Time
}

func (f Filter) Matches(m *Message) bool {
	if f.ID != "" && m.ID != f.ID {
		return false
	}
	if f.LeaseToken != "" && m.LeaseToken != f.LeaseToken {
		return false
	}
	if f.HasLease && m.LeaseToken == "" {
		return false
	}
	if f.NotDone && !m.DeletedAt.IsZero() {
		return false
	}
	if f.Done && m.DeletedAt.IsZero() {
		return false
	}
	if !f.VisibleAtOrBefore.IsZero() && m.VisibleAt.After(f.VisibleAtOrBefore) {
		return false
	}
	if !f.VisibleAfter.IsZero() && !m.VisibleAt.After(f.VisibleAfter) {
		return false
	}
	if !f.DeletedAtOrBefore.IsZero() && (m.DeletedAt.IsZero() || m.DeletedAt.After(f.DeletedAtOrBefore)) {
		return false
	}
	return true
}

type Sort int

const (
	// SortInsertion orders by store sequence.
	SortInsertion Sort = iota
	// SortPriority orders by priority descending, then creation time and
	// store sequence ascending.
	SortPriority
)

func (s Sort) less(a, b *Message) bool {
	if s == SortPriority {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	return a.Seq < b.Seq
}

// Update describes the mutation applied by FindOneAndUpdate. Zero-valued
// fields leave the record untouched.
type Update struct {
	IncTries   bool
	LeaseToken string
	ClearLease bool
	VisibleAt  time.Time
	StartedAt  time.Time
	DeletedAt  time.Time
	Result     json.RawMessage
	PushError  *ErrorRecord
}

func (u Update) empty() bool {
	return !u.IncTries && u.LeaseToken == "" && !u.ClearLease && u.VisibleAt.IsZero() &&
		u.StartedAt.IsZero() && u.DeletedAt.IsZero() && u.Result == nil && u.PushError == nil
}

func (u Update) apply(m *Message) {
	if u.IncTries {
		m.Tries++
	}
	if u.ClearLease {
		m.LeaseToken = ""
	}
	if u.LeaseToken != "" {
		m.LeaseToken = u.LeaseToken
	}
	if !u.VisibleAt.IsZero() {
		m.VisibleAt = u.VisibleAt
	}
	if !u.StartedAt.IsZero() {
		m.StartedAt = u.StartedAt
	}
	if !u.DeletedAt.IsZero() {
		m.DeletedAt = u.DeletedAt
	}
	if u.Result != nil {
		m.Result = append(json.RawMessage(nil), u.Result...)
	}
	if u.PushError != nil {
		m.Errors = append(m.Errors, *u.PushError)
	}
}

type IndexKey struct {
	Field string
	Desc  bool
}

// Index declares a collection index. ExpireAfter > 0 marks a TTL index on
// deletedAt: records done for longer than ExpireAfter are removed.
type Index struct {
	Name        string
	Keys        []IndexKey
	Unique      bool
	Sparse      bool
	ExpireAfter time.Duration
}

const (
	IndexVisible         = "deletedAt_1_visibleAt_1"
	IndexCreatedVisible  = "deletedAt_1_createdAt_1_visibleAt_1"
	IndexPriorityVisible = "deletedAt_1_priority_-1_createdAt_1_visibleAt_1"
	IndexLeaseToken      = "leaseToken_1"
	IndexDeletedTTL      = "deletedAt_1"
)

// RequiredIndexes returns the indexes a queue collection needs, in
// declaration order. The TTL index is included only when expireAfter > 0.
func RequiredIndexes(expireAfter time.Duration) []Index {
	out := []Index{
		{Name: IndexVisible, Keys: []IndexKey{{Field: "deletedAt"}, {Field: "visibleAt"}}},
		{Name: IndexCreatedVisible, Keys: []IndexKey{{Field: "deletedAt"}, {Field: "createdAt"}, {Field: "visibleAt"}}},
		{Name: IndexPriorityVisible, Keys: []IndexKey{{Field: "deletedAt"}, {Field: "priority", Desc: true}, {Field: "createdAt"}, {Field: "visibleAt"}}},
		{Name: IndexLeaseToken, Keys: []IndexKey{{Field: "leaseToken"}}, Unique: true, Sparse: true},
	}
	if expireAfter > 0 {
		out = append(out, Index{Name: IndexDeletedTTL, Keys: []IndexKey{{Field: "deletedAt"}}, ExpireAfter: expireAfter})
	}
	return out
}

// ttlFromIndexes returns the retention window declared by indexes, or zero.
func ttlFromIndexes(indexes []Index) time.Duration {
	var ttl time.Duration
	for _, idx := range indexes {
		if idx.ExpireAfter > 0 {
			ttl = idx.ExpireAfter
		}
	}
	return ttl
}

func indexNames(indexes []Index) []string {
	out := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, idx.Name)
	}
	return out
}

func validateCollectionName(name string) error {
	if strings.TrimSpace(name) == "" || name != strings.TrimSpace(name) {
		return ErrInvalidQueueName
	}
	if strings.ContainsAny(name, "\x00/") {
		return ErrInvalidQueueName
	}
	return nil
}

const defaultPruneInterval = time.Minute
