package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Queue is a named collection with lease semantics. All state transitions
// are single atomic store updates; Queue itself keeps no per-message state.
type Queue struct {
	store Store
	name  string
	opts  Options
	log   *slog.Logger

	events listeners

	mu     sync.Mutex
	dead   *Queue
	poller *Poller
}

type Stats struct {
	Total    int `json:"total"`
	Waiting  int `json:"waiting"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
}

func New(store Store, name string, opts Options) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue: nil store")
	}
	if err := validateCollectionName(name); err != nil {
		return nil, fmt.Errorf("queue %q: %w", name, err)
	}
	if opts.DeadQueueName != "" {
		if err := validateCollectionName(opts.DeadQueueName); err != nil {
			return nil, fmt.Errorf("queue %q: dead queue %q: %w", name, opts.DeadQueueName, err)
		}
		if opts.DeadQueueName == name {
			return nil, fmt.Errorf("queue %q: dead queue must differ from the queue itself", name)
		}
	}
	opts = opts.withDefaults()
	return &Queue{
		store: store,
		name:  name,
		opts:  opts,
		log:   opts.Logger.With(slog.String("queue", name)),
	}, nil
}

func (q *Queue) Name() string     { return q.name }
func (q *Queue) Options() Options { return q.opts }
func (q *Queue) Store() Store     { return q.store }

// On registers a listener for ev.
func (q *Queue) On(ev Event, fn Listener) {
	q.events.add(ev, fn)
}

func (q *Queue) emit(n Notification) {
	n.Queue = q.name
	q.events.emit(n)
}

func (q *Queue) now() time.Time {
	return q.opts.Now()
}

// Initialize creates the collection and declares its indexes. It returns the
// index names in declaration order.
func (q *Queue) Initialize(ctx context.Context) (names []string, err error) {
	ctx, span := startSpan(ctx, "queue.initialize", q.name)
	defer func() { endSpan(span, err) }()

	if err := q.store.CreateCollection(ctx, q.name); err != nil {
		return nil, fmt.Errorf("queue %q: create collection: %w", q.name, err)
	}
	names, err = q.store.EnsureIndexes(ctx, q.name, RequiredIndexes(q.opts.ExpireAfter))
	if err != nil {
		return nil, fmt.Errorf("queue %q: ensure indexes: %w", q.name, err)
	}
	return names, nil
}

// Enqueue inserts payloads as one batch and returns their ids in order.
func (q *Queue) Enqueue(ctx context.Context, payloads []any, opts EnqueueOptions) (ids []string, err error) {
	ctx, span := startSpan(ctx, "queue.enqueue", q.name, attribute.Int("queue.batch_size", len(payloads)))
	defer func() { endSpan(span, err) }()

	if len(payloads) == 0 {
		return nil, fmt.Errorf("queue %q: enqueue: %w", q.name, ErrEmptyBatch)
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = q.opts.Delay
	}
	msgs, err := buildMessages(payloads, q.now(), delay, opts.Priority)
	if err != nil {
		return nil, fmt.Errorf("queue %q: enqueue: %w", q.name, err)
	}
	ids, err = q.store.InsertBatch(ctx, q.name, msgs)
	if err != nil {
		return nil, fmt.Errorf("queue %q: enqueue: %w", q.name, err)
	}
	for _, id := range ids {
		q.emit(Notification{Event: EventAdded, ID: id})
	}
	return ids, nil
}

func (q *Queue) EnqueueOne(ctx context.Context, payload any, opts EnqueueOptions) (string, error) {
	ids, err := q.Enqueue(ctx, []any{payload}, opts)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func buildMessages(payloads []any, now time.Time, delay time.Duration, priority int) ([]Message, error) {
	if priority == 0 {
		priority = DefaultPriority
	}
	out := make([]Message, 0, len(payloads))
	for i, p := range payloads {
		raw, err := encodeValue(p)
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
		if raw == nil {
			raw = []byte("null")
		}
		out = append(out, Message{
			Payload:   raw,
			CreatedAt: now,
			Priority:  priority,
			VisibleAt: now.Add(delay),
		})
	}
	return out, nil
}

// Claim leases up to count messages. Records that exceeded MaxRetries are
// moved to the dead queue (when one is configured) and the slot is refilled.
// On a store failure the messages leased so far are returned with the error.
func (q *Queue) Claim(ctx context.Context, count int, opts ClaimOptions) (out []Message, err error) {
	ctx, span := startSpan(ctx, "queue.claim", q.name, attribute.Int("queue.count", count))
	defer func() {
		span.SetAttributes(attribute.Int("queue.claimed", len(out)))
		endSpan(span, err)
	}()

	if count <= 0 {
		return nil, nil
	}
	visibility := opts.Visibility
	if visibility <= 0 {
		visibility = q.opts.Visibility
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.opts.MaxRetries
	}
	dead, err := q.deadQueue()
	if err != nil {
		return nil, err
	}

	out = make([]Message, 0, count)
	for len(out) < count {
		now := q.now()
		msg, ok, err := q.store.FindOneAndUpdate(ctx, q.name,
			Filter{NotDone: true, VisibleAtOrBefore: now},
			SortPriority,
			Update{IncTries: true, LeaseToken: newLeaseToken(), VisibleAt: now.Add(visibility)},
		)
		if err != nil {
			return out, fmt.Errorf("queue %q: claim: %w", q.name, err)
		}
		if !ok {
			break
		}
		if dead != nil && msg.Tries > maxRetries {
			if err := q.deadLetter(ctx, dead, msg, now); err != nil {
				return out, err
			}
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// deadLetter forwards msg to dead and then retires it here. A crash in
// between leaves the copy in place and the source claimable; the next claim
// tolerates the existing copy.
func (q *Queue) deadLetter(ctx context.Context, dead *Queue, msg Message, now time.Time) error {
	cp := msg.clone()
	cp.Queue = dead.name
	cp.LeaseToken = ""
	cp.VisibleAt = now
	cp.DeletedAt = time.Time{}
	cp.Seq = 0
	if _, err := dead.store.InsertBatch(ctx, dead.name, []Message{cp}); err != nil && !errors.Is(err, ErrMessageExists) {
		return fmt.Errorf("queue %q: dead-letter %s to %q: %w", q.name, msg.ID, dead.name, err)
	}
	_, _, err := q.store.FindOneAndUpdate(ctx, q.name,
		Filter{ID: msg.ID, LeaseToken: msg.LeaseToken, NotDone: true},
		SortInsertion,
		Update{DeletedAt: now, ClearLease: true},
	)
	if err != nil {
		return fmt.Errorf("queue %q: retire dead-lettered %s: %w", q.name, msg.ID, err)
	}
	q.log.Info("queue_dead_lettered",
		slog.String("id", msg.ID),
		slog.String("dead_queue", dead.name),
		slog.Int("tries", msg.Tries),
	)
	dead.emit(Notification{Event: EventAdded, ID: msg.ID})
	q.emit(Notification{Event: EventDead, ID: msg.ID, Message: msg, Err: lastError(msg)})
	return nil
}

// lastError returns the most recent handler failure recorded on msg, or nil.
func lastError(msg Message) error {
	if len(msg.Errors) == 0 {
		return nil
	}
	return errors.New(msg.Errors[len(msg.Errors)-1].Error)
}

func (q *Queue) deadQueue() (*Queue, error) {
	if q.opts.DeadQueue != nil {
		return q.opts.DeadQueue, nil
	}
	if q.opts.DeadQueueName == "" {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dead == nil {
		d, err := New(q.store, q.opts.DeadQueueName, Options{Logger: q.opts.Logger, Now: q.opts.Now})
		if err != nil {
			return nil, err
		}
		q.dead = d
	}
	return q.dead, nil
}

// DeadQueue returns the configured dead-letter queue, or nil.
func (q *Queue) DeadQueue() *Queue {
	d, _ := q.deadQueue()
	return d
}

// Ack completes the lease identified by token and stores result.
func (q *Queue) Ack(ctx context.Context, token string, result any) (msg Message, err error) {
	ctx, span := startSpan(ctx, "queue.ack", q.name)
	defer func() { endSpan(span, err) }()

	raw, err := encodeValue(result)
	if err != nil {
		return Message{}, fmt.Errorf("queue %q: ack: result: %w", q.name, err)
	}
	now := q.now()
	return q.updateLease(ctx, "ack", token, now, Update{DeletedAt: now, ClearLease: true, Result: raw})
}

// Nack releases the lease; the message becomes claimable after the delay.
func (q *Queue) Nack(ctx context.Context, token string, opts NackOptions) (msg Message, err error) {
	ctx, span := startSpan(ctx, "queue.nack", q.name)
	defer func() { endSpan(span, err) }()

	delay := opts.Delay
	if delay <= 0 {
		delay = q.opts.Delay
	}
	now := q.now()
	return q.updateLease(ctx, "nack", token, now, Update{ClearLease: true, VisibleAt: now.Add(delay)})
}

// Ping extends the lease and returns the message id.
func (q *Queue) Ping(ctx context.Context, token string, opts PingOptions) (id string, err error) {
	ctx, span := startSpan(ctx, "queue.ping", q.name)
	defer func() { endSpan(span, err) }()

	visibility := opts.Visibility
	if visibility <= 0 {
		visibility = q.opts.Visibility
	}
	now := q.now()
	msg, err := q.updateLease(ctx, "ping", token, now, Update{VisibleAt: now.Add(visibility)})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (q *Queue) updateLease(ctx context.Context, op, token string, now time.Time, u Update) (Message, error) {
	if token == "" {
		return Message{}, fmt.Errorf("queue %q: %s: %w: empty token", q.name, op, ErrUnidentifiedLease)
	}
	msg, ok, err := q.store.FindOneAndUpdate(ctx, q.name,
		Filter{LeaseToken: token, VisibleAfter: now, NotDone: true},
		SortInsertion,
		u,
	)
	if err != nil {
		return Message{}, fmt.Errorf("queue %q: %s: %w", q.name, op, err)
	}
	if !ok {
		return Message{}, fmt.Errorf("queue %q: %s: %w: %s", q.name, op, ErrUnidentifiedLease, token)
	}
	return msg, nil
}

// Get returns the record with the given id.
func (q *Queue) Get(ctx context.Context, id string) (Message, bool, error) {
	if id == "" {
		return Message{}, false, nil
	}
	msg, ok, err := q.store.FindOneAndUpdate(ctx, q.name, Filter{ID: id}, SortInsertion, Update{})
	if err != nil {
		return Message{}, false, fmt.Errorf("queue %q: get: %w", q.name, err)
	}
	return msg, ok, nil
}

// pushError appends rec to the message's error list without touching the
// lease.
func (q *Queue) pushError(ctx context.Context, id string, rec ErrorRecord) error {
	_, _, err := q.store.FindOneAndUpdate(ctx, q.name, Filter{ID: id}, SortInsertion, Update{PushError: &rec})
	return err
}

func (q *Queue) markStarted(ctx context.Context, id string, at time.Time) error {
	_, _, err := q.store.FindOneAndUpdate(ctx, q.name, Filter{ID: id, NotDone: true}, SortInsertion, Update{StartedAt: at})
	return err
}

func (q *Queue) Total(ctx context.Context) (int, error) {
	return q.count(ctx, Filter{})
}

func (q *Queue) Waiting(ctx context.Context) (int, error) {
	return q.count(ctx, Filter{NotDone: true, VisibleAtOrBefore: q.now()})
}

func (q *Queue) InFlight(ctx context.Context) (int, error) {
	return q.count(ctx, Filter{NotDone: true, HasLease: true, VisibleAfter: q.now()})
}

func (q *Queue) Done(ctx context.Context) (int, error) {
	return q.count(ctx, Filter{Done: true})
}

func (q *Queue) count(ctx context.Context, f Filter) (int, error) {
	n, err := q.store.Count(ctx, q.name, f)
	if err != nil {
		return 0, fmt.Errorf("queue %q: count: %w", q.name, err)
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		st  Stats
		err error
	)
	if st.Total, err = q.Total(ctx); err != nil {
		return Stats{}, err
	}
	if st.Waiting, err = q.Waiting(ctx); err != nil {
		return Stats{}, err
	}
	if st.InFlight, err = q.InFlight(ctx); err != nil {
		return Stats{}, err
	}
	if st.Done, err = q.Done(ctx); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Clean removes done records and returns how many were removed.
func (q *Queue) Clean(ctx context.Context) (n int, err error) {
	ctx, span := startSpan(ctx, "queue.clean", q.name)
	defer func() { endSpan(span, err) }()

	n, err = q.store.Delete(ctx, q.name, Filter{Done: true})
	if err != nil {
		return 0, fmt.Errorf("queue %q: clean: %w", q.name, err)
	}
	return n, nil
}

// Subscribe initializes the queue and starts polling it with h.
func (q *Queue) Subscribe(ctx context.Context, h Handler) (*Poller, error) {
	if h == nil {
		return nil, errors.New("queue: nil handler")
	}
	q.mu.Lock()
	running := q.poller != nil
	q.mu.Unlock()
	if running {
		return nil, fmt.Errorf("queue %q: %w", q.name, ErrPollerRunning)
	}
	if _, err := q.Initialize(ctx); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.poller != nil {
		return nil, fmt.Errorf("queue %q: %w", q.name, ErrPollerRunning)
	}
	p := newPoller(q, h)
	p.start()
	q.poller = p
	return p, nil
}

func (q *Queue) Poller() *Poller {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.poller
}

func (q *Queue) Pause() {
	if p := q.Poller(); p != nil {
		p.Pause()
	}
}

func (q *Queue) Resume() {
	if p := q.Poller(); p != nil {
		p.Resume()
	}
}

// Stop halts polling and waits for in-flight handlers or ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	p := q.poller
	q.poller = nil
	q.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Stop(ctx)
}

func newLeaseToken() string {
	return uuid.NewString()
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
