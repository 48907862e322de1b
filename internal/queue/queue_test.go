package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, store Store, now *time.Time, name string, opts Options) *Queue {
	t.Helper()
	var mu sync.Mutex
	opts.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *now
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	q, err := New(store, name, opts)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if _, err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return q
}

func TestQueue_HelloWorld(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			q := newTestQueue(t, factory.new(t, &now), &now, uniqueName("hello"), Options{})

			id, err := q.EnqueueOne(ctx, "Hello, World!", EnqueueOptions{})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			msgs, err := q.Claim(ctx, 1, ClaimOptions{})
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("claimed=%d, want 1", len(msgs))
			}
			msg := msgs[0]
			var payload string
			if err := msg.Decode(&payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.ID != id || payload != "Hello, World!" || msg.Tries != 1 || msg.LeaseToken == "" {
				t.Fatalf("msg=%+v payload=%q, want id=%s payload=Hello, World! tries=1 with token", msg, payload, id)
			}

			st, err := q.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if st != (Stats{Total: 1, Waiting: 0, InFlight: 1, Done: 0}) {
				t.Fatalf("stats=%+v, want total=1 in_flight=1", st)
			}

			acked, err := q.Ack(ctx, msg.LeaseToken, map[string]string{"status": "sent"})
			if err != nil {
				t.Fatalf("ack: %v", err)
			}
			var result map[string]string
			if err := acked.DecodeResult(&result); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if result["status"] != "sent" {
				t.Fatalf("result=%v, want status=sent", result)
			}
			if got := acked.State(now); got != StateDone {
				t.Fatalf("state=%s, want %s", got, StateDone)
			}

			st, err = q.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if st != (Stats{Total: 1, Done: 1}) {
				t.Fatalf("stats=%+v, want total=1 done=1", st)
			}

			msgs, err = q.Claim(ctx, 1, ClaimOptions{})
			if err != nil {
				t.Fatalf("claim after ack: %v", err)
			}
			if len(msgs) != 0 {
				t.Fatalf("claimed=%d after ack, want 0", len(msgs))
			}
		})
	}
}

func TestQueue_EnqueueEmptyBatch(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, NewMemoryStore(), &now, "jobs", Options{})
	_, err := q.Enqueue(context.Background(), nil, EnqueueOptions{})
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("err=%v, want %v", err, ErrEmptyBatch)
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			q := newTestQueue(t, factory.new(t, &now), &now, uniqueName("prio"), Options{})

			for i := 0; i < 7; i++ {
				if _, err := q.EnqueueOne(ctx, fmt.Sprintf("low-%d", i), EnqueueOptions{}); err != nil {
					t.Fatalf("enqueue low: %v", err)
				}
			}
			if _, err := q.Enqueue(ctx, []any{"high-0", "high-1", "high-2"}, EnqueueOptions{Priority: 3}); err != nil {
				t.Fatalf("enqueue high: %v", err)
			}

			msgs, err := q.Claim(ctx, 10, ClaimOptions{})
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(msgs) != 10 {
				t.Fatalf("claimed=%d, want 10", len(msgs))
			}
			want := []string{"high-0", "high-1", "high-2", "low-0", "low-1", "low-2", "low-3", "low-4", "low-5", "low-6"}
			for i, msg := range msgs {
				var got string
				if err := msg.Decode(&got); err != nil {
					t.Fatalf("decode %d: %v", i, err)
				}
				if got != want[i] {
					t.Fatalf("claim[%d]=%s, want %s", i, got, want[i])
				}
			}
		})
	}
}

func TestQueue_VisibilityExpiry(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			q := newTestQueue(t, factory.new(t, &now), &now, uniqueName("vis"), Options{})

			id, err := q.EnqueueOne(ctx, "payload", EnqueueOptions{})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			first, err := q.Claim(ctx, 1, ClaimOptions{Visibility: time.Second})
			if err != nil || len(first) != 1 {
				t.Fatalf("first claim=%d err=%v", len(first), err)
			}
			if more, _ := q.Claim(ctx, 1, ClaimOptions{}); len(more) != 0 {
				t.Fatalf("claimed a leased message")
			}

			now = now.Add(2 * time.Second)
			second, err := q.Claim(ctx, 1, ClaimOptions{})
			if err != nil || len(second) != 1 {
				t.Fatalf("second claim=%d err=%v", len(second), err)
			}
			if second[0].ID != id || second[0].Tries != 2 {
				t.Fatalf("reclaimed id=%s tries=%d, want id=%s tries=2", second[0].ID, second[0].Tries, id)
			}
			if second[0].LeaseToken == first[0].LeaseToken {
				t.Fatalf("lease token reused after expiry")
			}

			_, err = q.Ack(ctx, first[0].LeaseToken, nil)
			if !errors.Is(err, ErrUnidentifiedLease) {
				t.Fatalf("stale ack err=%v, want %v", err, ErrUnidentifiedLease)
			}
			if _, err := q.Ack(ctx, second[0].LeaseToken, nil); err != nil {
				t.Fatalf("ack: %v", err)
			}
		})
	}
}

func TestQueue_AckAfterLeaseExpiryFails(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, NewMemoryStore(), &now, "jobs", Options{Visibility: 10 * time.Second})

	if _, err := q.EnqueueOne(ctx, 1, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, err := q.Claim(ctx, 1, ClaimOptions{})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("claim=%d err=%v", len(msgs), err)
	}
	now = now.Add(10 * time.Second)
	_, err = q.Ack(ctx, msgs[0].LeaseToken, nil)
	if !errors.Is(err, ErrUnidentifiedLease) {
		t.Fatalf("err=%v, want %v", err, ErrUnidentifiedLease)
	}
}

func TestQueue_DoubleAck(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			q := newTestQueue(t, factory.new(t, &now), &now, uniqueName("ack"), Options{})

			if _, err := q.EnqueueOne(ctx, "x", EnqueueOptions{}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			msgs, err := q.Claim(ctx, 1, ClaimOptions{})
			if err != nil || len(msgs) != 1 {
				t.Fatalf("claim=%d err=%v", len(msgs), err)
			}
			if _, err := q.Ack(ctx, msgs[0].LeaseToken, nil); err != nil {
				t.Fatalf("first ack: %v", err)
			}
			_, err = q.Ack(ctx, msgs[0].LeaseToken, nil)
			if !errors.Is(err, ErrUnidentifiedLease) {
				t.Fatalf("second ack err=%v, want %v", err, ErrUnidentifiedLease)
			}
			if _, err := q.Nack(ctx, msgs[0].LeaseToken, NackOptions{}); !errors.Is(err, ErrUnidentifiedLease) {
				t.Fatalf("nack after ack err=%v, want %v", err, ErrUnidentifiedLease)
			}
			if _, err := q.Ping(ctx, msgs[0].LeaseToken, PingOptions{}); !errors.Is(err, ErrUnidentifiedLease) {
				t.Fatalf("ping after ack err=%v, want %v", err, ErrUnidentifiedLease)
			}
		})
	}
}

func TestQueue_UnknownTokens(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, NewMemoryStore(), &now, "jobs", Options{})

	for _, token := range []string{"", "no-such-token"} {
		if _, err := q.Ack(ctx, token, nil); !errors.Is(err, ErrUnidentifiedLease) {
			t.Fatalf("ack(%q) err=%v, want %v", token, err, ErrUnidentifiedLease)
		}
	}
}

func TestQueue_NackReclaim(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			q := newTestQueue(t, factory.new(t, &now), &now, uniqueName("nack"), Options{})

			if _, err := q.EnqueueOne(ctx, "x", EnqueueOptions{}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			first, err := q.Claim(ctx, 1, ClaimOptions{})
			if err != nil || len(first) != 1 {
				t.Fatalf("claim=%d err=%v", len(first), err)
			}
			nacked, err := q.Nack(ctx, first[0].LeaseToken, NackOptions{})
			if err != nil {
				t.Fatalf("nack: %v", err)
			}
			if nacked.LeaseToken != "" {
				t.Fatalf("lease token=%q after nack, want empty", nacked.LeaseToken)
			}

			second, err := q.Claim(ctx, 1, ClaimOptions{})
			if err != nil || len(second) != 1 {
				t.Fatalf("reclaim=%d err=%v", len(second), err)
			}
			if second[0].ID != first[0].ID || second[0].Tries != 2 {
				t.Fatalf("reclaimed=%+v, want same id with tries=2", second[0])
			}
			if second[0].LeaseToken == first[0].LeaseToken {
				t.Fatalf("reclaim reused token %q", first[0].LeaseToken)
			}
		})
	}
}

func TestQueue_NackWithDelay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, NewMemoryStore(), &now, "jobs", Options{})

	if _, err := q.EnqueueOne(ctx, "x", EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, _ := q.Claim(ctx, 1, ClaimOptions{})
	if _, err := q.Nack(ctx, msgs[0].LeaseToken, NackOptions{Delay: time.Minute}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if got, _ := q.Claim(ctx, 1, ClaimOptions{}); len(got) != 0 {
		t.Fatalf("claimed during nack delay")
	}
	if n, _ := q.Waiting(ctx); n != 0 {
		t.Fatalf("waiting=%d during delay, want 0", n)
	}
	now = now.Add(time.Minute)
	if got, _ := q.Claim(ctx, 1, ClaimOptions{}); len(got) != 1 {
		t.Fatalf("claimed=%d after delay, want 1", len(got))
	}
}

func TestQueue_EnqueueDelay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, NewMemoryStore(), &now, "jobs", Options{Delay: 5 * time.Second})

	if _, err := q.EnqueueOne(ctx, "x", EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got, _ := q.Claim(ctx, 1, ClaimOptions{}); len(got) != 0 {
		t.Fatalf("claimed delayed message")
	}
	now = now.Add(5 * time.Second)
	if got, _ := q.Claim(ctx, 1, ClaimOptions{}); len(got) != 1 {
		t.Fatalf("claimed=%d after delay, want 1", len(got))
	}
}

func TestQueue_PingExtendsLease(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			q := newTestQueue(t, factory.new(t, &now), &now, uniqueName("ping"), Options{Visibility: 10 * time.Second})

			id, err := q.EnqueueOne(ctx, "x", EnqueueOptions{})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			msgs, err := q.Claim(ctx, 1, ClaimOptions{})
			if err != nil || len(msgs) != 1 {
				t.Fatalf("claim=%d err=%v", len(msgs), err)
			}
			now = now.Add(8 * time.Second)
			got, err := q.Ping(ctx, msgs[0].LeaseToken, PingOptions{})
			if err != nil {
				t.Fatalf("ping: %v", err)
			}
			if got != id {
				t.Fatalf("ping id=%s, want %s", got, id)
			}
			now = now.Add(8 * time.Second)
			if more, _ := q.Claim(ctx, 1, ClaimOptions{}); len(more) != 0 {
				t.Fatalf("claimed a pinged message")
			}
			if _, err := q.Ack(ctx, msgs[0].LeaseToken, nil); err != nil {
				t.Fatalf("ack after ping: %v", err)
			}
		})
	}
}

func TestQueue_DeadLetter(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)
			name := uniqueName("mail")
			q := newTestQueue(t, store, &now, name, Options{Visibility: time.Second, DeadQueueName: name + "_dead"})

			id, err := q.EnqueueOne(ctx, map[string]int{"n": 7}, EnqueueOptions{Priority: 4})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			for i := 1; i <= DefaultMaxRetries; i++ {
				msgs, err := q.Claim(ctx, 1, ClaimOptions{})
				if err != nil || len(msgs) != 1 {
					t.Fatalf("claim %d=%d err=%v", i, len(msgs), err)
				}
				if msgs[0].Tries != i {
					t.Fatalf("claim %d tries=%d", i, msgs[0].Tries)
				}
				now = now.Add(2 * time.Second)
			}

			msgs, err := q.Claim(ctx, 1, ClaimOptions{})
			if err != nil {
				t.Fatalf("final claim: %v", err)
			}
			if len(msgs) != 0 {
				t.Fatalf("final claim returned %d messages, want 0", len(msgs))
			}

			st, err := q.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if st.Done != 1 || st.Waiting != 0 || st.InFlight != 0 {
				t.Fatalf("source stats=%+v, want done=1", st)
			}

			dead := q.DeadQueue()
			if dead == nil {
				t.Fatalf("dead queue not created")
			}
			got, ok, err := dead.Get(ctx, id)
			if err != nil || !ok {
				t.Fatalf("dead get ok=%v err=%v", ok, err)
			}
			if got.Tries != DefaultMaxRetries+1 {
				t.Fatalf("dead tries=%d, want %d", got.Tries, DefaultMaxRetries+1)
			}
			var payload map[string]int
			if err := got.Decode(&payload); err != nil || payload["n"] != 7 {
				t.Fatalf("dead payload=%v err=%v, want n=7", payload, err)
			}
			if got.Priority != 4 || got.LeaseToken != "" || !got.DeletedAt.IsZero() {
				t.Fatalf("dead record=%+v, want priority=4, no lease, not done", got)
			}
		})
	}
}

func TestQueue_DeadLetterRefillsSlot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	dead := newTestQueue(t, store, &now, "jobs_dead", Options{})
	q := newTestQueue(t, store, &now, "jobs", Options{Visibility: time.Second, MaxRetries: 1, DeadQueue: dead})

	if _, err := q.EnqueueOne(ctx, "poison", EnqueueOptions{Priority: 9}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if msgs, _ := q.Claim(ctx, 1, ClaimOptions{}); len(msgs) != 1 {
		t.Fatalf("first claim=%d, want 1", len(msgs))
	}
	now = now.Add(2 * time.Second)
	if _, err := q.EnqueueOne(ctx, "good", EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Claim(ctx, 1, ClaimOptions{})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("claim=%d err=%v, want 1", len(msgs), err)
	}
	var got string
	_ = msgs[0].Decode(&got)
	if got != "good" {
		t.Fatalf("claimed %q, want good", got)
	}
	if n, _ := dead.Total(ctx); n != 1 {
		t.Fatalf("dead total=%d, want 1", n)
	}
}

func TestQueue_ConcurrentClaimsDisjoint(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			q := newTestQueue(t, factory.new(t, &now), &now, uniqueName("race"), Options{})

			payloads := make([]any, 40)
			for i := range payloads {
				payloads[i] = i
			}
			if _, err := q.Enqueue(ctx, payloads, EnqueueOptions{}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			var (
				mu   sync.Mutex
				ids  []string
				wg   sync.WaitGroup
				errs = make(chan error, 8)
			)
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						msgs, err := q.Claim(ctx, 2, ClaimOptions{})
						if err != nil {
							errs <- err
							return
						}
						if len(msgs) == 0 {
							return
						}
						mu.Lock()
						for _, m := range msgs {
							ids = append(ids, m.ID)
						}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("claim: %v", err)
			}

			sort.Strings(ids)
			if len(ids) != 40 {
				t.Fatalf("claimed=%d, want 40", len(ids))
			}
			for i := 1; i < len(ids); i++ {
				if ids[i] == ids[i-1] {
					t.Fatalf("id %s claimed twice", ids[i])
				}
			}
		})
	}
}

func TestQueue_CleanRemovesDone(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, NewMemoryStore(), &now, "jobs", Options{})

	if _, err := q.Enqueue(ctx, []any{1, 2, 3}, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, _ := q.Claim(ctx, 2, ClaimOptions{})
	for _, m := range msgs {
		if _, err := q.Ack(ctx, m.LeaseToken, nil); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	n, err := q.Clean(ctx)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleaned=%d, want 2", n)
	}
	if total, _ := q.Total(ctx); total != 1 {
		t.Fatalf("total=%d, want 1", total)
	}
}

func TestQueue_InitializeIndexNames(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	q, err := New(store, "jobs", Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	names, err := q.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	want := []string{IndexVisible, IndexCreatedVisible, IndexPriorityVisible, IndexLeaseToken}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("names=%v, want %v", names, want)
	}

	q, err = New(store, "ttl", Options{ExpireAfter: time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	names, err = q.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(names) != 5 || names[4] != IndexDeletedTTL {
		t.Fatalf("names=%v, want TTL index last", names)
	}
}

func TestQueue_AddedEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, NewMemoryStore(), &now, "jobs", Options{})

	var got []string
	q.On(EventAdded, func(n Notification) {
		if n.Queue != "jobs" {
			t.Errorf("event queue=%q, want jobs", n.Queue)
		}
		got = append(got, n.ID)
	})
	ids, err := q.Enqueue(ctx, []any{"a", "b"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if fmt.Sprint(got) != fmt.Sprint(ids) {
		t.Fatalf("added events=%v, want %v", got, ids)
	}
}

func TestNew_InvalidNames(t *testing.T) {
	store := NewMemoryStore()
	for _, name := range []string{"", "  ", "a/b", " padded"} {
		if _, err := New(store, name, Options{}); !errors.Is(err, ErrInvalidQueueName) {
			t.Fatalf("New(%q) err=%v, want %v", name, err, ErrInvalidQueueName)
		}
	}
	if _, err := New(store, "jobs", Options{DeadQueueName: "jobs"}); err == nil {
		t.Fatalf("expected error for self dead queue")
	}
}

func TestMessageState(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		msg  Message
		want State
	}{
		{"waiting", Message{VisibleAt: now}, StateWaiting},
		{"expired lease", Message{VisibleAt: now.Add(-time.Second), LeaseToken: "t"}, StateWaiting},
		{"leased", Message{VisibleAt: now.Add(time.Second), LeaseToken: "t"}, StateLeased},
		{"delayed", Message{VisibleAt: now.Add(time.Second)}, StateDelayed},
		{"done", Message{VisibleAt: now, DeletedAt: now}, StateDone},
	}
	for _, tc := range cases {
		if got := tc.msg.State(now); got != tc.want {
			t.Fatalf("%s: state=%s, want %s", tc.name, got, tc.want)
		}
	}
}
