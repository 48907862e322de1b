package queue

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewPostgresStore_EmptyDSN(t *testing.T) {
	_, err := NewPostgresStore("   ")
	if err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if !strings.Contains(err.Error(), "empty postgres dsn") {
		t.Fatalf("error = %v, want contains %q", err, "empty postgres dsn")
	}
}

func TestNewSQLiteStore_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteStore(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestSQLiteStore_ReopenKeepsMessages(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "leasequeue.db")
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.InsertBatch(ctx, "jobs", []Message{{ID: "m1", Payload: []byte(`"x"`), CreatedAt: now, VisibleAt: now, Priority: 1}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	msg, ok, err := s.FindOneAndUpdate(ctx, "jobs", Filter{ID: "m1"}, SortInsertion, Update{})
	if err != nil || !ok {
		t.Fatalf("find ok=%v err=%v", ok, err)
	}
	if string(msg.Payload) != `"x"` || !msg.CreatedAt.Equal(now) {
		t.Fatalf("msg=%+v, want payload \"x\" created_at=%v", msg, now)
	}
}

func TestPebbleStore_ReopenContinuesSequence(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "pebble")
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	s, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.InsertBatch(ctx, "jobs", []Message{{ID: "first", Payload: []byte(`1`), CreatedAt: now, VisibleAt: now, Priority: 1}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.InsertBatch(ctx, "jobs", []Message{{ID: "second", Payload: []byte(`2`), CreatedAt: now, VisibleAt: now, Priority: 1}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first, _, _ := s.FindOneAndUpdate(ctx, "jobs", Filter{ID: "first"}, SortInsertion, Update{})
	second, _, _ := s.FindOneAndUpdate(ctx, "jobs", Filter{ID: "second"}, SortInsertion, Update{})
	if first.Seq == 0 {
		t.Fatalf("seq=0, want seq recovered from the message key")
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq first=%d second=%d, want increasing across reopen", first.Seq, second.Seq)
	}
}

func TestMemoryStore_ClosedRejects(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Close()
	if _, err := s.Collections(context.Background()); err != ErrStoreClosed {
		t.Fatalf("err=%v, want %v", err, ErrStoreClosed)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"m/jobs\x00", "m/jobs\x01"},
		{"c/", "c0"},
		{"a\xff", "b"},
	}
	for _, tc := range cases {
		if got := string(prefixUpperBound([]byte(tc.in))); got != tc.want {
			t.Fatalf("prefixUpperBound(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
