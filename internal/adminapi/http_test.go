package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/leasequeue/internal/queue"
)

type testRegistry struct {
	queues   map[string]*queue.Queue
	channels map[string]*queue.Channel
}

func (r *testRegistry) Queue(name string) (*queue.Queue, bool) {
	q, ok := r.queues[name]
	return q, ok
}

func (r *testRegistry) QueueNames() []string {
	out := make([]string, 0, len(r.queues))
	for name := range r.queues {
		out = append(out, name)
	}
	return out
}

func (r *testRegistry) Channel(topic string) (*queue.Channel, bool) {
	ch, ok := r.channels[topic]
	return ch, ok
}

func newTestServer(t *testing.T, store queue.Store) (*Server, *testRegistry) {
	t.Helper()
	q, err := queue.New(store, "jobs", queue.Options{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	reg := &testRegistry{
		queues:   map[string]*queue.Queue{"jobs": q},
		channels: map[string]*queue.Channel{},
	}
	return NewServer(reg), reg
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, "http://admin"+target, strings.NewReader(body))
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestAdminAPI_EnqueueClaimAck(t *testing.T) {
	srv, _ := newTestServer(t, queue.NewMemoryStore())

	rr := do(t, srv, http.MethodPost, "/queues/jobs/messages", `{"payloads":[{"to":"a@example.com"}],"priority":3}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue status=%d body=%s", rr.Code, rr.Body.String())
	}
	enq := decode[struct {
		IDs []string `json:"ids"`
	}](t, rr)
	if len(enq.IDs) != 1 {
		t.Fatalf("ids=%v, want 1", enq.IDs)
	}

	rr = do(t, srv, http.MethodPost, "/queues/jobs/claim", `{"count":5,"visibility":"1m"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("claim status=%d body=%s", rr.Code, rr.Body.String())
	}
	claim := decode[claimResponse](t, rr)
	if len(claim.Messages) != 1 {
		t.Fatalf("claimed=%d, want 1", len(claim.Messages))
	}
	msg := claim.Messages[0]
	if msg.ID != enq.IDs[0] || msg.Priority != 3 || msg.Tries != 1 || msg.LeaseToken == "" {
		t.Fatalf("msg=%+v", msg)
	}
	if string(msg.Payload) != `{"to":"a@example.com"}` {
		t.Fatalf("payload=%s", msg.Payload)
	}

	rr = do(t, srv, http.MethodPost, "/queues/jobs/ack", `{"token":"`+msg.LeaseToken+`","result":{"sent":true}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("ack status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[map[string]string](t, rr)["id"]; got != msg.ID {
		t.Fatalf("ack id=%q, want %q", got, msg.ID)
	}

	rr = do(t, srv, http.MethodPost, "/queues/jobs/ack", `{"token":"`+msg.LeaseToken+`"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second ack status=%d, want 409", rr.Code)
	}
	if got := decode[errorResponse](t, rr); got.Code != errCodeLeaseConflict {
		t.Fatalf("code=%q, want %q", got.Code, errCodeLeaseConflict)
	}

	rr = do(t, srv, http.MethodGet, "/queues/jobs/messages/"+msg.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status=%d", rr.Code)
	}
	got := decode[queue.Message](t, rr)
	if got.DeletedAt.IsZero() || string(got.Result) != `{"sent":true}` {
		t.Fatalf("stored=%+v, want done with result", got)
	}

	rr = do(t, srv, http.MethodGet, "/queues/jobs/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status=%d", rr.Code)
	}
	if st := decode[queue.Stats](t, rr); st != (queue.Stats{Total: 1, Done: 1}) {
		t.Fatalf("stats=%+v, want total=1 done=1", st)
	}

	rr = do(t, srv, http.MethodPost, "/queues/jobs/clean", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("clean status=%d", rr.Code)
	}
	if n := decode[map[string]int](t, rr)["removed"]; n != 1 {
		t.Fatalf("removed=%d, want 1", n)
	}
}

func TestAdminAPI_NackAndPing(t *testing.T) {
	srv, reg := newTestServer(t, queue.NewMemoryStore())
	if _, err := reg.queues["jobs"].EnqueueOne(context.Background(), "x", queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claim := decode[claimResponse](t, do(t, srv, http.MethodPost, "/queues/jobs/claim", ""))
	if len(claim.Messages) != 1 {
		t.Fatalf("claimed=%d, want 1", len(claim.Messages))
	}
	token := claim.Messages[0].LeaseToken

	rr := do(t, srv, http.MethodPost, "/queues/jobs/ping", `{"token":"`+token+`","visibility":"2m"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("ping status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, srv, http.MethodPost, "/queues/jobs/nack", `{"token":"`+token+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("nack status=%d body=%s", rr.Code, rr.Body.String())
	}

	again := decode[claimResponse](t, do(t, srv, http.MethodPost, "/queues/jobs/claim", `{}`))
	if len(again.Messages) != 1 || again.Messages[0].LeaseToken == token || again.Messages[0].Tries != 2 {
		t.Fatalf("reclaim=%+v, want tries=2 with new token", again.Messages)
	}

	rr = do(t, srv, http.MethodPost, "/queues/jobs/ping", `{"token":"`+token+`"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("stale ping status=%d, want 409", rr.Code)
	}
}

func TestAdminAPI_Errors(t *testing.T) {
	srv, _ := newTestServer(t, queue.NewMemoryStore())

	cases := []struct {
		name   string
		method string
		target string
		body   string
		status int
		code   string
	}{
		{"unknown queue", http.MethodPost, "/queues/nope/claim", `{}`, http.StatusNotFound, errCodeQueueNotFound},
		{"unknown channel", http.MethodPost, "/channels/nope/publish", `{"payloads":[1]}`, http.StatusNotFound, errCodeChannelNotFound},
		{"unknown path", http.MethodGet, "/nope", "", http.StatusNotFound, errCodeNotFound},
		{"wrong method", http.MethodGet, "/queues/jobs/claim", "", http.StatusMethodNotAllowed, errCodeMethodNotAllowed},
		{"empty payloads", http.MethodPost, "/queues/jobs/messages", `{"payloads":[]}`, http.StatusBadRequest, errCodeInvalidBody},
		{"unknown field", http.MethodPost, "/queues/jobs/messages", `{"payloads":[1],"extra":true}`, http.StatusBadRequest, errCodeInvalidBody},
		{"trailing document", http.MethodPost, "/queues/jobs/messages", `{"payloads":[1]}{}`, http.StatusBadRequest, errCodeInvalidBody},
		{"bad delay", http.MethodPost, "/queues/jobs/messages", `{"payloads":[1],"delay":"soon"}`, http.StatusBadRequest, errCodeInvalidBody},
		{"negative delay", http.MethodPost, "/queues/jobs/nack", `{"token":"t","delay":"-1s"}`, http.StatusBadRequest, errCodeInvalidBody},
		{"missing token", http.MethodPost, "/queues/jobs/ack", `{}`, http.StatusBadRequest, errCodeInvalidBody},
		{"unknown token", http.MethodPost, "/queues/jobs/ack", `{"token":"missing"}`, http.StatusConflict, errCodeLeaseConflict},
		{"missing message", http.MethodGet, "/queues/jobs/messages/missing", "", http.StatusNotFound, errCodeMessageNotFound},
		{"bad details", http.MethodGet, "/healthz?details=maybe", "", http.StatusBadRequest, errCodeInvalidBody},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, srv, tc.method, tc.target, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("status=%d, want %d (body=%s)", rr.Code, tc.status, rr.Body.String())
			}
			if got := decode[errorResponse](t, rr); got.Code != tc.code {
				t.Fatalf("code=%q, want %q", got.Code, tc.code)
			}
		})
	}
}

func TestAdminAPI_StoreUnavailable(t *testing.T) {
	store := queue.NewMemoryStore()
	srv, _ := newTestServer(t, store)
	_ = store.Close()

	rr := do(t, srv, http.MethodPost, "/queues/jobs/claim", `{}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
	got := decode[errorResponse](t, rr)
	if got.Code != errCodeStoreUnavailable || got.Detail != "claim is temporarily unavailable" {
		t.Fatalf("error=%+v", got)
	}
}

func TestAdminAPI_Publish(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	srv, reg := newTestServer(t, store)
	ch, err := queue.NewChannel(store, "orders", queue.ChannelOptions{})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	reg.channels["orders"] = ch
	for _, sub := range []string{"billing", "shipping"} {
		q, err := ch.Queue(sub, queue.Options{})
		if err != nil {
			t.Fatalf("queue %s: %v", sub, err)
		}
		if _, err := q.Initialize(ctx); err != nil {
			t.Fatalf("initialize %s: %v", sub, err)
		}
	}

	rr := do(t, srv, http.MethodPost, "/channels/orders/publish", `{"payloads":[{"n":1},{"n":2}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("publish status=%d body=%s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Results []queue.PublishResult `json:"results"`
	}](t, rr)
	if len(got.Results) != 2 {
		t.Fatalf("results=%+v, want 2", got.Results)
	}
	for _, res := range got.Results {
		if len(res.IDs) != 2 {
			t.Fatalf("result=%+v, want 2 ids", res)
		}
	}
}

func TestAdminAPI_Auth(t *testing.T) {
	srv, _ := newTestServer(t, queue.NewMemoryStore())
	srv.Authorize = BearerTokenAuthorizer([][]byte{[]byte("s3cret"), nil})

	rr := do(t, srv, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rr.Code)
	}

	for _, h := range []string{"Bearer s3cret", "bearer  s3cret "} {
		rr = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "http://admin/healthz", nil)
		req.Header.Set("Authorization", h)
		srv.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
			t.Fatalf("header %q: status=%d body=%q", h, rr.Code, rr.Body.String())
		}
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://admin/healthz", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d, want 401", rr.Code)
	}
}

func TestBearerTokenAuthorizer_NoTokensAllowsAll(t *testing.T) {
	auth := BearerTokenAuthorizer(nil)
	if !auth(httptest.NewRequest(http.MethodGet, "http://admin/", nil)) {
		t.Fatalf("expected request without tokens configured to pass")
	}
}

func TestAdminAPI_HealthzDetailsAndMetrics(t *testing.T) {
	srv, reg := newTestServer(t, queue.NewMemoryStore())
	srv.HealthDiagnostics = func() map[string]any { return map[string]any{"uptime": "1s"} }
	srv.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("leasequeue_up 1\n"))
	})
	if _, err := reg.queues["jobs"].EnqueueOne(context.Background(), 1, queue.EnqueueOptions{Delay: time.Hour}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rr := do(t, srv, http.MethodGet, "/healthz?details=true", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
	body := decode[struct {
		OK          bool `json:"ok"`
		Diagnostics struct {
			Uptime string         `json:"uptime"`
			Queues []queueSummary `json:"queues"`
		} `json:"diagnostics"`
	}](t, rr)
	if !body.OK || body.Diagnostics.Uptime != "1s" {
		t.Fatalf("healthz=%+v", body)
	}
	if len(body.Diagnostics.Queues) != 1 || body.Diagnostics.Queues[0].Stats == nil || body.Diagnostics.Queues[0].Stats.Total != 1 {
		t.Fatalf("queues=%+v, want jobs with total=1", body.Diagnostics.Queues)
	}
	if body.Diagnostics.Queues[0].Stats.Waiting != 0 {
		t.Fatalf("delayed message counted as waiting")
	}

	rr = do(t, srv, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "leasequeue_up 1\n" {
		t.Fatalf("metrics status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestOps_ClaimClampsBatch(t *testing.T) {
	ctx := context.Background()
	srv, reg := newTestServer(t, queue.NewMemoryStore())
	srv.MaxBatch = 2
	payloads := []any{1, 2, 3, 4}
	if _, err := reg.queues["jobs"].Enqueue(ctx, payloads, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, opErr := srv.Claim(ctx, "jobs", ClaimParams{Count: 10})
	if opErr != nil {
		t.Fatalf("claim: %v", opErr)
	}
	if len(msgs) != 2 {
		t.Fatalf("claimed=%d, want 2", len(msgs))
	}
}
