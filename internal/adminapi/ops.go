package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nuetzliches/leasequeue/internal/queue"
)

const (
	errCodeMethodNotAllowed = "method_not_allowed"
	errCodeUnauthorized     = "unauthorized"
	errCodeNotFound         = "not_found"
	errCodeQueueNotFound    = "queue_not_found"
	errCodeChannelNotFound  = "channel_not_found"
	errCodeMessageNotFound  = "message_not_found"
	errCodeInvalidBody      = "invalid_body"
	errCodeLeaseConflict    = "lease_conflict"
	errCodeStoreUnavailable = "store_unavailable"

	defaultMaxBatch    = 100
	defaultMaxPayloads = 1000
)

// OpError is a transport-neutral operation error shared by the HTTP and gRPC
// surfaces.
type OpError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	return e.Detail
}

func invalid(detail string) *OpError {
	return &OpError{StatusCode: http.StatusBadRequest, Code: errCodeInvalidBody, Detail: detail}
}

// Registry resolves the queues and channels the running instance serves.
type Registry interface {
	Queue(name string) (*queue.Queue, bool)
	QueueNames() []string
	Channel(topic string) (*queue.Channel, bool)
}

type EnqueueParams struct {
	Payloads []json.RawMessage
	Delay    time.Duration
	Priority int
}

type ClaimParams struct {
	Count      int
	Visibility time.Duration
	MaxRetries int
}

type PublishParams struct {
	Payloads []json.RawMessage
	Delay    time.Duration
	Priority int
}

func (s *Server) lookupQueue(name string) (*queue.Queue, *OpError) {
	name = strings.TrimSpace(name)
	if s.Registry != nil {
		if q, ok := s.Registry.Queue(name); ok {
			return q, nil
		}
	}
	return nil, &OpError{StatusCode: http.StatusNotFound, Code: errCodeQueueNotFound, Detail: "queue is not configured"}
}

func (s *Server) Enqueue(ctx context.Context, name string, params EnqueueParams) ([]string, *OpError) {
	q, opErr := s.lookupQueue(name)
	if opErr != nil {
		return nil, opErr
	}
	if opErr := s.checkPayloads(params.Payloads, params.Delay); opErr != nil {
		return nil, opErr
	}
	ids, err := q.Enqueue(ctx, rawPayloads(params.Payloads), queue.EnqueueOptions{
		Delay:    params.Delay,
		Priority: params.Priority,
	})
	if err != nil {
		return nil, s.opError("enqueue", q.Name(), err)
	}
	return ids, nil
}

// Claim leases up to params.Count messages. Messages leased before a store
// failure are returned together with the error so callers can still settle
// them.
func (s *Server) Claim(ctx context.Context, name string, params ClaimParams) ([]queue.Message, *OpError) {
	q, opErr := s.lookupQueue(name)
	if opErr != nil {
		return nil, opErr
	}
	if params.Visibility < 0 {
		return nil, invalid("visibility must not be negative")
	}
	if params.MaxRetries < 0 {
		return nil, invalid("max_retries must not be negative")
	}
	count := params.Count
	if count <= 0 {
		count = 1
	}
	if limit := s.maxBatch(); count > limit {
		count = limit
	}
	msgs, err := q.Claim(ctx, count, queue.ClaimOptions{
		Visibility: params.Visibility,
		MaxRetries: params.MaxRetries,
	})
	if err != nil {
		return msgs, s.opError("claim", q.Name(), err)
	}
	return msgs, nil
}

func (s *Server) Ack(ctx context.Context, name, token string, result json.RawMessage) (string, *OpError) {
	q, opErr := s.lookupQueue(name)
	if opErr != nil {
		return "", opErr
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", invalid("token is required")
	}
	var res any
	if len(result) > 0 {
		if !json.Valid(result) {
			return "", invalid("result must be valid JSON")
		}
		res = result
	}
	msg, err := q.Ack(ctx, token, res)
	if err != nil {
		return "", s.opError("ack", q.Name(), err)
	}
	return msg.ID, nil
}

func (s *Server) Nack(ctx context.Context, name, token string, delay time.Duration) (string, *OpError) {
	q, opErr := s.lookupQueue(name)
	if opErr != nil {
		return "", opErr
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", invalid("token is required")
	}
	if delay < 0 {
		return "", invalid("delay must not be negative")
	}
	msg, err := q.Nack(ctx, token, queue.NackOptions{Delay: delay})
	if err != nil {
		return "", s.opError("nack", q.Name(), err)
	}
	return msg.ID, nil
}

func (s *Server) Ping(ctx context.Context, name, token string, visibility time.Duration) (string, *OpError) {
	q, opErr := s.lookupQueue(name)
	if opErr != nil {
		return "", opErr
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", invalid("token is required")
	}
	if visibility < 0 {
		return "", invalid("visibility must not be negative")
	}
	id, err := q.Ping(ctx, token, queue.PingOptions{Visibility: visibility})
	if err != nil {
		return "", s.opError("ping", q.Name(), err)
	}
	return id, nil
}

func (s *Server) Stats(ctx context.Context, name string) (queue.Stats, *OpError) {
	q, opErr := s.lookupQueue(name)
	if opErr != nil {
		return queue.Stats{}, opErr
	}
	st, err := q.Stats(ctx)
	if err != nil {
		return queue.Stats{}, s.opError("stats", q.Name(), err)
	}
	return st, nil
}

func (s *Server) Clean(ctx context.Context, name string) (int, *OpError) {
	q, opErr := s.lookupQueue(name)
	if opErr != nil {
		return 0, opErr
	}
	n, err := q.Clean(ctx)
	if err != nil {
		return 0, s.opError("clean", q.Name(), err)
	}
	return n, nil
}

func (s *Server) Get(ctx context.Context, name, id string) (queue.Message, *OpError) {
	q, opErr := s.lookupQueue(name)
	if opErr != nil {
		return queue.Message{}, opErr
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return queue.Message{}, invalid("id is required")
	}
	msg, ok, err := q.Get(ctx, id)
	if err != nil {
		return queue.Message{}, s.opError("get", q.Name(), err)
	}
	if !ok {
		return queue.Message{}, &OpError{StatusCode: http.StatusNotFound, Code: errCodeMessageNotFound, Detail: "message not found"}
	}
	return msg, nil
}

func (s *Server) Publish(ctx context.Context, topic string, params PublishParams) ([]queue.PublishResult, *OpError) {
	var ch *queue.Channel
	if s.Registry != nil {
		ch, _ = s.Registry.Channel(strings.TrimSpace(topic))
	}
	if ch == nil {
		return nil, &OpError{StatusCode: http.StatusNotFound, Code: errCodeChannelNotFound, Detail: "channel is not configured"}
	}
	if opErr := s.checkPayloads(params.Payloads, params.Delay); opErr != nil {
		return nil, opErr
	}
	results, err := ch.Publish(ctx, rawPayloads(params.Payloads), queue.PublishOptions{
		Delay:    params.Delay,
		Priority: params.Priority,
	})
	if err != nil {
		return results, s.opError("publish", ch.Topic(), err)
	}
	return results, nil
}

func (s *Server) checkPayloads(payloads []json.RawMessage, delay time.Duration) *OpError {
	if len(payloads) == 0 {
		return invalid("payloads must not be empty")
	}
	if limit := s.maxPayloads(); len(payloads) > limit {
		return invalid("payloads exceeds max batch")
	}
	if delay < 0 {
		return invalid("delay must not be negative")
	}
	for _, p := range payloads {
		if len(p) == 0 || !json.Valid(p) {
			return invalid("payloads must be valid JSON values")
		}
	}
	return nil
}

// opError maps queue errors onto transport status codes. Store failures are
// logged and reported without their detail.
func (s *Server) opError(op, name string, err error) *OpError {
	var unsupported *json.UnsupportedValueError
	switch {
	case errors.Is(err, queue.ErrUnidentifiedLease):
		return &OpError{StatusCode: http.StatusConflict, Code: errCodeLeaseConflict, Detail: "lease is unknown or expired"}
	case errors.Is(err, queue.ErrEmptyBatch), errors.Is(err, queue.ErrInvalidQueueName), errors.As(err, &unsupported):
		return invalid(err.Error())
	}
	s.logger().Warn("adminapi_store_failed",
		slog.String("op", op),
		slog.String("queue", name),
		slog.Any("err", err),
	)
	return &OpError{
		StatusCode: http.StatusServiceUnavailable,
		Code:       errCodeStoreUnavailable,
		Detail:     op + " is temporarily unavailable",
	}
}

func (s *Server) maxBatch() int {
	if s.MaxBatch > 0 {
		return s.MaxBatch
	}
	return defaultMaxBatch
}

func (s *Server) maxPayloads() int {
	if s.MaxPayloads > 0 {
		return s.MaxPayloads
	}
	return defaultMaxPayloads
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func rawPayloads(in []json.RawMessage) []any {
	out := make([]any, len(in))
	for i, p := range in {
		out[i] = p
	}
	return out
}
