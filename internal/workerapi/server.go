package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nuetzliches/leasequeue/internal/adminapi"
	"github.com/nuetzliches/leasequeue/internal/queue"
	workerapipb "github.com/nuetzliches/leasequeue/internal/workerapi/proto"
)

const ServiceName = "leasequeue.worker.v1.WorkerService"

var _ workerapipb.WorkerServiceServer = (*Server)(nil)

// Server exposes the worker gRPC transport while reusing the admin API
// operations.
type Server struct {
	workerapipb.UnimplementedWorkerServiceServer

	Ops       *adminapi.Server
	Authorize Authorizer
}

func NewServer(ops *adminapi.Server) *Server {
	return &Server{Ops: ops}
}

// Register adds the worker service and a health service reporting SERVING to
// gs.
func Register(gs *grpc.Server, s *Server) *health.Server {
	workerapipb.RegisterWorkerServiceServer(gs, s)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

type enqueueRequest struct {
	Queue    string            `json:"queue"`
	Payloads []json.RawMessage `json:"payloads"`
	Delay    string            `json:"delay,omitempty"`
	Priority int               `json:"priority,omitempty"`
}

type claimRequest struct {
	Queue      string `json:"queue"`
	Count      int    `json:"count,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type leaseRequest struct {
	Queue      string          `json:"queue"`
	Token      string          `json:"token"`
	Result     json.RawMessage `json:"result,omitempty"`
	Delay      string          `json:"delay,omitempty"`
	Visibility string          `json:"visibility,omitempty"`
}

type statsRequest struct {
	Queue string `json:"queue"`
}

type publishRequest struct {
	Topic    string            `json:"topic"`
	Payloads []json.RawMessage `json:"payloads"`
	Delay    string            `json:"delay,omitempty"`
	Priority int               `json:"priority,omitempty"`
}

type claimError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (s *Server) Enqueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in enqueueRequest
	if err := s.prepare(ctx, req, &in); err != nil {
		return nil, err
	}
	if err := requireField(in.Queue, "queue"); err != nil {
		return nil, err
	}
	delay, err := durationField(in.Delay, "delay")
	if err != nil {
		return nil, err
	}
	ids, opErr := s.Ops.Enqueue(ctx, in.Queue, adminapi.EnqueueParams{
		Payloads: in.Payloads,
		Delay:    delay,
		Priority: in.Priority,
	})
	if opErr != nil {
		return nil, mapOpError(opErr)
	}
	return toStruct(map[string]any{"ids": ids})
}

func (s *Server) Claim(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in claimRequest
	if err := s.prepare(ctx, req, &in); err != nil {
		return nil, err
	}
	if err := requireField(in.Queue, "queue"); err != nil {
		return nil, err
	}
	visibility, err := durationField(in.Visibility, "visibility")
	if err != nil {
		return nil, err
	}
	msgs, opErr := s.Ops.Claim(ctx, in.Queue, adminapi.ClaimParams{
		Count:      in.Count,
		Visibility: visibility,
		MaxRetries: in.MaxRetries,
	})
	if opErr != nil && len(msgs) == 0 {
		return nil, mapOpError(opErr)
	}
	if msgs == nil {
		msgs = []queue.Message{}
	}
	out := map[string]any{"messages": msgs}
	if opErr != nil {
		out["error"] = claimError{Code: opErr.Code, Detail: opErr.Detail}
	}
	return toStruct(out)
}

func (s *Server) Ack(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in leaseRequest
	if err := s.prepare(ctx, req, &in); err != nil {
		return nil, err
	}
	if err := requireLease(in); err != nil {
		return nil, err
	}
	id, opErr := s.Ops.Ack(ctx, in.Queue, in.Token, in.Result)
	if opErr != nil {
		return nil, mapOpError(opErr)
	}
	return toStruct(map[string]any{"id": id})
}

func (s *Server) Nack(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in leaseRequest
	if err := s.prepare(ctx, req, &in); err != nil {
		return nil, err
	}
	if err := requireLease(in); err != nil {
		return nil, err
	}
	delay, err := durationField(in.Delay, "delay")
	if err != nil {
		return nil, err
	}
	id, opErr := s.Ops.Nack(ctx, in.Queue, in.Token, delay)
	if opErr != nil {
		return nil, mapOpError(opErr)
	}
	return toStruct(map[string]any{"id": id})
}

func (s *Server) Ping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in leaseRequest
	if err := s.prepare(ctx, req, &in); err != nil {
		return nil, err
	}
	if err := requireLease(in); err != nil {
		return nil, err
	}
	visibility, err := durationField(in.Visibility, "visibility")
	if err != nil {
		return nil, err
	}
	id, opErr := s.Ops.Ping(ctx, in.Queue, in.Token, visibility)
	if opErr != nil {
		return nil, mapOpError(opErr)
	}
	return toStruct(map[string]any{"id": id})
}

func (s *Server) Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in statsRequest
	if err := s.prepare(ctx, req, &in); err != nil {
		return nil, err
	}
	if err := requireField(in.Queue, "queue"); err != nil {
		return nil, err
	}
	st, opErr := s.Ops.Stats(ctx, in.Queue)
	if opErr != nil {
		return nil, mapOpError(opErr)
	}
	return toStruct(st)
}

func (s *Server) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in publishRequest
	if err := s.prepare(ctx, req, &in); err != nil {
		return nil, err
	}
	if err := requireField(in.Topic, "topic"); err != nil {
		return nil, err
	}
	delay, err := durationField(in.Delay, "delay")
	if err != nil {
		return nil, err
	}
	results, opErr := s.Ops.Publish(ctx, in.Topic, adminapi.PublishParams{
		Payloads: in.Payloads,
		Delay:    delay,
		Priority: in.Priority,
	})
	if opErr != nil {
		return nil, mapOpError(opErr)
	}
	if results == nil {
		results = []queue.PublishResult{}
	}
	return toStruct(map[string]any{"results": results})
}

// prepare authorizes the call and decodes req into dst, rejecting unknown
// fields the way the HTTP API does.
func (s *Server) prepare(ctx context.Context, req *structpb.Struct, dst any) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}
	if s.Authorize != nil {
		method, _ := grpc.Method(ctx)
		if !s.Authorize(ctx, method) {
			return status.Error(codes.Unauthenticated, "request is not authorized")
		}
	}
	if s.Ops == nil {
		return status.Error(codes.Internal, "worker operations are not configured")
	}
	raw, err := protojson.Marshal(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, "request is not a valid document")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	return nil
}

func requireField(v, field string) error {
	if strings.TrimSpace(v) == "" {
		return status.Error(codes.InvalidArgument, field+" is required")
	}
	return nil
}

func requireLease(in leaseRequest) error {
	if err := requireField(in.Queue, "queue"); err != nil {
		return err
	}
	return requireField(in.Token, "token")
}

func durationField(raw, field string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, status.Error(codes.InvalidArgument, field+" must be a valid duration")
	}
	return d, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response: "+err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response: "+err.Error())
	}
	return out, nil
}

func mapOpError(opErr *adminapi.OpError) error {
	if opErr == nil {
		return nil
	}
	switch opErr.StatusCode {
	case 400:
		return status.Error(codes.InvalidArgument, opErr.Detail)
	case 401:
		return status.Error(codes.Unauthenticated, opErr.Detail)
	case 404:
		return status.Error(codes.NotFound, opErr.Detail)
	case 409:
		return status.Error(codes.FailedPrecondition, opErr.Detail)
	case 503:
		return status.Error(codes.Unavailable, opErr.Detail)
	default:
		return status.Error(codes.Internal, opErr.Detail)
	}
}
