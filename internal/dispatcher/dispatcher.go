// Package dispatcher forwards queued messages to HTTP endpoints. A Handler
// adapts a Deliverer to queue.Handler so a poller can drive deliveries.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultSignatureHeader = "X-Leasequeue-Signature"
	DefaultTimestampHeader = "X-Leasequeue-Timestamp"

	HeaderID    = "X-Leasequeue-Id"
	HeaderQueue = "X-Leasequeue-Queue"
	HeaderTries = "X-Leasequeue-Tries"

	maxResponseBody = 64 << 10
)

// Target is a configured delivery endpoint.
type Target struct {
	URL     string
	Method  string
	Timeout time.Duration
	Header  http.Header
	Sign    *HMACSigningConfig
}

// HMACSigningConfig signs each request body with a shared secret.
type HMACSigningConfig struct {
	SecretRef       string
	SignatureHeader string
	TimestampHeader string
}

type Delivery struct {
	ID     string
	Queue  string
	Tries  int
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Sign   *HMACSigningConfig
}

type Result struct {
	StatusCode int
	Body       []byte
	Err        error
}

type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) Result
}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delivery failed: status %d", e.StatusCode)
}
