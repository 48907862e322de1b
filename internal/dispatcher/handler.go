package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nuetzliches/leasequeue/internal/queue"
)

// Receipt is stored as the message result after a successful delivery.
type Receipt struct {
	StatusCode int             `json:"status_code"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// Handler delivers each message payload to a Target.
type Handler struct {
	target    Target
	deliverer Deliverer
}

var _ queue.Handler = (*Handler)(nil)

func NewHandler(target Target, d Deliverer) *Handler {
	if target.Timeout <= 0 {
		target.Timeout = DefaultTimeout
	}
	if target.Method == "" {
		target.Method = http.MethodPost
	}
	return &Handler{target: target, deliverer: d}
}

func (h *Handler) Target() Target { return h.target }

func (h *Handler) Handle(ctx context.Context, msg queue.Message) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, h.target.Timeout)
	defer cancel()

	res := h.deliverer.Deliver(ctx, Delivery{
		ID:     msg.ID,
		Queue:  msg.Queue,
		Tries:  msg.Tries,
		Method: h.target.Method,
		URL:    h.target.URL,
		Header: h.target.Header,
		Body:   msg.Payload,
		Sign:   h.target.Sign,
	})
	if res.Err != nil {
		return nil, res.Err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{StatusCode: res.StatusCode}
	}
	receipt := Receipt{StatusCode: res.StatusCode}
	if len(res.Body) > 0 && json.Valid(res.Body) {
		receipt.Response = json.RawMessage(res.Body)
	}
	return receipt, nil
}
