package queue

import (
	"encoding/json"
	"time"
)

type State string

const (
	StateWaiting State = "waiting"
	StateLeased  State = "leased"
	StateDone    State = "done"

	// StateDelayed is a waiting message whose VisibleAt has not been reached
	// yet (enqueued or nacked with a delay). It is not counted as waiting.
	StateDelayed State = "delayed"
)

// Message is a unit of work stored in a queue collection.
//
// A message is Done once DeletedAt is set. Otherwise it is Leased while it
// carries a lease token and VisibleAt lies in the future, and Waiting once
// VisibleAt has passed. An expired lease needs no transition: the message
// simply becomes claimable again.
type Message struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Priority   int             `json:"priority"`
	VisibleAt  time.Time       `json:"visible_at"`
	LeaseToken string          `json:"lease_token,omitempty"`
	Tries      int             `json:"tries"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	DeletedAt  time.Time       `json:"deleted_at,omitzero"`
	Errors     []ErrorRecord   `json:"errors,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Seq        int64           `json:"-"`
}

// ErrorRecord is one failed handler invocation.
type ErrorRecord struct {
	At    time.Time `json:"at"`
	Error string    `json:"error"`
	Kind  string    `json:"kind,omitempty"`
}

const (
	ErrorKindHandler = "handler"
	ErrorKindTimeout = "timeout"
	ErrorKindPanic   = "panic"
)

func (m Message) State(now time.Time) State {
	if !m.DeletedAt.IsZero() {
		return StateDone
	}
	if !m.VisibleAt.After(now) {
		return StateWaiting
	}
	if m.LeaseToken != "" {
		return StateLeased
	}
	return StateDelayed
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// DecodeResult unmarshals the stored handler result into v.
func (m Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(m.Result, v)
}

func (m Message) clone() Message {
	out := m
	if m.Payload != nil {
		out.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.Result != nil {
		out.Result = append(json.RawMessage(nil), m.Result...)
	}
	if m.Errors != nil {
		out.Errors = append([]ErrorRecord(nil), m.Errors...)
	}
	return out
}

func encodeValue(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(x) {
			return nil, &json.UnsupportedValueError{Str: "invalid raw json"}
		}
		return append(json.RawMessage(nil), x...), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	}
}
