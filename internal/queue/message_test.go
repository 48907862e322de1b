package queue

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMessage_JSONOmitsSeq(t *testing.T) {
	m := Message{
		ID:        "m1",
		Queue:     "jobs",
		Payload:   json.RawMessage(`{"a":1}`),
		CreatedAt: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		Priority:  1,
		Seq:       42,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "seq") {
		t.Fatalf("json=%s, want no seq field", raw)
	}
	var back Message
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != "m1" || back.Seq != 0 {
		t.Fatalf("back=%+v", back)
	}
}
