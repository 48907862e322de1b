package queue

import "sync"

type Event int

const (
	EventAdded Event = iota + 1
	EventActive
	EventCompleted
	EventError
	EventDead
)

func (e Event) String() string {
	switch e {
	case EventAdded:
		return "added"
	case EventActive:
		return "active"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	case EventDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Notification is delivered to listeners. ID is always set; Message is the
// record as the poller saw it (zero for EventAdded).
type Notification struct {
	Event   Event
	Queue   string
	ID      string
	Message Message
	Result  any
	Err     error
}

// Listener is invoked synchronously on the goroutine that emitted the event.
type Listener func(Notification)

type listeners struct {
	mu sync.RWMutex
	m  map[Event][]Listener
}

func (l *listeners) add(ev Event, fn Listener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[Event][]Listener)
	}
	l.m[ev] = append(l.m[ev], fn)
}

func (l *listeners) emit(n Notification) {
	l.mu.RLock()
	fns := l.m[n.Event]
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}
