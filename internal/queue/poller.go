package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes one claimed message. A nil error acks the message with
// the returned result; any error is recorded on the message and the lease is
// left to expire.
type Handler interface {
	Handle(ctx context.Context, msg Message) (any, error)
}

type HandlerFunc func(ctx context.Context, msg Message) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg Message) (any, error) {
	return f(ctx, msg)
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Poller claims messages on a fixed interval and dispatches each to its own
// goroutine, keeping at most Options.Concurrency handlers in flight.
type Poller struct {
	q   *Queue
	h   Handler
	log *slog.Logger

	busy   atomic.Int64
	paused atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
}

func newPoller(q *Queue, h Handler) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		q:        q,
		h:        h,
		log:      q.log,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (p *Poller) start() {
	go p.loop()
}

func (p *Poller) loop() {
	defer close(p.loopDone)

	ticker := time.NewTicker(p.q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	if p.paused.Load() {
		return
	}
	idle := int64(p.q.opts.Concurrency) - p.busy.Load()
	if idle <= 0 {
		return
	}
	msgs, err := p.q.Claim(p.ctx, int(idle), ClaimOptions{})
	if err != nil && p.ctx.Err() == nil {
		p.log.Warn("poller_claim_failed", slog.Any("err", err))
	}
	for _, msg := range msgs {
		p.busy.Add(1)
		p.wg.Add(1)
		go p.process(msg)
	}
}

func (p *Poller) release() {
	for {
		cur := p.busy.Load()
		if cur <= 0 {
			return
		}
		if p.busy.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (p *Poller) process(msg Message) {
	defer p.wg.Done()
	defer p.release()

	// Bookkeeping must finish even after Stop.
	ctx := context.WithoutCancel(p.ctx)

	p.q.emit(Notification{Event: EventActive, ID: msg.ID, Message: msg})

	if msg.Tries == 1 {
		at := p.q.now()
		if err := p.q.markStarted(ctx, msg.ID, at); err != nil {
			p.log.Warn("poller_mark_started_failed", slog.String("id", msg.ID), slog.Any("err", err))
		} else {
			msg.StartedAt = at
		}
	}

	result, err := p.run(ctx, msg)
	if err == nil {
		if _, ackErr := p.q.Ack(ctx, msg.LeaseToken, result); ackErr != nil {
			p.log.Warn("poller_ack_failed", slog.String("id", msg.ID), slog.Any("err", ackErr))
			p.q.emit(Notification{Event: EventError, ID: msg.ID, Message: msg, Err: ackErr})
			return
		}
		p.q.emit(Notification{Event: EventCompleted, ID: msg.ID, Message: msg, Result: result})
		return
	}

	rec := ErrorRecord{At: p.q.now(), Error: err.Error(), Kind: errorKind(err)}
	if pushErr := p.q.pushError(ctx, msg.ID, rec); pushErr != nil {
		p.log.Warn("poller_record_error_failed", slog.String("id", msg.ID), slog.Any("err", pushErr))
	}
	msg.Errors = append(msg.Errors, rec)
	p.log.Debug("poller_handler_failed",
		slog.String("id", msg.ID),
		slog.Int("tries", msg.Tries),
		slog.String("kind", rec.Kind),
		slog.Any("err", err),
	)
	p.q.emit(Notification{Event: EventError, ID: msg.ID, Message: msg, Err: err})
	if msg.Tries > p.q.opts.MaxRetries {
		p.q.emit(Notification{Event: EventDead, ID: msg.ID, Message: msg, Err: err})
	}
}

type handlerOutcome struct {
	result any
	err    error
}

// run invokes the handler bounded by the queue visibility. A handler that
// outlives it is abandoned; its lease expires on its own.
func (p *Poller) run(parent context.Context, msg Message) (any, error) {
	ctx, cancel := context.WithTimeout(parent, p.q.opts.Visibility)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: &PanicError{Value: r}}
			}
		}()
		res, err := p.h.Handle(ctx, msg)
		done <- handlerOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrHandlerTimeout
		}
		return out.result, out.err
	case <-ctx.Done():
		return nil, ErrHandlerTimeout
	}
}

func errorKind(err error) string {
	var pe *PanicError
	switch {
	case errors.Is(err, ErrHandlerTimeout):
		return ErrorKindTimeout
	case errors.As(err, &pe):
		return ErrorKindPanic
	default:
		return ErrorKindHandler
	}
}

func (p *Poller) Pause()       { p.paused.Store(true) }
func (p *Poller) Resume()      { p.paused.Store(false) }
func (p *Poller) Paused() bool { return p.paused.Load() }
func (p *Poller) Busy() int    { return int(p.busy.Load()) }

// Stop halts the tick loop and waits for in-flight handlers. It returns
// ctx.Err() if ctx ends first; handlers keep running in that case.
func (p *Poller) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.cancel()
	})
	done := make(chan struct{})
	go func() {
		<-p.loopDone
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
