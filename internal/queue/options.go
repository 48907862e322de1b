package queue

import (
	"log/slog"
	"time"
)

const (
	DefaultVisibility   = 30 * time.Second
	DefaultConcurrency  = 1
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxRetries   = 5
	DefaultPriority     = 1
)

// Options are fixed when a Queue is constructed. Zero values select the
// package defaults.
type Options struct {
	Visibility   time.Duration
	Delay        time.Duration
	Concurrency  int
	PollInterval time.Duration
	MaxRetries   int
	// ExpireAfter enables the TTL index: done records older than this are
	// removed by the store. Zero disables it.
	ExpireAfter time.Duration

	// DeadQueue receives records that exceeded MaxRetries. When nil and
	// DeadQueueName is set, a sibling queue with default options is created
	// on first use.
	DeadQueue     *Queue
	DeadQueueName string

	Logger *slog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Visibility <= 0 {
		o.Visibility = DefaultVisibility
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.ExpireAfter < 0 {
		o.ExpireAfter = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// mergeDefaults fills zero fields of o from defaults.
func (o Options) mergeDefaults(defaults Options) Options {
	if o.Visibility == 0 {
		o.Visibility = defaults.Visibility
	}
	if o.Delay == 0 {
		o.Delay = defaults.Delay
	}
	if o.Concurrency == 0 {
		o.Concurrency = defaults.Concurrency
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaults.MaxRetries
	}
	if o.ExpireAfter == 0 {
		o.ExpireAfter = defaults.ExpireAfter
	}
	if o.DeadQueue == nil && o.DeadQueueName == "" {
		o.DeadQueue = defaults.DeadQueue
		o.DeadQueueName = defaults.DeadQueueName
	}
	if o.Logger == nil {
		o.Logger = defaults.Logger
	}
	if o.Now == nil {
		o.Now = defaults.Now
	}
	return o
}

type EnqueueOptions struct {
	Delay    time.Duration
	Priority int
}

type ClaimOptions struct {
	Visibility time.Duration
	MaxRetries int
}

type NackOptions struct {
	Delay time.Duration
}

type PingOptions struct {
	Visibility time.Duration
}
