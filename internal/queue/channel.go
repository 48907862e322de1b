package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const DefaultSubscription = "default"

type ChannelOptions struct {
	Delay         time.Duration
	Visibility    time.Duration
	DeadQueueName string

	Now func() time.Time
}

type PublishOptions struct {
	Delay    time.Duration
	Priority int
}

// PublishResult lists the ids inserted into one bound queue.
type PublishResult struct {
	Queue string   `json:"queue"`
	IDs   []string `json:"ids"`
}

// Channel fans a payload out to every queue named <topic>_<suffix>.
type Channel struct {
	store Store
	topic string
	opts  ChannelOptions

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewChannel(store Store, topic string, opts ChannelOptions) (*Channel, error) {
	if store == nil {
		return nil, errors.New("channel: nil store")
	}
	if err := validateCollectionName(topic); err != nil {
		return nil, fmt.Errorf("channel %q: %w", topic, err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{
		store:  store,
		topic:  topic,
		opts:   opts,
		queues: make(map[string]*Queue),
	}, nil
}

func (c *Channel) Topic() string { return c.topic }

// Queues returns the names of the queues currently bound to the topic.
func (c *Channel) Queues(ctx context.Context) ([]string, error) {
	all, err := c.store.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel %q: list collections: %w", c.topic, err)
	}
	prefix := c.topic + "_"
	var out []string
	for _, name := range all {
		if len(name) > len(prefix) && strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Publish inserts payloads into every bound queue with identical
// CreatedAt, VisibleAt and Priority. It returns one result per queue, in
// queue name order. A topic without bound queues publishes nothing.
func (c *Channel) Publish(ctx context.Context, payloads []any, opts PublishOptions) (results []PublishResult, err error) {
	ctx, span := startSpan(ctx, "channel.publish", c.topic, attribute.Int("queue.batch_size", len(payloads)))
	defer func() { endSpan(span, err) }()

	if len(payloads) == 0 {
		return nil, fmt.Errorf("channel %q: publish: %w", c.topic, ErrEmptyBatch)
	}
	names, err := c.Queues(ctx)
	if err != nil {
		return nil, err
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = c.opts.Delay
	}
	msgs, err := buildMessages(payloads, c.opts.Now(), delay, opts.Priority)
	if err != nil {
		return nil, fmt.Errorf("channel %q: publish: %w", c.topic, err)
	}

	results = make([]PublishResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			batch := make([]Message, len(msgs))
			for j := range msgs {
				batch[j] = msgs[j].clone()
			}
			ids, err := c.store.InsertBatch(gctx, name, batch)
			if err != nil {
				return fmt.Errorf("channel %q: publish to %q: %w", c.topic, name, err)
			}
			results[i] = PublishResult{Queue: name, IDs: ids}
			if q := c.cachedQueue(name); q != nil {
				for _, id := range ids {
					q.emit(Notification{Event: EventAdded, ID: id})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Queue returns the queue <topic>_<name>, constructing it on first use with
// the channel defaults merged into opts.
func (c *Channel) Queue(name string, opts Options) (*Queue, error) {
	if name == "" {
		name = DefaultSubscription
	}
	full := c.topic + "_" + name

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[full]; ok {
		return q, nil
	}
	opts = opts.mergeDefaults(Options{
		Visibility:    c.opts.Visibility,
		Delay:         c.opts.Delay,
		DeadQueueName: c.opts.DeadQueueName,
		Now:           c.opts.Now,
	})
	q, err := New(c.store, full, opts)
	if err != nil {
		return nil, err
	}
	c.queues[full] = q
	return q, nil
}

func (c *Channel) cachedQueue(full string) *Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues[full]
}

// Subscribe binds the queue <topic>_<name> (default "default") to the
// channel and starts polling it with h.
func (c *Channel) Subscribe(ctx context.Context, h Handler, name string, opts Options) (*Queue, error) {
	q, err := c.Queue(name, opts)
	if err != nil {
		return nil, err
	}
	if _, err := q.Subscribe(ctx, h); err != nil {
		return nil, err
	}
	return q, nil
}
