package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"sync"

	"github.com/nuetzliches/leasequeue/internal/adminapi"
	"github.com/nuetzliches/leasequeue/internal/config"
	"github.com/nuetzliches/leasequeue/internal/dispatcher"
	"github.com/nuetzliches/leasequeue/internal/queue"
	"github.com/nuetzliches/leasequeue/internal/secrets"
	"github.com/nuetzliches/leasequeue/internal/workerapi"
)

// queueRuntime owns the queues and channels declared by the running config.
// It is the registry the admin and worker APIs resolve names against.
type queueRuntime struct {
	store     queue.Store
	logger    *slog.Logger
	metrics   *runtimeMetrics
	deliverer dispatcher.Deliverer

	mu       sync.RWMutex
	queues   map[string]*managedQueue
	channels map[string]*managedChannel
	lookup   map[string]*queue.Queue

	httpAuthorize adminapi.Authorizer
	grpcAuthorize workerapi.Authorizer
}

type managedQueue struct {
	cfg config.QueueConfig
	q   *queue.Queue
}

type managedChannel struct {
	cfg  config.ChannelConfig
	ch   *queue.Channel
	subs []*queue.Queue
}

var _ adminapi.Registry = (*queueRuntime)(nil)

func newQueueRuntime(store queue.Store, deliverer dispatcher.Deliverer, metrics *runtimeMetrics, logger *slog.Logger) *queueRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	if deliverer == nil {
		deliverer = dispatcher.NewHTTPDeliverer(nil)
	}
	rt := &queueRuntime{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		deliverer: deliverer,
		queues:    make(map[string]*managedQueue),
		channels:  make(map[string]*managedChannel),
		lookup:    make(map[string]*queue.Queue),
	}
	if metrics != nil {
		metrics.backlog = rt.allQueues
	}
	return rt
}

func (rt *queueRuntime) Queue(name string) (*queue.Queue, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	q, ok := rt.lookup[name]
	return q, ok
}

func (rt *queueRuntime) QueueNames() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	names := make([]string, 0, len(rt.lookup))
	for name := range rt.lookup {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (rt *queueRuntime) Channel(topic string) (*queue.Channel, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	mc, ok := rt.channels[topic]
	if !ok {
		return nil, false
	}
	return mc.ch, true
}

func (rt *queueRuntime) allQueues() []*queue.Queue {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*queue.Queue, 0, len(rt.lookup))
	for _, q := range rt.lookup {
		out = append(out, q)
	}
	return out
}

// apply brings the running queues and channels in line with compiled.
// Unchanged entries keep their pollers; changed entries are stopped and
// rebuilt; removed entries are stopped.
func (rt *queueRuntime) apply(ctx context.Context, compiled config.Compiled) error {
	nextQueues := make(map[string]*managedQueue, len(compiled.Queues))
	var stale []*queue.Queue
	var fresh []*queue.Queue
	var errs []error

	rt.mu.RLock()
	for _, qc := range compiled.Queues {
		if cur, ok := rt.queues[qc.Name]; ok && reflect.DeepEqual(cur.cfg, qc) {
			nextQueues[qc.Name] = cur
			continue
		}
		q, err := queue.New(rt.store, qc.Name, queueOptions(qc.Settings, qc.DeadQueue, rt.logger))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		nextQueues[qc.Name] = &managedQueue{cfg: qc, q: q}
		fresh = append(fresh, q)
	}
	for name, cur := range rt.queues {
		if next, ok := nextQueues[name]; !ok || next != cur {
			stale = append(stale, cur.q)
		}
	}

	nextChannels := make(map[string]*managedChannel, len(compiled.Channels))
	for _, cc := range compiled.Channels {
		if cur, ok := rt.channels[cc.Topic]; ok && reflect.DeepEqual(cur.cfg, cc) {
			nextChannels[cc.Topic] = cur
			continue
		}
		mc, err := rt.buildChannel(cc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		nextChannels[cc.Topic] = mc
		fresh = append(fresh, mc.subs...)
	}
	for topic, cur := range rt.channels {
		if next, ok := nextChannels[topic]; !ok || next != cur {
			stale = append(stale, cur.subs...)
		}
	}
	rt.mu.RUnlock()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, q := range stale {
		if err := q.Stop(ctx); err != nil {
			rt.logger.Warn("queue_stop_failed", slog.String("queue", q.Name()), slog.Any("err", err))
		}
	}

	for _, qc := range compiled.Queues {
		mq := nextQueues[qc.Name]
		if !containsQueue(fresh, mq.q) {
			continue
		}
		if err := rt.startQueue(ctx, mq.q, qc.Deliver); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cc := range compiled.Channels {
		mc := nextChannels[cc.Topic]
		for i, sc := range cc.Subscribers {
			q := mc.subs[i]
			if !containsQueue(fresh, q) {
				continue
			}
			if err := rt.startQueue(ctx, q, sc.Deliver); err != nil {
				errs = append(errs, err)
			}
		}
	}

	lookup := make(map[string]*queue.Queue)
	for _, mq := range nextQueues {
		lookup[mq.q.Name()] = mq.q
	}
	for _, mc := range nextChannels {
		for _, q := range mc.subs {
			lookup[q.Name()] = q
		}
	}
	// Dead queues that are not declared on their own stay reachable for
	// inspection and redrive.
	for _, q := range valuesOf(lookup) {
		if d := q.DeadQueue(); d != nil {
			if _, ok := lookup[d.Name()]; !ok {
				lookup[d.Name()] = d
			}
		}
	}

	rt.mu.Lock()
	rt.queues = nextQueues
	rt.channels = nextChannels
	rt.lookup = lookup
	rt.mu.Unlock()

	rt.logger.Info("queues_applied",
		slog.Int("queues", len(nextQueues)),
		slog.Int("channels", len(nextChannels)),
		slog.Int("started", len(fresh)),
		slog.Int("stopped", len(stale)),
	)
	return errors.Join(errs...)
}

func (rt *queueRuntime) buildChannel(cc config.ChannelConfig) (*managedChannel, error) {
	ch, err := queue.NewChannel(rt.store, cc.Topic, queue.ChannelOptions{
		Delay:         cc.Delay,
		Visibility:    cc.Visibility,
		DeadQueueName: cc.DeadQueue,
	})
	if err != nil {
		return nil, err
	}
	mc := &managedChannel{cfg: cc, ch: ch}
	for _, sc := range cc.Subscribers {
		q, err := ch.Queue(sc.Name, queueOptions(sc.Settings, cc.DeadQueue, rt.logger))
		if err != nil {
			return nil, err
		}
		mc.subs = append(mc.subs, q)
	}
	return mc, nil
}

// startQueue attaches metrics and either starts a delivering poller or just
// initializes the collection for API consumers.
func (rt *queueRuntime) startQueue(ctx context.Context, q *queue.Queue, d *config.DeliverConfig) error {
	rt.metrics.attach(q)
	if dead := q.DeadQueue(); dead != nil {
		rt.metrics.attach(dead)
	}
	q.On(queue.EventDead, func(n queue.Notification) {
		rt.logger.Warn("message_dead",
			slog.String("queue", n.Queue),
			slog.String("id", n.ID),
			slog.Int("tries", n.Message.Tries),
		)
	})

	if d == nil {
		if _, err := q.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize queue %q: %w", q.Name(), err)
		}
		return nil
	}
	h := dispatcher.NewHandler(deliverTarget(d), rt.deliverer)
	if _, err := q.Subscribe(ctx, h); err != nil {
		return fmt.Errorf("subscribe queue %q: %w", q.Name(), err)
	}
	rt.logger.Info("queue_subscribed",
		slog.String("queue", q.Name()),
		slog.String("target", d.URL),
		slog.Int("concurrency", q.Options().Concurrency),
	)
	return nil
}

func (rt *queueRuntime) stopAll(ctx context.Context) error {
	var errs []error
	for _, q := range rt.allQueues() {
		if err := q.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop queue %q: %w", q.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (rt *queueRuntime) loadAuth(compiled config.Compiled) error {
	tokens := make([][]byte, 0, len(compiled.Admin.AuthTokens))
	for _, ref := range compiled.Admin.AuthTokens {
		b, err := secrets.LoadRef(ref)
		if err != nil {
			return fmt.Errorf("admin auth token %q: %w", ref, err)
		}
		tokens = append(tokens, b)
	}
	rt.mu.Lock()
	rt.httpAuthorize = adminapi.BearerTokenAuthorizer(tokens)
	rt.grpcAuthorize = workerapi.BearerTokenAuthorizer(tokens)
	rt.mu.Unlock()
	return nil
}

func (rt *queueRuntime) authorizeHTTP(r *http.Request) bool {
	rt.mu.RLock()
	fn := rt.httpAuthorize
	rt.mu.RUnlock()
	return fn == nil || fn(r)
}

func (rt *queueRuntime) authorizeGRPC(ctx context.Context, method string) bool {
	rt.mu.RLock()
	fn := rt.grpcAuthorize
	rt.mu.RUnlock()
	return fn == nil || fn(ctx, method)
}

func queueOptions(s config.Settings, deadQueue string, logger *slog.Logger) queue.Options {
	return queue.Options{
		Visibility:    s.Visibility,
		Delay:         s.Delay,
		Concurrency:   s.Concurrency,
		PollInterval:  s.PollInterval,
		MaxRetries:    s.MaxRetries,
		ExpireAfter:   s.ExpireAfter,
		DeadQueueName: deadQueue,
		Logger:        logger,
	}
}

func deliverTarget(d *config.DeliverConfig) dispatcher.Target {
	t := dispatcher.Target{
		URL:     d.URL,
		Method:  d.Method,
		Timeout: d.Timeout,
		Header:  d.Header.Clone(),
	}
	if d.Sign != nil {
		t.Sign = &dispatcher.HMACSigningConfig{
			SecretRef:       d.Sign.SecretRef,
			SignatureHeader: d.Sign.SignatureHeader,
			TimestampHeader: d.Sign.TimestampHeader,
		}
	}
	return t
}

func containsQueue(list []*queue.Queue, q *queue.Queue) bool {
	for _, c := range list {
		if c == q {
			return true
		}
	}
	return false
}

func valuesOf(m map[string]*queue.Queue) []*queue.Queue {
	out := make([]*queue.Queue, 0, len(m))
	for _, q := range m {
		out = append(out, q)
	}
	return out
}
