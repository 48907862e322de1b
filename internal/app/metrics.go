package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/leasequeue/internal/queue"
)

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64
	reloadsTotal             atomic.Int64
	reloadFailuresTotal      atomic.Int64

	mu      sync.Mutex
	byQueue map[string]*queueCounters

	// backlog lists the queues whose Stats are sampled on scrape.
	backlog      func() []*queue.Queue
	statsTimeout time.Duration
}

type queueCounters struct {
	enqueued  int64
	active    int64
	completed int64
	errors    int64
	dead      int64
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{
		byQueue:      make(map[string]*queueCounters),
		statsTimeout: 2 * time.Second,
	}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) observeReload(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.reloadsTotal.Add(1)
		return
	}
	m.reloadFailuresTotal.Add(1)
}

// attach feeds q's events into the per-queue counters.
func (m *runtimeMetrics) attach(q *queue.Queue) {
	if m == nil || q == nil {
		return
	}
	for _, ev := range []queue.Event{queue.EventAdded, queue.EventActive, queue.EventCompleted, queue.EventError, queue.EventDead} {
		q.On(ev, m.observe)
	}
}

func (m *runtimeMetrics) observe(n queue.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.byQueue[n.Queue]
	if c == nil {
		c = &queueCounters{}
		m.byQueue[n.Queue] = c
	}
	switch n.Event {
	case queue.EventAdded:
		c.enqueued++
	case queue.EventActive:
		c.active++
	case queue.EventCompleted:
		c.completed++
	case queue.EventError:
		c.errors++
	case queue.EventDead:
		c.dead++
	}
}

func (m *runtimeMetrics) countersSnapshot() map[string]queueCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]queueCounters, len(m.byQueue))
	for name, c := range m.byQueue {
		out[name] = *c
	}
	return out
}

type backlogSample struct {
	queue string
	stats queue.Stats
	ok    bool
}

func (m *runtimeMetrics) backlogSnapshot(ctx context.Context) []backlogSample {
	if m == nil || m.backlog == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.statsTimeout)
	defer cancel()
	queues := m.backlog()
	out := make([]backlogSample, 0, len(queues))
	for _, q := range queues {
		st, err := q.Stats(ctx)
		out = append(out, backlogSample{queue: q.Name(), stats: st, ok: err == nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].queue < out[j].queue })
	return out
}

func (m *runtimeMetrics) healthDiagnostics() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	counters := m.countersSnapshot()
	byQueue := make(map[string]any, len(counters))
	for name, c := range counters {
		byQueue[name] = map[string]any{
			"enqueued_total":  c.enqueued,
			"active_total":    c.active,
			"completed_total": c.completed,
			"errors_total":    c.errors,
			"dead_total":      c.dead,
		}
	}
	return map[string]any{
		"tracing": map[string]any{
			"enabled":             m.tracingEnabled.Load() == 1,
			"init_failures_total": m.tracingInitFailuresTotal.Load(),
			"export_errors_total": m.tracingExportErrorsTotal.Load(),
		},
		"reload": map[string]any{
			"ok_total":     m.reloadsTotal.Load(),
			"failed_total": m.reloadFailuresTotal.Load(),
		},
		"events": byQueue,
	}
}

func sortedQueueNames(counters map[string]queueCounters) []string {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracingEnabled := int64(0)
		tracingInitFailuresTotal := int64(0)
		tracingExportErrorsTotal := int64(0)
		reloadsTotal := int64(0)
		reloadFailuresTotal := int64(0)
		var counters map[string]queueCounters
		var backlog []backlogSample
		if rm != nil {
			tracingEnabled = rm.tracingEnabled.Load()
			tracingInitFailuresTotal = rm.tracingInitFailuresTotal.Load()
			tracingExportErrorsTotal = rm.tracingExportErrorsTotal.Load()
			reloadsTotal = rm.reloadsTotal.Load()
			reloadFailuresTotal = rm.reloadFailuresTotal.Load()
			counters = rm.countersSnapshot()
			backlog = rm.backlogSnapshot(r.Context())
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprintf(w, "# HELP leasequeue_up Whether the leasequeue process is up.\n")
		_, _ = fmt.Fprintf(w, "# TYPE leasequeue_up gauge\n")
		_, _ = fmt.Fprintf(w, "leasequeue_up 1\n")
		_, _ = fmt.Fprintf(w, "# HELP leasequeue_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE leasequeue_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "leasequeue_build_info{version=%q} 1\n", version)
		_, _ = fmt.Fprintf(w, "# HELP leasequeue_start_time_seconds Start time since unix epoch.\n")
		_, _ = fmt.Fprintf(w, "# TYPE leasequeue_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "leasequeue_start_time_seconds %d\n", start.Unix())
		_, _ = fmt.Fprintf(w, "# HELP leasequeue_tracing_enabled Whether tracing is enabled.\n")
		_, _ = fmt.Fprintf(w, "# TYPE leasequeue_tracing_enabled gauge\n")
		_, _ = fmt.Fprintf(w, "leasequeue_tracing_enabled %d\n", tracingEnabled)
		_, _ = fmt.Fprintf(w, "# HELP leasequeue_tracing_init_failures_total Total number of tracing initialization failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE leasequeue_tracing_init_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "leasequeue_tracing_init_failures_total %d\n", tracingInitFailuresTotal)
		_, _ = fmt.Fprintf(w, "# HELP leasequeue_tracing_export_errors_total Total number of tracing exporter errors reported by OpenTelemetry.\n")
		_, _ = fmt.Fprintf(w, "# TYPE leasequeue_tracing_export_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "leasequeue_tracing_export_errors_total %d\n", tracingExportErrorsTotal)
		_, _ = fmt.Fprintf(w, "# HELP leasequeue_config_reloads_total Total number of applied config reloads.\n")
		_, _ = fmt.Fprintf(w, "# TYPE leasequeue_config_reloads_total counter\n")
		_, _ = fmt.Fprintf(w, "leasequeue_config_reloads_total %d\n", reloadsTotal)
		_, _ = fmt.Fprintf(w, "# HELP leasequeue_config_reload_failures_total Total number of rejected config reloads.\n")
		_, _ = fmt.Fprintf(w, "# TYPE leasequeue_config_reload_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "leasequeue_config_reload_failures_total %d\n", reloadFailuresTotal)

		names := sortedQueueNames(counters)
		counterFamilies := []struct {
			name string
			help string
			get  func(queueCounters) int64
		}{
			{"leasequeue_enqueued_total", "Total number of messages enqueued.", func(c queueCounters) int64 { return c.enqueued }},
			{"leasequeue_handler_active_total", "Total number of messages handed to a poller handler.", func(c queueCounters) int64 { return c.active }},
			{"leasequeue_completed_total", "Total number of messages completed by a poller handler.", func(c queueCounters) int64 { return c.completed }},
			{"leasequeue_errors_total", "Total number of failed handler invocations.", func(c queueCounters) int64 { return c.errors }},
			{"leasequeue_dead_total", "Total number of messages that exceeded max retries.", func(c queueCounters) int64 { return c.dead }},
		}
		for _, fam := range counterFamilies {
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", fam.name, fam.help)
			_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", fam.name)
			for _, name := range names {
				_, _ = fmt.Fprintf(w, "%s{queue=%q} %d\n", fam.name, name, fam.get(counters[name]))
			}
		}

		gaugeFamilies := []struct {
			name string
			help string
			get  func(queue.Stats) int
		}{
			{"leasequeue_messages", "Number of records in the queue collection.", func(s queue.Stats) int { return s.Total }},
			{"leasequeue_waiting", "Number of messages claimable now.", func(s queue.Stats) int { return s.Waiting }},
			{"leasequeue_in_flight", "Number of messages under an unexpired lease.", func(s queue.Stats) int { return s.InFlight }},
			{"leasequeue_done", "Number of completed records retained.", func(s queue.Stats) int { return s.Done }},
		}
		for _, fam := range gaugeFamilies {
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", fam.name, fam.help)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", fam.name)
			for _, b := range backlog {
				if !b.ok {
					continue
				}
				_, _ = fmt.Fprintf(w, "%s{queue=%q} %d\n", fam.name, b.queue, fam.get(b.stats))
			}
		}
		_, _ = fmt.Fprintf(w, "# HELP leasequeue_stats_up Whether the last stats sample for the queue succeeded.\n")
		_, _ = fmt.Fprintf(w, "# TYPE leasequeue_stats_up gauge\n")
		for _, b := range backlog {
			up := 0
			if b.ok {
				up = 1
			}
			_, _ = fmt.Fprintf(w, "leasequeue_stats_up{queue=%q} %d\n", b.queue, up)
		}
	})
}
