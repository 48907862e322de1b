package config

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/leasequeue/internal/httpheader"
	"github.com/nuetzliches/leasequeue/internal/secrets"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StorePebble   = "pebble"

	defaultAdminListen    = "127.0.0.1:2019"
	defaultSQLitePath     = "leasequeue.db"
	defaultPebblePath     = "leasequeue.pebble"
	defaultPruneInterval  = time.Minute
	defaultLogLevel       = "info"
	defaultLogOutput      = "stderr"
	defaultServiceName    = "leasequeue"
	defaultDeliverMethod  = http.MethodPost
	defaultDeliverTimeout = 10 * time.Second

	maxConcurrency = 1024
	maxMaxRetries  = 1000
)

// Compiled is the validated runtime view of a Config.
type Compiled struct {
	Store         StoreConfig
	Admin         AdminConfig
	Observability ObservabilityConfig
	Defaults      Settings
	Queues        []QueueConfig
	Channels      []ChannelConfig
}

type StoreConfig struct {
	Kind          string
	Path          string
	DSN           string
	Sync          bool
	PruneInterval time.Duration
}

type AdminConfig struct {
	// Listen is empty when the HTTP admin API is off.
	Listen string
	// GRPCListen is empty when the gRPC worker service is off.
	GRPCListen string
	AuthTokens []string
}

type ObservabilityConfig struct {
	LogLevel  string
	LogOutput string
	LogPath   string
	Metrics   bool
	Tracing   TracingConfig
}

type TracingConfig struct {
	Enabled     bool
	Collector   string
	Insecure    bool
	ServiceName string
}

type Settings struct {
	Visibility   time.Duration
	Delay        time.Duration
	Concurrency  int
	PollInterval time.Duration
	MaxRetries   int
	ExpireAfter  time.Duration
}

type QueueConfig struct {
	Name      string
	Settings  Settings
	DeadQueue string
	Deliver   *DeliverConfig
}

type ChannelConfig struct {
	Topic       string
	Delay       time.Duration
	Visibility  time.Duration
	DeadQueue   string
	Subscribers []SubscriberConfig
}

type SubscriberConfig struct {
	Name string
	// Queue is the bound collection name, <topic>_<name>.
	Queue    string
	Settings Settings
	Deliver  *DeliverConfig
}

type DeliverConfig struct {
	URL     string
	Method  string
	Timeout time.Duration
	Header  http.Header
	Sign    *SignConfig
}

type SignConfig struct {
	SecretRef       string
	SignatureHeader string
	TimestampHeader string
}

// DefaultSettings mirror the queue package defaults.
func DefaultSettings() Settings {
	return Settings{
		Visibility:   30 * time.Second,
		Concurrency:  1,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   5,
	}
}

// Compile validates cfg and resolves placeholders. The returned Compiled is
// only meaningful when the result is OK.
func Compile(cfg *Config) (Compiled, ValidationResult) {
	var res ValidationResult
	if cfg == nil {
		res.errorf("nil config")
		return Compiled{}, res
	}

	out := Compiled{
		Store:         compileStore(cfg.Store, &res),
		Admin:         compileAdmin(cfg.Admin, &res),
		Observability: compileObservability(cfg.Observability, &res),
	}
	out.Defaults = compileSettings("defaults", cfg.Defaults, DefaultSettings(), &res)

	names := map[string]string{}
	claim := func(name, owner string) {
		if prev, ok := names[name]; ok {
			res.errorf("%s: queue name %q already used by %s", owner, name, prev)
			return
		}
		names[name] = owner
	}

	for _, qb := range cfg.Queues {
		field := fmt.Sprintf("queue %q", qb.Name.Text)
		name := resolveValue(qb.Name.Text, field, &res)
		if err := validateQueueName(name); err != nil {
			res.errorf("%s: %v", field, err)
			continue
		}
		claim(name, field)
		q := QueueConfig{
			Name:     name,
			Settings: compileSettings(field, &qb.Settings, out.Defaults, &res),
			Deliver:  compileDeliver(field, qb.Deliver, &res),
		}
		q.DeadQueue = compileDeadQueue(field, qb.DeadQueue, name, &res)
		if q.Deliver == nil {
			res.warnf("%s has no deliver target; messages are consumed through the worker APIs only", field)
		}
		out.Queues = append(out.Queues, q)
	}

	topics := map[string]bool{}
	for _, cb := range cfg.Channels {
		field := fmt.Sprintf("channel %q", cb.Topic.Text)
		topic := resolveValue(cb.Topic.Text, field, &res)
		if err := validateQueueName(topic); err != nil {
			res.errorf("%s: %v", field, err)
			continue
		}
		if topics[topic] {
			res.errorf("%s: duplicate channel", field)
			continue
		}
		topics[topic] = true

		ch := ChannelConfig{
			Topic:      topic,
			Delay:      compileDuration(field+".delay", cb.Delay, 0, true, &res),
			Visibility: compileDuration(field+".visibility", cb.Visibility, out.Defaults.Visibility, false, &res),
		}
		ch.DeadQueue = compileDeadQueue(field, cb.DeadQueue, "", &res)
		if ch.DeadQueue != "" && strings.HasPrefix(ch.DeadQueue, topic+"_") {
			res.warnf("%s: dead_queue %q matches the channel prefix and will receive published messages", field, ch.DeadQueue)
		}

		base := out.Defaults
		base.Delay = ch.Delay
		base.Visibility = ch.Visibility
		seen := map[string]bool{}
		for _, sb := range cb.Subscribers {
			sfield := fmt.Sprintf("%s subscriber %q", field, sb.Name.Text)
			name := resolveValue(sb.Name.Text, sfield, &res)
			if name == "" || strings.TrimSpace(name) != name || strings.ContainsAny(name, "/\x00") {
				res.errorf("%s: invalid subscriber name", sfield)
				continue
			}
			if seen[name] {
				res.errorf("%s: duplicate subscriber", sfield)
				continue
			}
			seen[name] = true
			sub := SubscriberConfig{
				Name:     name,
				Queue:    topic + "_" + name,
				Settings: compileSettings(sfield, &sb.Settings, base, &res),
				Deliver:  compileDeliver(sfield, sb.Deliver, &res),
			}
			if sub.Queue == ch.DeadQueue {
				res.errorf("%s: subscriber queue %q is the channel dead_queue", sfield, sub.Queue)
			}
			claim(sub.Queue, sfield)
			ch.Subscribers = append(ch.Subscribers, sub)
		}
		if len(ch.Subscribers) == 0 {
			res.warnf("%s has no subscribers; publish only reaches queues created at runtime", field)
		}
		out.Channels = append(out.Channels, ch)
	}

	res.OK = len(res.Errors) == 0
	return out, res
}

func compileStore(in *StoreBlock, res *ValidationResult) StoreConfig {
	out := StoreConfig{Kind: StoreMemory, PruneInterval: defaultPruneInterval}
	if in == nil {
		res.warnf("no store block; messages are kept in memory and lost on exit")
		return out
	}
	out.Kind = strings.ToLower(resolveValue(in.Kind.Text, "store", res))
	switch out.Kind {
	case StoreMemory:
		if in.Path.Set || in.DSN.Set {
			res.errorf("store memory does not take path or dsn")
		}
	case StoreSQLite, StorePebble:
		if in.DSN.Set {
			res.errorf("store %s does not take dsn", out.Kind)
		}
		out.Path = defaultSQLitePath
		if out.Kind == StorePebble {
			out.Path = defaultPebblePath
		}
		if in.Path.Set {
			out.Path = strings.TrimSpace(resolveValue(in.Path.Text, "store.path", res))
			if out.Path == "" {
				res.errorf("store.path must not be empty")
			}
		}
	case StorePostgres:
		if in.Path.Set {
			res.errorf("store postgres does not take path")
		}
		out.DSN = strings.TrimSpace(resolveValue(in.DSN.Text, "store.dsn", res))
		if out.DSN == "" {
			res.errorf("store postgres requires dsn")
		}
	default:
		res.errorf("store kind %q is not supported (use memory, sqlite, postgres, or pebble)", out.Kind)
	}
	if in.Sync.Set {
		if out.Kind != StorePebble {
			res.errorf("store.sync is only supported by pebble")
		}
		v, ok := parseBoolValue(resolveValue(in.Sync.Text, "store.sync", res))
		if !ok {
			res.errorf("store.sync must be on or off")
		}
		out.Sync = v
	}
	out.PruneInterval = compileDuration("store.prune_interval", in.PruneInterval, defaultPruneInterval, true, res)
	return out
}

func compileAdmin(in *AdminBlock, res *ValidationResult) AdminConfig {
	out := AdminConfig{Listen: defaultAdminListen}
	if in == nil {
		return out
	}
	out.Listen = compileListen("admin.listen", in.Listen, defaultAdminListen, res)
	out.GRPCListen = compileListen("admin.grpc_listen", in.GRPCListen, "", res)
	for i, tok := range in.AuthTokens {
		field := fmt.Sprintf("admin.auth token[%d]", i)
		ref := strings.TrimSpace(resolveValue(tok.Text, field, res))
		if err := secrets.ValidateRef(ref); err != nil {
			res.errorf("%s: %v", field, err)
			continue
		}
		out.AuthTokens = append(out.AuthTokens, ref)
	}
	if len(out.AuthTokens) == 0 && out.Listen != "" && !isLoopbackListen(out.Listen) {
		res.warnf("admin.listen %q is not loopback and no auth token is configured", out.Listen)
	}
	return out
}

func compileListen(field string, v Value, def string, res *ValidationResult) string {
	if !v.Set {
		return def
	}
	raw := strings.TrimSpace(resolveValue(v.Text, field, res))
	if strings.EqualFold(raw, "off") {
		return ""
	}
	if _, _, err := splitHostPort(raw); err != nil {
		res.errorf("%s: %v", field, err)
		return def
	}
	return raw
}

func splitHostPort(raw string) (string, int, error) {
	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("must be host:port or off")
	}
	port, err := strconv.Atoi(raw[i+1:])
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", raw)
	}
	return raw[:i], port, nil
}

func isLoopbackListen(listen string) bool {
	host, _, err := splitHostPort(listen)
	if err != nil {
		return false
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1"
}

func compileObservability(in *ObservabilityBlock, res *ValidationResult) ObservabilityConfig {
	out := ObservabilityConfig{
		LogLevel:  defaultLogLevel,
		LogOutput: defaultLogOutput,
		Metrics:   true,
		Tracing:   TracingConfig{ServiceName: defaultServiceName},
	}
	if in == nil {
		return out
	}
	if in.LogLevel.Set {
		lvl := strings.ToLower(strings.TrimSpace(resolveValue(in.LogLevel.Text, "observability.log_level", res)))
		switch lvl {
		case "debug", "info", "warn", "error", "off":
			out.LogLevel = lvl
		default:
			res.errorf("observability.log_level must be debug, info, warn, error, or off")
		}
	}
	if in.LogOutput.Set {
		o := strings.ToLower(strings.TrimSpace(resolveValue(in.LogOutput.Text, "observability.log_output", res)))
		switch o {
		case "stderr", "stdout", "file":
			out.LogOutput = o
		default:
			res.errorf("observability.log_output must be stderr, stdout, or file")
		}
	}
	if in.LogPath.Set {
		out.LogPath = strings.TrimSpace(resolveValue(in.LogPath.Text, "observability.log_path", res))
	}
	switch {
	case out.LogOutput == "file" && out.LogPath == "":
		res.errorf("observability.log_path is required when log_output is file")
	case out.LogOutput != "file" && out.LogPath != "":
		res.errorf("observability.log_path requires log_output file")
	}
	if in.Metrics.Set {
		v, ok := parseBoolValue(resolveValue(in.Metrics.Text, "observability.metrics", res))
		if !ok {
			res.errorf("observability.metrics must be on or off")
		}
		out.Metrics = v
	}
	if t := in.Tracing; t != nil {
		out.Tracing.Enabled = true
		if t.Enabled.Set {
			v, ok := parseBoolValue(resolveValue(t.Enabled.Text, "observability.tracing.enabled", res))
			if !ok {
				res.errorf("observability.tracing.enabled must be on or off")
			}
			out.Tracing.Enabled = v
		}
		if t.Collector.Set {
			c := strings.TrimSpace(resolveValue(t.Collector.Text, "observability.tracing.collector", res))
			u, err := url.Parse(c)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				res.errorf("observability.tracing.collector must be an http(s) URL")
			}
			out.Tracing.Collector = c
		}
		if t.Insecure.Set {
			v, ok := parseBoolValue(resolveValue(t.Insecure.Text, "observability.tracing.insecure", res))
			if !ok {
				res.errorf("observability.tracing.insecure must be on or off")
			}
			out.Tracing.Insecure = v
		}
		if t.ServiceName.Set {
			out.Tracing.ServiceName = strings.TrimSpace(resolveValue(t.ServiceName.Text, "observability.tracing.service_name", res))
			if out.Tracing.ServiceName == "" {
				res.errorf("observability.tracing.service_name must not be empty")
			}
		}
	}
	return out
}

func compileSettings(field string, in *SettingsBlock, base Settings, res *ValidationResult) Settings {
	out := base
	if in == nil {
		return out
	}
	out.Visibility = compileDuration(field+".visibility", in.Visibility, base.Visibility, false, res)
	out.Delay = compileDuration(field+".delay", in.Delay, base.Delay, true, res)
	out.PollInterval = compileDuration(field+".poll_interval", in.PollInterval, base.PollInterval, false, res)
	out.ExpireAfter = compileDuration(field+".expire_after", in.ExpireAfter, base.ExpireAfter, true, res)
	if in.Concurrency.Set {
		if v, ok := parsePositiveIntInRange(resolveValue(in.Concurrency.Text, field+".concurrency", res), field+".concurrency", 1, maxConcurrency, res); ok {
			out.Concurrency = v
		}
	}
	if in.MaxRetries.Set {
		if v, ok := parsePositiveIntInRange(resolveValue(in.MaxRetries.Text, field+".max_retries", res), field+".max_retries", 1, maxMaxRetries, res); ok {
			out.MaxRetries = v
		}
	}
	return out
}

// compileDuration returns def when v is unset. allowOff admits "off" and 0.
func compileDuration(field string, v Value, def time.Duration, allowOff bool, res *ValidationResult) time.Duration {
	if !v.Set {
		return def
	}
	d, off, err := parseDurationValue(resolveValue(v.Text, field, res))
	if err != nil {
		res.errorf("%s %v", field, err)
		return def
	}
	if (off || d == 0) && !allowOff {
		res.errorf("%s must be a positive duration like 5s", field)
		return def
	}
	return d
}

func compileDeadQueue(field string, v Value, self string, res *ValidationResult) string {
	if !v.Set {
		return ""
	}
	name := resolveValue(v.Text, field+".dead_queue", res)
	if err := validateQueueName(name); err != nil {
		res.errorf("%s.dead_queue: %v", field, err)
		return ""
	}
	if name == self {
		res.errorf("%s.dead_queue must differ from the queue itself", field)
		return ""
	}
	return name
}

func compileDeliver(field string, in *DeliverBlock, res *ValidationResult) *DeliverConfig {
	if in == nil {
		return nil
	}
	field += ".deliver"
	out := &DeliverConfig{
		URL:     strings.TrimSpace(resolveValue(in.URL.Text, field, res)),
		Method:  defaultDeliverMethod,
		Timeout: compileDuration(field+".timeout", in.Timeout, defaultDeliverTimeout, false, res),
	}
	u, err := url.Parse(out.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		res.errorf("%s: target %q must be an absolute http(s) URL", field, out.URL)
	}
	if in.Method.Set {
		m := strings.ToUpper(strings.TrimSpace(resolveValue(in.Method.Text, field+".method", res)))
		switch m {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			out.Method = m
		default:
			res.errorf("%s.method must be POST, PUT, or PATCH", field)
		}
	}
	if len(in.Headers) > 0 {
		headers := map[string]string{}
		out.Header = http.Header{}
		for _, h := range in.Headers {
			name := resolveValue(h.Name.Text, field+".header", res)
			val := resolveValue(h.Value.Text, field+".header", res)
			headers[name] = val
			out.Header.Add(name, val)
		}
		if err := httpheader.ValidateMap(headers); err != nil {
			res.errorf("%s: %v", field, err)
		}
	}
	if in.SignSecretRef.Set {
		ref := strings.TrimSpace(resolveValue(in.SignSecretRef.Text, field+".sign hmac", res))
		if err := secrets.ValidateRef(ref); err != nil {
			res.errorf("%s.sign hmac: %v", field, err)
		}
		out.Sign = &SignConfig{SecretRef: ref}
		for _, hv := range []struct {
			v   Value
			dst *string
			dir string
		}{
			{in.SignatureHeader, &out.Sign.SignatureHeader, "signature_header"},
			{in.TimestampHeader, &out.Sign.TimestampHeader, "timestamp_header"},
		} {
			if !hv.v.Set {
				continue
			}
			*hv.dst = strings.TrimSpace(resolveValue(hv.v.Text, field+".sign "+hv.dir, res))
			if err := httpheader.ValidateName(*hv.dst); err != nil {
				res.errorf("%s.sign %s: %v", field, hv.dir, err)
			}
		}
	} else if in.SignatureHeader.Set || in.TimestampHeader.Set {
		res.errorf("%s.sign headers require sign hmac", field)
	}
	return out
}

func validateQueueName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("queue name must not be empty")
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("queue name %q has leading or trailing whitespace", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("queue name %q must not contain '/' or NUL", name)
	}
	return nil
}

func parseBoolValue(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on":
		return true, true
	case "0", "false", "off":
		return false, true
	default:
		return false, false
	}
}

// parseDurationValue accepts Go durations, a whole-day "d" suffix, and "off".
func parseDurationValue(raw string) (time.Duration, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, fmt.Errorf("must not be empty")
	}
	if strings.EqualFold(raw, "off") || raw == "0" {
		return 0, true, nil
	}

	if num, ok := strings.CutSuffix(strings.ToLower(raw), "d"); ok {
		v, err := strconv.Atoi(num)
		if err != nil || v < 0 {
			return 0, false, fmt.Errorf("must be a duration like 5m, 2h, 7d, or off")
		}
		return time.Duration(v) * 24 * time.Hour, false, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("must be a duration like 5m, 2h, 7d, or off")
	}
	if d < 0 {
		return 0, false, fmt.Errorf("must be a non-negative duration")
	}
	return d, false, nil
}

func parsePositiveIntInRange(raw string, field string, min int, max int, res *ValidationResult) (int, bool) {
	if raw == "" {
		res.Errors = append(res.Errors, field+" must not be empty")
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		res.Errors = append(res.Errors, field+" must be an integer")
		return 0, false
	}
	if v < min || v > max {
		res.Errors = append(res.Errors, fmt.Sprintf("%s must be between %d and %d", field, min, max))
		return 0, false
	}
	return v, true
}
