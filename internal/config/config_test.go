package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullQueuefile = `# leasequeue demo
# second header line
store sqlite { path ./data/leasequeue.db }
admin {
  listen 127.0.0.1:2019
  grpc_listen 127.0.0.1:2020
  auth token env:LEASEQUEUE_ADMIN_TOKEN
}
observability {
  log_level debug
  metrics off
  tracing { enabled on  collector https://otel:4318  insecure off }
}
defaults { visibility 45s  delay 0s  concurrency 2  poll_interval 50ms  max_retries 3  expire_after 7d }
queue emails {
  visibility 1m
  concurrency 10
  dead_queue emails_dead
  deliver https://worker.internal/emails {
    timeout 5s
    header X-Team billing
    sign hmac raw:secret
    sign signature_header X-Sig
  }
}
queue emails_dead
channel orders {
  delay 2s
  subscriber billing { concurrency 4  deliver https://billing.internal/orders }
  subscriber shipping
}
`

func mustParse(t *testing.T, src string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cfg
}

func mustCompile(t *testing.T, src string) (Compiled, ValidationResult) {
	t.Helper()
	compiled, res := Compile(mustParse(t, src))
	if !res.OK {
		t.Fatalf("compile errors: %v", res.Errors)
	}
	return compiled, res
}

func TestParse_Full(t *testing.T) {
	cfg := mustParse(t, fullQueuefile)
	if len(cfg.Preamble) != 2 || cfg.Preamble[0] != "# leasequeue demo" {
		t.Fatalf("preamble=%q", cfg.Preamble)
	}
	if cfg.Store == nil || cfg.Store.Kind.Text != "sqlite" || cfg.Store.Path.Text != "./data/leasequeue.db" {
		t.Fatalf("store=%+v", cfg.Store)
	}
	if len(cfg.Queues) != 2 || cfg.Queues[0].Name.Text != "emails" || cfg.Queues[0].Deliver == nil {
		t.Fatalf("queues=%+v", cfg.Queues)
	}
	if cfg.Queues[1].Deliver != nil || cfg.Queues[1].Settings.Visibility.Set {
		t.Fatalf("bare queue=%+v, want no body", cfg.Queues[1])
	}
	if len(cfg.Channels) != 1 || len(cfg.Channels[0].Subscribers) != 2 {
		t.Fatalf("channels=%+v", cfg.Channels)
	}
}

func TestCompile_Full(t *testing.T) {
	compiled, _ := mustCompile(t, fullQueuefile)

	if compiled.Store.Kind != StoreSQLite || compiled.Store.Path != "./data/leasequeue.db" || compiled.Store.PruneInterval != time.Minute {
		t.Fatalf("store=%+v", compiled.Store)
	}
	if compiled.Admin.GRPCListen != "127.0.0.1:2020" || len(compiled.Admin.AuthTokens) != 1 {
		t.Fatalf("admin=%+v", compiled.Admin)
	}
	obs := compiled.Observability
	if obs.LogLevel != "debug" || obs.Metrics || !obs.Tracing.Enabled || obs.Tracing.Collector != "https://otel:4318" || obs.Tracing.ServiceName != "leasequeue" {
		t.Fatalf("observability=%+v", obs)
	}

	emails := compiled.Queues[0]
	want := Settings{Visibility: time.Minute, Concurrency: 10, PollInterval: 50 * time.Millisecond, MaxRetries: 3, ExpireAfter: 7 * 24 * time.Hour}
	if emails.Settings != want {
		t.Fatalf("emails settings=%+v, want %+v", emails.Settings, want)
	}
	if emails.DeadQueue != "emails_dead" {
		t.Fatalf("dead_queue=%q", emails.DeadQueue)
	}
	d := emails.Deliver
	if d == nil || d.URL != "https://worker.internal/emails" || d.Timeout != 5*time.Second || d.Method != "POST" {
		t.Fatalf("deliver=%+v", d)
	}
	if d.Header.Get("X-Team") != "billing" {
		t.Fatalf("header=%v", d.Header)
	}
	if d.Sign == nil || d.Sign.SecretRef != "raw:secret" || d.Sign.SignatureHeader != "X-Sig" || d.Sign.TimestampHeader != "" {
		t.Fatalf("sign=%+v", d.Sign)
	}

	ch := compiled.Channels[0]
	if ch.Topic != "orders" || ch.Delay != 2*time.Second || ch.Visibility != 45*time.Second {
		t.Fatalf("channel=%+v", ch)
	}
	billing := ch.Subscribers[0]
	if billing.Queue != "orders_billing" || billing.Settings.Concurrency != 4 || billing.Settings.Delay != 2*time.Second || billing.Deliver == nil {
		t.Fatalf("billing=%+v", billing)
	}
	if shipping := ch.Subscribers[1]; shipping.Settings.Concurrency != 2 || shipping.Deliver != nil {
		t.Fatalf("shipping=%+v, want defaults and no deliver", shipping)
	}
}

func TestCompile_Defaults(t *testing.T) {
	compiled, res := mustCompile(t, `queue jobs`)
	if compiled.Store.Kind != StoreMemory {
		t.Fatalf("store kind=%q, want memory", compiled.Store.Kind)
	}
	if compiled.Admin.Listen != defaultAdminListen || compiled.Admin.GRPCListen != "" {
		t.Fatalf("admin=%+v", compiled.Admin)
	}
	if compiled.Queues[0].Settings != DefaultSettings() {
		t.Fatalf("settings=%+v, want %+v", compiled.Queues[0].Settings, DefaultSettings())
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("warnings=%v, want memory store and missing deliver", res.Warnings)
	}
}

func TestCompile_StoreDefaultsPerKind(t *testing.T) {
	cases := []struct {
		src  string
		path string
	}{
		{`store sqlite`, defaultSQLitePath},
		{`store pebble { sync on }`, defaultPebblePath},
	}
	for _, tc := range cases {
		compiled, _ := mustCompile(t, tc.src)
		if compiled.Store.Path != tc.path {
			t.Fatalf("%s: path=%q, want %q", tc.src, compiled.Store.Path, tc.path)
		}
	}
	compiled, _ := mustCompile(t, `store pebble { sync on prune_interval off }`)
	if !compiled.Store.Sync || compiled.Store.PruneInterval != 0 {
		t.Fatalf("store=%+v, want sync and no pruning", compiled.Store)
	}
}

func TestCompile_Placeholders(t *testing.T) {
	t.Setenv("LQ_TEST_DSN", "postgres://u@db/q")
	dir := t.TempDir()
	path := filepath.Join(dir, "url")
	if err := os.WriteFile(path, []byte("https://hooks.internal/x\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := `
store postgres { dsn {env.LQ_TEST_DSN} }
admin { listen {$LQ_TEST_UNSET_LISTEN:127.0.0.1:9999} }
queue jobs { deliver {file.` + path + `} }
`
	compiled, _ := mustCompile(t, src)
	if compiled.Store.DSN != "postgres://u@db/q" {
		t.Fatalf("dsn=%q", compiled.Store.DSN)
	}
	if compiled.Admin.Listen != "127.0.0.1:9999" {
		t.Fatalf("listen=%q", compiled.Admin.Listen)
	}
	if compiled.Queues[0].Deliver.URL != "https://hooks.internal/x" {
		t.Fatalf("deliver url=%q", compiled.Queues[0].Deliver.URL)
	}
}

func TestCompile_Errors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"unknown store", `store redis`, "not supported"},
		{"postgres without dsn", `store postgres`, "requires dsn"},
		{"sync on sqlite", `store sqlite { sync on }`, "only supported by pebble"},
		{"bad listen", `admin { listen nope }`, "admin.listen"},
		{"bad auth ref", `admin { auth token vault:x }`, "admin.auth token[0]"},
		{"bad level", `observability { log_level loud }`, "log_level"},
		{"file without path", `observability { log_output file }`, "log_path is required"},
		{"path without file", `observability { log_path /tmp/x.log }`, "requires log_output file"},
		{"bad collector", `observability { tracing { collector otel:4318 } }`, "collector"},
		{"zero visibility", `defaults { visibility 0 }`, "defaults.visibility must be a positive duration"},
		{"bad concurrency", `queue jobs { concurrency 0 }`, "concurrency must be between"},
		{"bad retries", `queue jobs { max_retries x }`, "max_retries must be an integer"},
		{"duplicate queue", "queue jobs\nqueue jobs", "already used"},
		{"self dead queue", `queue jobs { dead_queue jobs }`, "must differ"},
		{"slash name", `queue "a/b"`, "must not contain"},
		{"relative url", `queue jobs { deliver /hooks }`, "absolute http(s) URL"},
		{"bad method", `queue jobs { deliver http://x { method GET } }`, "method must be"},
		{"bad header", `queue jobs { deliver http://x { header "Bad Name" v } }`, "invalid field name"},
		{"reserved header", `queue jobs { deliver http://x { header Content-Type text/plain } }`, "set by the delivery handler"},
		{"bad sign ref", `queue jobs { deliver http://x { sign hmac plain } }`, "sign hmac"},
		{"sign header alone", `queue jobs { deliver http://x { sign timestamp_header X-T } }`, "require sign hmac"},
		{"subscriber collides", "queue orders_billing\nchannel orders { subscriber billing }", "already used"},
		{"duplicate subscriber", `channel orders { subscriber a subscriber a }`, "duplicate subscriber"},
		{"duplicate channel", "channel orders { subscriber a }\nchannel orders { subscriber b }", "duplicate channel"},
		{"unset placeholder file", `queue jobs { deliver {file./nonexistent/leasequeue} }`, "file placeholder"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, res := Compile(mustParse(t, tc.src))
			if res.OK {
				t.Fatalf("expected errors")
			}
			if !strings.Contains(strings.Join(res.Errors, "\n"), tc.want) {
				t.Fatalf("errors=%v, want one containing %q", res.Errors, tc.want)
			}
		})
	}
}

func TestCompile_DeadQueueOnChannelPrefixWarns(t *testing.T) {
	_, res := mustCompile(t, `channel orders { dead_queue orders_dead subscriber billing }`)
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "matches the channel prefix") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings=%v, want channel prefix warning", res.Warnings)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"empty", "# only a comment\n", "empty config"},
		{"unknown block", `ingress { listen :80 }`, "unknown top-level block"},
		{"missing brace", `admin { listen :1`, "missing '}'"},
		{"duplicate store", "store memory\nstore sqlite", "duplicate store block"},
		{"duplicate directive", `queue jobs { visibility 1s visibility 2s }`, "duplicate queue \"jobs\" visibility"},
		{"unknown directive", `queue jobs { colour blue }`, "unknown queue \"jobs\" directive"},
		{"auth without token", `admin { auth bearer x }`, "expected 'token'"},
		{"unterminated string", "queue \"jobs", "unterminated string"},
		{"stray brace", `}`, "unexpected token"},
		{"unknown sign type", `queue q { deliver http://x { sign rsa k } }`, "unknown deliver sign type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want contains %q", err, tc.want)
			}
		})
	}
}

func TestParse_CRLFAndBOM(t *testing.T) {
	src := "\xEF\xBB\xBFqueue jobs {\r\n  visibility 5s\r\n}\r\n"
	compiled, _ := mustCompile(t, src)
	if compiled.Queues[0].Settings.Visibility != 5*time.Second {
		t.Fatalf("visibility=%s, want 5s", compiled.Queues[0].Settings.Visibility)
	}
}

func TestLexer_QuotedEscapesAndPlaceholders(t *testing.T) {
	l := newLexer(`"a\"b\n" {$X:y} {env.Y} { }`)
	want := []struct {
		kind tokenKind
		text string
	}{
		{tokString, "a\"b\n"},
		{tokIdent, "{$X:y}"},
		{tokIdent, "{env.Y}"},
		{tokLBrace, "{"},
		{tokRBrace, "}"},
		{tokEOF, ""},
	}
	for i, w := range want {
		tok, err := l.nextToken()
		if err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
		if tok.kind != w.kind || tok.text != w.text {
			t.Fatalf("token %d=%v %q, want %v %q", i, tok.kind, tok.text, w.kind, w.text)
		}
	}
}

func TestResolvePlaceholders(t *testing.T) {
	t.Setenv("LQ_SET", "v")
	got, errs, warns := resolvePlaceholders("a-{$LQ_SET}-{env.LQ_NOT_SET_X}-{$LQ_NOT_SET_Y:d}")
	if got != "a-v--d" {
		t.Fatalf("got=%q, want a-v--d", got)
	}
	if len(errs) != 0 || len(warns) != 1 {
		t.Fatalf("errs=%v warns=%v, want one warning", errs, warns)
	}
	if _, errs, _ := resolvePlaceholders("x{env.OPEN"); len(errs) != 1 {
		t.Fatalf("errs=%v, want unterminated error", errs)
	}
}

func TestValidateWithResultOptions_SecretPreflight(t *testing.T) {
	t.Setenv("LQ_PREFLIGHT_MISSING", "")
	cfg := mustParse(t, `
admin { auth token env:LQ_PREFLIGHT_MISSING }
queue jobs { deliver https://x.internal { sign hmac env:LQ_PREFLIGHT_MISSING } }
`)
	if res := ValidateWithResult(cfg); !res.OK {
		t.Fatalf("plain validation errors=%v", res.Errors)
	}
	res := ValidateWithResultOptions(cfg, ValidationOptions{SecretPreflight: true})
	if res.OK || len(res.Errors) != 1 {
		t.Fatalf("res=%+v, want one preflight error", res)
	}
	if !strings.Contains(res.Errors[0], "admin.auth token[0]") || !strings.Contains(res.Errors[0], `queue "jobs" deliver sign hmac`) {
		t.Fatalf("error=%q, want both usages", res.Errors[0])
	}
}

func TestFormatValidation(t *testing.T) {
	if got := FormatValidationText(ValidationResult{OK: true}); got != "config ok" {
		t.Fatalf("got=%q", got)
	}
	if got := FormatValidationText(ValidationResult{OK: true, Warnings: []string{"w"}}); got != "config ok (warnings: 1)" {
		t.Fatalf("got=%q", got)
	}
	if got := FormatValidationText(ValidationResult{Errors: []string{"e1", "e2"}}); got != "config invalid: e1" {
		t.Fatalf("got=%q", got)
	}
	js, err := FormatValidationJSON(ValidationResult{OK: false, Errors: []string{"bad"}})
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(js, `"ok": false`) || !strings.Contains(js, `"bad"`) {
		t.Fatalf("json=%s", js)
	}
}
