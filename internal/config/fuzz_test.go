package config

import "testing"

func FuzzParseCompile(f *testing.F) {
	f.Add([]byte(`queue jobs { visibility 30s }`))
	f.Add([]byte(`
store sqlite { path ./data/q.db }
admin { listen 127.0.0.1:2019 auth token "raw:t" }
queue emails {
  dead_queue emails_dead
  deliver https://worker.internal/emails { timeout 5s sign hmac raw:k }
}
`))
	f.Add([]byte(`channel orders { subscriber billing { concurrency 2 } subscriber "ship ping" }`))
	f.Add([]byte(`observability { tracing { collector {$OTEL:http://localhost:4318} } }`))

	f.Fuzz(func(t *testing.T, input []byte) {
		cfg, err := Parse(input)
		if err != nil {
			return
		}
		compiled, res := Compile(cfg)
		if !res.OK {
			return
		}
		for _, q := range compiled.Queues {
			if q.Name == "" {
				t.Fatalf("compiled queue with empty name from %q", input)
			}
		}
	})
}
