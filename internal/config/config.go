// Package config parses, validates and compiles the Queuefile: the block
// DSL that declares the store, the admin endpoints, observability settings,
// queues and channels of a leasequeue process.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Config is the parsed, user-authored Queuefile.
//
// Optional blocks are pointers so "not set" (use defaults) is distinguishable
// from "set but empty".
type Config struct {
	// Preamble holds leading comment lines (including the leading '#').
	Preamble []string

	Store         *StoreBlock
	Admin         *AdminBlock
	Observability *ObservabilityBlock
	Defaults      *SettingsBlock

	Queues   []QueueBlock
	Channels []ChannelBlock
}

// Value is one directive argument as written.
type Value struct {
	Text   string
	Quoted bool
	Set    bool
	Pos    position
}

type StoreBlock struct {
	Kind          Value
	Path          Value
	DSN           Value
	Sync          Value
	PruneInterval Value
}

type AdminBlock struct {
	Listen     Value
	GRPCListen Value
	AuthTokens []Value
}

type ObservabilityBlock struct {
	LogLevel  Value
	LogOutput Value
	LogPath   Value
	Metrics   Value
	Tracing   *TracingBlock
}

type TracingBlock struct {
	Enabled     Value
	Collector   Value
	Insecure    Value
	ServiceName Value
}

// SettingsBlock holds the per-queue tunables shared by defaults, queues and
// channel subscribers.
type SettingsBlock struct {
	Visibility   Value
	Delay        Value
	Concurrency  Value
	PollInterval Value
	MaxRetries   Value
	ExpireAfter  Value
}

type QueueBlock struct {
	Name      Value
	Settings  SettingsBlock
	DeadQueue Value
	Deliver   *DeliverBlock
}

type DeliverBlock struct {
	URL     Value
	Method  Value
	Timeout Value
	Headers []HeaderItem

	SignSecretRef   Value
	SignatureHeader Value
	TimestampHeader Value
}

type HeaderItem struct {
	Name  Value
	Value Value
}

type ChannelBlock struct {
	Topic       Value
	Delay       Value
	Visibility  Value
	DeadQueue   Value
	Subscribers []SubscriberBlock
}

type SubscriberBlock struct {
	Name     Value
	Settings SettingsBlock
	Deliver  *DeliverBlock
}

func Parse(input []byte) (*Config, error) {
	p := newParser(string(normalizeInput(input)))
	cfg, err := p.parse()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New("empty config")
	}
	return cfg, nil
}

// ParseFile reads and parses the Queuefile at path.
func ParseFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks whether the config can be compiled for runtime.
func Validate(cfg *Config) error {
	_, res := Compile(cfg)
	if res.OK {
		return nil
	}
	if len(res.Errors) == 0 {
		return errors.New("invalid config")
	}
	return errors.New(res.Errors[0])
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

type ValidationOptions struct {
	// SecretPreflight loads every secret ref (admin auth tokens, delivery
	// signing keys) to catch missing secrets during validation.
	SecretPreflight bool
}

func ValidateWithResult(cfg *Config) ValidationResult {
	return ValidateWithResultOptions(cfg, ValidationOptions{})
}

func ValidateWithResultOptions(cfg *Config, options ValidationOptions) ValidationResult {
	compiled, res := Compile(cfg)
	if !res.OK || !options.SecretPreflight {
		return res
	}
	res.Errors = append(res.Errors, validateSecretPreflight(compiled)...)
	res.OK = len(res.Errors) == 0
	return res
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}
