// Package secrets resolves secret references used by the Queuefile, such as
// the HMAC key of a signed delivery target.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
)

var ErrSecretRef = errors.New("invalid secret reference")

type loader func(arg string) ([]byte, error)

var schemes = map[string]loader{
	"env":  loadEnv,
	"file": loadFile,
	"raw":  loadRaw,
}

func split(ref string) (string, string, error) {
	// Trailing whitespace is part of a raw: value.
	ref = strings.TrimLeftFunc(ref, unicode.IsSpace)
	if strings.TrimSpace(ref) == "" {
		return "", "", fmt.Errorf("%w: empty", ErrSecretRef)
	}
	scheme, arg, ok := strings.Cut(ref, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing scheme (use env:, file:, or raw:)", ErrSecretRef)
	}
	if _, known := schemes[scheme]; !known {
		return "", "", fmt.Errorf("%w: unsupported scheme %q (use env:, file:, or raw:)", ErrSecretRef, scheme)
	}
	if scheme != "raw" {
		arg = strings.TrimSpace(arg)
	}
	if arg == "" {
		return "", "", fmt.Errorf("%w: %s reference has no value", ErrSecretRef, scheme)
	}
	return scheme, arg, nil
}

// ValidateRef checks the shape of a reference without resolving it.
//
// Supported forms:
// - env:NAME
// - file:/path/to/secret
// - raw:literal-value
func ValidateRef(ref string) error {
	_, _, err := split(ref)
	return err
}

// LoadRef resolves a reference to its secret bytes. Empty secrets are errors.
func LoadRef(ref string) ([]byte, error) {
	scheme, arg, err := split(ref)
	if err != nil {
		return nil, err
	}
	return schemes[scheme](arg)
}

func loadEnv(name string) ([]byte, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, name)
	}
	return []byte(val), nil
}

func loadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	val := strings.TrimSpace(string(b))
	if val == "" {
		return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, path)
	}
	return []byte(val), nil
}

func loadRaw(val string) ([]byte, error) {
	return []byte(val), nil
}
