package config

import (
	"fmt"
	"os"
	"strings"
)

type placeholderKind struct {
	prefix string
	label  string
	expand func(body string) (val string, warn string, err error)
}

var placeholderKinds = []placeholderKind{
	{prefix: "{$", label: "{$...}", expand: expandEnvDefault},
	{prefix: "{env.", label: "{env.*}", expand: expandEnv},
	{prefix: "{file.", label: "{file.*}", expand: expandFile},
}

// expandEnvDefault handles {$NAME} and {$NAME:default}.
func expandEnvDefault(body string) (string, string, error) {
	name, def, hasDef := strings.Cut(body, ":")
	if name == "" {
		return "", "", fmt.Errorf("empty env var in {$...} placeholder")
	}
	if val, ok := os.LookupEnv(name); ok {
		return val, "", nil
	}
	if hasDef {
		return def, "", nil
	}
	return "", fmt.Sprintf("env var %q not set; replaced with empty string", name), nil
}

func expandEnv(name string) (string, string, error) {
	if name == "" {
		return "", "", fmt.Errorf("empty env var in {env.*} placeholder")
	}
	if val, ok := os.LookupEnv(name); ok {
		return val, "", nil
	}
	return "", fmt.Sprintf("env var %q not set; replaced with empty string", name), nil
}

func expandFile(path string) (string, string, error) {
	if path == "" {
		return "", "", fmt.Errorf("empty path in {file.*} placeholder")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("file placeholder %q: %v", path, err)
	}
	return strings.TrimRight(string(b), "\r\n"), "", nil
}

func resolvePlaceholders(in string) (string, []string, []string) {
	var errs, warns []string
	var out strings.Builder
	out.Grow(len(in))

	for i := 0; i < len(in); {
		kind, ok := placeholderAt(in[i:])
		if !ok {
			out.WriteByte(in[i])
			i++
			continue
		}
		start := i + len(kind.prefix)
		end := strings.IndexByte(in[start:], '}')
		if end < 0 {
			errs = append(errs, fmt.Sprintf("unterminated %s placeholder", kind.label))
			out.WriteString(in[i:])
			break
		}
		val, warn, err := kind.expand(in[start : start+end])
		if err != nil {
			errs = append(errs, err.Error())
		}
		if warn != "" {
			warns = append(warns, warn)
		}
		out.WriteString(val)
		i = start + end + 1
	}
	return out.String(), errs, warns
}

func placeholderAt(s string) (placeholderKind, bool) {
	for _, k := range placeholderKinds {
		if strings.HasPrefix(s, k.prefix) {
			return k, true
		}
	}
	return placeholderKind{}, false
}

func resolveValue(in, field string, res *ValidationResult) string {
	val, errs, warns := resolvePlaceholders(in)
	for _, err := range errs {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", field, err))
	}
	for _, warn := range warns {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", field, warn))
	}
	return val
}
