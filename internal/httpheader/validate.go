// Package httpheader validates header names and values configured for
// delivery targets so bad input fails at config time rather than per request.
package httpheader

import (
	"fmt"
	"net/http"
	"strings"
)

// tchar per RFC 9110 section 5.6.2, minus ALPHA and DIGIT.
const tokenPunct = "!#$%&'*+-.^_`|~"

// Reserved names are set by the delivery handler itself.
var reserved = map[string]bool{
	"Content-Type":       true,
	"Content-Length":     true,
	"Host":               true,
	"X-Leasequeue-Id":    true,
	"X-Leasequeue-Queue": true,
	"X-Leasequeue-Tries": true,
}

// ValidateName reports whether name is a usable, non-reserved header name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("header name must not be empty")
	}
	for _, r := range name {
		if !isTokenRune(r) {
			return fmt.Errorf("header %q has invalid field name", name)
		}
	}
	if reserved[http.CanonicalHeaderKey(name)] {
		return fmt.Errorf("header %q is set by the delivery handler", name)
	}
	return nil
}

// ValidateValue rejects control characters other than horizontal tab.
func ValidateValue(name, value string) error {
	for _, r := range value {
		if r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("header %q has invalid field value", name)
		}
	}
	return nil
}

// ValidateMap validates every pair in headers.
func ValidateMap(headers map[string]string) error {
	for name, value := range headers {
		if strings.TrimSpace(name) != name {
			return fmt.Errorf("header %q has leading or trailing whitespace", name)
		}
		if err := ValidateName(name); err != nil {
			return err
		}
		if err := ValidateValue(name, value); err != nil {
			return err
		}
	}
	return nil
}

func isTokenRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		return true
	case r < 0x80:
		return strings.ContainsRune(tokenPunct, r)
	default:
		return false
	}
}
