package adminapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer accepts requests carrying "Authorization: Bearer
// <token>" for any of tokens. With no tokens every request is accepted.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) == 0 {
			continue
		}
		cp := make([]byte, len(t))
		copy(cp, t)
		allowed = append(allowed, cp)
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		h := r.Header.Get("Authorization")
		if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
			return false
		}
		got := strings.TrimSpace(h[7:])
		if got == "" {
			return false
		}
		gb := []byte(got)
		for _, want := range allowed {
			if subtle.ConstantTimeCompare(gb, want) == 1 {
				return true
			}
		}
		return false
	}
}
