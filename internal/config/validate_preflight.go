package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nuetzliches/leasequeue/internal/secrets"
)

// validateSecretPreflight loads every referenced secret once and reports
// each failing ref with all of its users.
func validateSecretPreflight(compiled Compiled) []string {
	usages := map[string][]string{}
	use := func(ref, usage string) {
		ref = strings.TrimSpace(ref)
		if ref != "" {
			usages[ref] = append(usages[ref], usage)
		}
	}

	for i, ref := range compiled.Admin.AuthTokens {
		use(ref, fmt.Sprintf("admin.auth token[%d]", i))
	}
	for _, q := range compiled.Queues {
		if q.Deliver != nil && q.Deliver.Sign != nil {
			use(q.Deliver.Sign.SecretRef, fmt.Sprintf("queue %q deliver sign hmac", q.Name))
		}
	}
	for _, ch := range compiled.Channels {
		for _, sub := range ch.Subscribers {
			if sub.Deliver != nil && sub.Deliver.Sign != nil {
				use(sub.Deliver.Sign.SecretRef, fmt.Sprintf("channel %q subscriber %q deliver sign hmac", ch.Topic, sub.Name))
			}
		}
	}

	refs := make([]string, 0, len(usages))
	for ref := range usages {
		refs = append(refs, ref)
	}
	slices.Sort(refs)

	var errs []string
	for _, ref := range refs {
		if _, err := secrets.LoadRef(ref); err != nil {
			contexts := slices.Compact(slices.Sorted(slices.Values(usages[ref])))
			errs = append(errs, fmt.Sprintf("secret preflight %q used by %s: %v", ref, strings.Join(contexts, ", "), err))
		}
	}
	return errs
}
