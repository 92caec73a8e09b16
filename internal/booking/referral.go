package booking

import "strings"

// DefaultFallbackSource is used when no configured fallback is given.
const DefaultFallbackSource = "Other"

// ReferralSources maps free-text origins onto the CRM's fixed set of lead
// source labels.
type ReferralSources struct {
	allowed  map[string]string
	fallback string
}

// NewReferralSources builds the allow-list. Matching ignores case and
// surrounding whitespace; the configured spelling is what the CRM receives.
func NewReferralSources(allowed []string, fallback string) ReferralSources {
	rs := ReferralSources{allowed: make(map[string]string, len(allowed)+1)}
	for _, label := range allowed {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		rs.allowed[normalize(label)] = label
	}

	fallback = strings.TrimSpace(fallback)
	if fallback == "" {
		fallback = DefaultFallbackSource
	}
	if canonical, ok := rs.allowed[normalize(fallback)]; ok {
		fallback = canonical
	} else {
		rs.allowed[normalize(fallback)] = fallback
	}
	rs.fallback = fallback
	return rs
}

// Resolve returns the allowed label for source and whether it matched.
// Unknown sources resolve to the fallback.
func (rs ReferralSources) Resolve(source string) (string, bool) {
	if label, ok := rs.allowed[normalize(source)]; ok {
		return label, true
	}
	if rs.fallback == "" {
		return DefaultFallbackSource, false
	}
	return rs.fallback, false
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
