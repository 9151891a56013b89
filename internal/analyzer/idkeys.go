package analyzer

import (
	"regexp"
	"strings"
)

// GeneratedIDSuffix marks identifiers synthesized by a mutation hook rather
// than present in the source data. Generated identifiers outrank natural
// ones when a record carries both.
const GeneratedIDSuffix = "GeneratedId"

// NoIdentifier is the sentinel reference value for records that have no
// identifier candidate at all. Parents still record the reference; such
// child rows cannot be deduplicated on re-ingestion.
const NoIdentifier = "NO_ID"

// IDMatcher is one named rule for recognizing identifier field names.
type IDMatcher struct {
	Name  string
	Match func(key string) bool
}

// IDKeySelector picks identifier candidates from a record by running an
// ordered list of matchers. Earlier matchers contribute candidates first;
// within one matcher, keys are considered in sorted order.
type IDKeySelector struct {
	Matchers []IDMatcher
}

var (
	lowerIDPattern  = regexp.MustCompile(`.[a-z]ID$`)
	suffixIdPattern = regexp.MustCompile(`.+Id$`)
)

// DefaultIDKeySelector returns the built-in matcher chain: hook-generated
// ids, an exact (case-insensitive) "id", names ending in a lowercase letter
// followed by "ID", and any other name ending in "Id".
func DefaultIDKeySelector() IDKeySelector {
	return IDKeySelector{Matchers: []IDMatcher{
		{Name: "generated", Match: func(k string) bool {
			return len(k) > len(GeneratedIDSuffix) && strings.HasSuffix(k, GeneratedIDSuffix)
		}},
		{Name: "exact-id", Match: func(k string) bool {
			return strings.EqualFold(k, "id")
		}},
		{Name: "lower-ID", Match: lowerIDPattern.MatchString},
		{Name: "suffix-Id", Match: suffixIdPattern.MatchString},
	}}
}

// Candidates returns the identifier candidates of rec, best first. Matcher
// order decides precedence, except that hook-generated identifiers are
// always promoted to the front even under a custom matcher chain.
func (s IDKeySelector) Candidates(rec map[string]any) []string {
	var out []string
	seen := map[string]bool{}
	keys := sortedKeys(rec)
	for _, m := range s.Matchers {
		for _, k := range keys {
			if !seen[k] && m.Match(k) {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	// stable partition: generated ids first
	var front, rest []string
	for _, k := range out {
		if strings.HasSuffix(k, GeneratedIDSuffix) {
			front = append(front, k)
		} else {
			rest = append(rest, k)
		}
	}
	return append(front, rest...)
}

// Primary returns the best identifier candidate of rec, or "" when the
// record has none.
func (s IDKeySelector) Primary(rec map[string]any) string {
	if c := s.Candidates(rec); len(c) > 0 {
		return c[0]
	}
	return ""
}
