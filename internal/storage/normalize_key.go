package storage

import (
	"fmt"
	"strings"
)

// NormalizeKey converts a subject value to a canonical string form, suitable
// for in-memory state keys (e.g. "8429529" whether it arrived as int64,
// json.Number or TEXT).
//
// Backends must not assume a particular underlying type for subjects; this
// helper keeps history-state lookups consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
