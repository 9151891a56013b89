package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns a 32-bit content fingerprint of rec, independent of
// field order. Hooks use it to mint stable generated identifiers for records
// that carry none of their own: equal content yields an equal id across
// snapshots, so re-ingestion overwrites instead of duplicating.
//
// Values are canonicalized field by field (sorted by name) with an
// unambiguous separator; nested values canonicalize through JSON, which
// sorts mapping keys.
func Fingerprint(rec map[string]any) int64 {
	d := xxhash.New()
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.WriteString(k)
		d.Write([]byte{'='})
		d.WriteString(canonicalValue(rec[k]))
		d.Write([]byte{0x1f})
	}
	return int64(uint32(d.Sum64()))
}

func canonicalValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00"
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
