package analyzer

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Type tags recorded by the census. The fixed set is part of the engine
// contract: the schema synthesizer maps exactly these tags to column types.
const (
	TagInt      = "int"
	TagFloat    = "float"
	TagString   = "str"
	TagBool     = "bool"
	TagNull     = "null"
	TagList     = "list"
	TagConflict = "conflict"
)

// TypeCensus is a multiset of type tags observed for one field position
// across a corpus. A census value is terminal: traversals never descend into
// it, and flattening skips it.
type TypeCensus map[string]int

// Add records one observation of tag.
func (c TypeCensus) Add(tag string) { c[tag]++ }

// Total returns the number of observations in the census.
func (c TypeCensus) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// MostCommon returns the tag with the highest count. Ties break on the
// lexicographically smaller tag so the result is deterministic.
func (c TypeCensus) MostCommon() (tag string, count int) {
	for t, n := range c {
		if n > count || (n == count && (tag == "" || t < tag)) {
			tag, count = t, n
		}
	}
	return tag, count
}

// Clone returns an independent copy of the census.
func (c TypeCensus) Clone() TypeCensus {
	out := make(TypeCensus, len(c))
	for t, n := range c {
		out[t] = n
	}
	return out
}

// ScalarTag returns the census tag for a decoded scalar value. Numbers
// decoded with json.Decoder.UseNumber keep the int/float distinction; values
// of unrecognized dynamic type count as strings.
func ScalarTag(v any) string {
	switch n := v.(type) {
	case nil:
		return TagNull
	case bool:
		return TagBool
	case string:
		return TagString
	case json.Number:
		if _, err := strconv.ParseInt(string(n), 10, 64); err == nil {
			return TagInt
		}
		return TagFloat
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TagInt
	case float32, float64:
		return TagFloat
	case []any:
		return TagList
	default:
		return TagString
	}
}

// Census replaces every leaf of item, in place, with a one-entry TypeCensus.
// Sequences whose elements are all mappings recurse per element so their
// shape survives for decomposition; any other sequence collapses to a single
// "list" observation. The caller hands ownership of item to the engine.
func (p *Pass) Census(item map[string]any, path Path) {
	for _, key := range sortedKeys(item) {
		v := item[key]
		switch KindOf(v) {
		case KindCensus:
			// already censused (pre-merged input)
		case KindMapping:
			p.Census(v.(map[string]any), path.Append(key))
		case KindSequence:
			seq := v.([]any)
			if allMappings(seq) {
				child := path.Append(key).DescendList()
				for _, el := range seq {
					p.Census(el.(map[string]any), child)
				}
			} else {
				if hasMapping(seq) {
					p.warnf("census: %s.%s: heterogeneous sequence counted as list", path, key)
				}
				item[key] = TypeCensus{TagList: 1}
			}
		default:
			item[key] = TypeCensus{ScalarTag(v): 1}
		}
	}
}

// MergeCensus merges src into dst and returns dst. The merge is commutative
// and associative in value:
//
//   - census + census sums counts,
//   - mapping + mapping recurses per key,
//   - sequence + sequence reduces every element into one representative
//     element (per-element counts are intentionally lost),
//   - any kind mismatch degrades to a census carrying a "conflict" tag.
//
// Both arguments are consumed: dst is mutated and may alias subtrees of src
// afterwards.
func MergeCensus(dst, src map[string]any) map[string]any {
	if dst == nil {
		return src
	}
	for key, sv := range src {
		dv, ok := dst[key]
		if !ok {
			dst[key] = sv
			continue
		}
		dst[key] = mergeValue(dv, sv)
	}
	return dst
}

func mergeValue(a, b any) any {
	ka, kb := KindOf(a), KindOf(b)
	switch {
	case ka == KindCensus && kb == KindCensus:
		out := a.(TypeCensus).Clone()
		for t, n := range b.(TypeCensus) {
			out[t] += n
		}
		return out
	case ka == KindMapping && kb == KindMapping:
		return MergeCensus(a.(map[string]any), b.(map[string]any))
	case ka == KindSequence && kb == KindSequence:
		super := map[string]any{}
		for _, seq := range [][]any{a.([]any), b.([]any)} {
			for _, el := range seq {
				if m, ok := el.(map[string]any); ok {
					super = MergeCensus(super, m)
				}
			}
		}
		return []any{any(super)}
	default:
		return conflictCensus(a, b)
	}
}

// conflictCensus absorbs a kind mismatch: census sides keep their counts,
// every non-census side contributes one "conflict" observation. Synthesis
// reports the conflict and falls back to TEXT.
func conflictCensus(values ...any) TypeCensus {
	out := TypeCensus{}
	for _, v := range values {
		if c, ok := v.(TypeCensus); ok {
			for t, n := range c {
				out[t] += n
			}
		} else {
			out[TagConflict]++
		}
	}
	return out
}

func allMappings(seq []any) bool {
	for _, el := range seq {
		if _, ok := el.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func hasMapping(seq []any) bool {
	for _, el := range seq {
		if _, ok := el.(map[string]any); ok {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
