package analyzer

// Result collects the records produced by decomposing one or more documents.
// Records are grouped by the canonical path they were found at; Paths holds
// the first-seen order of those groups.
type Result struct {
	Items map[string][]map[string]any
	Paths []string
}

// NewResult returns an empty decomposition result.
func NewResult() *Result {
	return &Result{Items: map[string][]map[string]any{}}
}

func (r *Result) add(path string, rec map[string]any) {
	if _, ok := r.Items[path]; !ok {
		r.Paths = append(r.Paths, path)
	}
	r.Items[path] = append(r.Items[path], rec)
}

// Flatten collapses nested mappings of item into a single level, joining key
// segments with sep. Census leaves, sequences and scalars stay as values.
// A fresh map is returned; item is not modified.
func Flatten(item map[string]any, prefix, sep string) map[string]any {
	out := map[string]any{}
	flattenInto(out, item, prefix, sep)
	return out
}

func flattenInto(out, item map[string]any, prefix, sep string) {
	for _, key := range sortedKeys(item) {
		name := key
		if prefix != "" {
			name = prefix + sep + key
		}
		if m, ok := item[key].(map[string]any); ok {
			flattenInto(out, m, name, sep)
			continue
		}
		out[name] = item[key]
	}
}

// Decompose splits item into flat relation records rooted at path, appending
// them to out, and returns the identifier reference for item (its best
// identifier value, or NoIdentifier).
//
// Nested mappings flatten inline with "_"-joined keys; every remaining
// sequence field is then popped into a child relation:
//
//   - a sequence of mappings decomposes each element under path.key.[] and
//     leaves a sequence of child references in its place; an empty sequence
//     leaves nothing (the field disappears from the record),
//   - a sequence mixing mappings with other values is unsupported: warn and
//     leave it untouched (it types as "list" downstream).
//
// Traversal is sorted by field name, so equal inputs produce equal path sets
// and equal relative record order.
func (p *Pass) Decompose(item map[string]any, path Path, out *Result) any {
	flat := Flatten(item, "", "_")
	for _, key := range sortedKeys(flat) {
		switch v := flat[key].(type) {
		case []any:
			if !allMappings(v) {
				if hasMapping(v) {
					p.warnf("decompose: %s.%s: heterogeneous sequence left in place", path, key)
				}
				continue
			}
			child := path.Append(key).DescendList()
			refs := make([]any, 0, len(v))
			for _, el := range v {
				refs = append(refs, p.Decompose(el.(map[string]any), child, out))
			}
			if len(refs) == 0 {
				delete(flat, key)
			} else {
				flat[key] = refs
			}
		}
	}
	out.add(path.String(), flat)
	idKey := p.idKeys.Primary(flat)
	if idKey == "" {
		return NoIdentifier
	}
	if v, ok := flat[idKey]; ok {
		return v
	}
	return NoIdentifier
}
