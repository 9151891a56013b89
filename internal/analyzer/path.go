package analyzer

import "strings"

// Path addresses a position inside a nested document.
//
// Segments are either field names or the list-descent marker. The canonical
// string form joins segments with "." and is the key the whole engine uses to
// assign data to relations: two documents that place data at equal paths must
// always land in the same relation.
const (
	// RootSegment is the distinguished first segment of every path.
	RootSegment = "$"

	// ListMarker is the reserved segment recording a descent into a list
	// element. It never appears as a field name.
	ListMarker = "[]"

	// PathSeparator joins segments in the canonical string form.
	PathSeparator = "."
)

// Path is an ordered sequence of segments. The zero value is not valid; use
// Root as the starting point.
type Path []string

// Root returns the root path.
func Root() Path { return Path{RootSegment} }

// Append returns a new path with seg appended. The receiver is not modified,
// so sibling descents never alias each other's backing array.
func (p Path) Append(seg string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// DescendList returns a new path with the list-descent marker appended.
func (p Path) DescendList() Path { return p.Append(ListMarker) }

// String returns the canonical dotted form, e.g. "$.Individual.[].Phones".
func (p Path) String() string { return strings.Join(p, PathSeparator) }

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool { return len(p) == 1 && p[0] == RootSegment }

// RelationName resolves the relation a path maps to: the root path maps to
// defaultName, any other path maps to its last non-marker segment.
func (p Path) RelationName(defaultName string) string {
	if p.IsRoot() {
		return defaultName
	}
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] != ListMarker && p[i] != RootSegment {
			return p[i]
		}
	}
	return defaultName
}

// RelationNameForPath resolves a relation name from a canonical path string.
// It is the string-form counterpart of Path.RelationName, used where only the
// dotted form is carried (e.g. decomposition result keys).
func RelationNameForPath(path, defaultName string) string {
	if path == RootSegment {
		return defaultName
	}
	segs := strings.Split(path, PathSeparator)
	return Path(segs).RelationName(defaultName)
}
