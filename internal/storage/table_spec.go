// The TableSpec types live in a place both the schema synthesizer and the
// backend packages can import without circular deps.
package storage

// TableSpec describes one synthesized relation. Column types use the
// engine's portable names (INTEGER, REAL, TEXT); backends translate them to
// their own dialect.
type TableSpec struct {
	Name        string           `json:"name"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// Column returns the spec of the named column and whether it exists.
func (t TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// PrimaryKeyColumn returns the name of the primary-key column, or "".
func (t TableSpec) PrimaryKeyColumn() string {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c.Name
		}
	}
	return ""
}
