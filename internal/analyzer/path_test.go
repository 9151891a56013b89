package analyzer

import "testing"

// TestPathString checks the canonical dotted form and list-descent marker.
func TestPathString(t *testing.T) {
	t.Parallel()

	p := Root().Append("Individual").DescendList().Append("Phones")
	if got, want := p.String(), "$.Individual.[].Phones"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if !Root().IsRoot() {
		t.Fatal("Root().IsRoot() = false")
	}
	if p.IsRoot() {
		t.Fatal("nested path reported as root")
	}
}

// TestPathAppendNoAliasing verifies sibling descents do not share backing
// arrays.
func TestPathAppendNoAliasing(t *testing.T) {
	t.Parallel()

	base := Root().Append("Property")
	a := base.Append("Photo")
	b := base.Append("Parking")
	if a.String() != "$.Property.Photo" || b.String() != "$.Property.Parking" {
		t.Fatalf("sibling paths clobbered each other: %q, %q", a, b)
	}
}

// TestRelationName covers the relation-name rule: root maps to the default,
// everything else maps to the last non-marker segment.
func TestRelationName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		path Path
		want string
	}{
		{"root", Root(), "Listings"},
		{"simple child", Root().Append("Tags").DescendList(), "Tags"},
		{"nested list", Root().Append("Individual").DescendList().Append("Organization").DescendList(), "Organization"},
		{"marker tail", Root().Append("Media").DescendList(), "Media"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.path.RelationName("Listings"); got != tc.want {
				t.Fatalf("RelationName(%q) = %q, want %q", tc.path, got, tc.want)
			}
			if got := RelationNameForPath(tc.path.String(), "Listings"); got != tc.want {
				t.Fatalf("RelationNameForPath(%q) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}
