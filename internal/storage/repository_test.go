package storage

import (
	"context"
	"strings"
	"testing"
)

// TestNewRejectsUnknownKind covers the error paths of the factory lookup.
func TestNewRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("empty kind should error")
	}
	if _, err := New(context.Background(), Config{Kind: "nope"}); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("unknown kind error = %v", err)
	}
}

// TestRegisterPanics verifies the fail-fast registration contract.
func TestRegisterPanics(t *testing.T) {
	t.Parallel()

	expectPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		fn()
	}

	expectPanic("empty kind", func() { Register("", func(context.Context, Config) (Repository, error) { return nil, nil }) })
	expectPanic("nil factory", func() { Register("x-nil", nil) })

	Register("x-dup", func(context.Context, Config) (Repository, error) { return nil, nil })
	expectPanic("duplicate kind", func() {
		Register("x-dup", func(context.Context, Config) (Repository, error) { return nil, nil })
	})
}

// TestNormalizeKey checks canonical subject forms across input types.
func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string trimmed", "  8429529 ", "8429529"},
		{"int64", int64(8429529), "8429529"},
		{"int", 7, "7"},
		{"bytes", []byte(" x "), "x"},
		{"fallback", 1.5, "1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeKey(tc.in); got != tc.want {
				t.Fatalf("NormalizeKey(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
