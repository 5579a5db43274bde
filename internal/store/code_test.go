package store_test

import (
	"strings"
	"testing"

	"github.com/versecast/versecast/internal/store"
)

func TestNewCode_ShapeAndAlphabet(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := store.NewCode()
		if err != nil {
			t.Fatalf("NewCode() error = %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("len(%q) = %d, want 6", code, len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune("ABCDEFGHJKMNPQRSTUVWXYZ23456789", r) {
				t.Fatalf("code %q contains ambiguous character %q", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 90 {
		t.Errorf("only %d distinct codes out of 100", len(seen))
	}
}

func TestNewID_HexAndUnique(t *testing.T) {
	t.Parallel()

	a, err := store.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	b, err := store.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if len(a) != 32 {
		t.Errorf("len(id) = %d, want 32 hex chars", len(a))
	}
	if a == b {
		t.Error("two ids collided")
	}
}
