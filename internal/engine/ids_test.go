package engine

import (
	"testing"
)

func TestUUIDv7Generator_Format(t *testing.T) {
	gen := UUIDv7Generator{}

	id := gen.NewID()
	if len(id) != 36 {
		t.Errorf("NewID() length = %d, want 36 (hyphenated UUID)", len(id))
	}
	// Version nibble sits at offset 14: "xxxxxxxx-xxxx-7xxx-...".
	if id[14] != '7' {
		t.Errorf("NewID() version nibble = %c, want 7", id[14])
	}
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	gen := UUIDv7Generator{}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen.NewID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestFixedGenerator_ReturnsInOrder(t *testing.T) {
	gen := NewFixedGenerator("ev-1", "ev-2", "ev-3")

	for i, want := range []string{"ev-1", "ev-2", "ev-3"} {
		if got := gen.NewID(); got != want {
			t.Errorf("NewID() call %d = %q, want %q", i, got, want)
		}
	}
}

func TestFixedGenerator_PanicsWhenExhausted(t *testing.T) {
	gen := NewFixedGenerator("only")
	gen.NewID()

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic after exhausting ids")
		}
	}()
	gen.NewID()
}
