package idgen

import (
	"strings"
	"testing"
)

func TestNanoIDLength(t *testing.T) {
	for _, n := range []int{1, 8, 21, 64} {
		gen := NanoID(n)
		id := gen()
		if len(id) != n {
			t.Errorf("NanoID(%d) produced %d chars: %q", n, len(id), id)
		}
	}
}

func TestUUIDv7Parses(t *testing.T) {
	id := New()
	if _, err := Parse(id); err != nil {
		t.Fatalf("default generator produced unparsable ID %q: %v", id, err)
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("wrk_", NanoID(8))
	id := gen()
	if !strings.HasPrefix(id, "wrk_") {
		t.Errorf("expected wrk_ prefix, got %q", id)
	}
	if len(id) != 12 {
		t.Errorf("expected 12 chars, got %d", len(id))
	}
}

func TestTimestamped(t *testing.T) {
	gen := Timestamped(NanoID(4))
	id := gen()
	parts := strings.SplitN(id, "_", 2)
	if len(parts) != 2 || len(parts[1]) != 4 {
		t.Errorf("unexpected timestamped format: %q", id)
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
	}
}
