package id

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	got := Generate()
	if !strings.HasPrefix(got, "task-") {
		t.Errorf("Generate() = %q, want task- prefix", got)
	}

	parts := strings.Split(got, "-")
	if len(parts) != 3 {
		t.Fatalf("Generate() = %q, want 3 dash-separated parts", got)
	}
	if len(parts[2]) != 8 {
		t.Errorf("random suffix = %q, want 8 hex chars", parts[2])
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		got := Generate()
		if seen[got] {
			t.Fatalf("Generate() produced duplicate %q", got)
		}
		seen[got] = true
	}
}
