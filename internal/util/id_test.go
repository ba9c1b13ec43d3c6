package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	id := NewID("")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected a uuid, got %q: %v", id, err)
	}

	prefixed := NewID("usr")
	if !strings.HasPrefix(prefixed, "usr_") {
		t.Fatalf("expected usr_ prefix, got %q", prefixed)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(prefixed, "usr_")); err != nil {
		t.Fatalf("expected uuid after prefix: %v", err)
	}
	if NewID("usr") == prefixed {
		t.Fatal("expected distinct ids")
	}
}
