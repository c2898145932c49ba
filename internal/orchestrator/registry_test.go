package orchestrator

import (
	"errors"
	"testing"
)

func TestRegistryAcquireRelease(t *testing.T) {
	r := NewRegistry()
	if err := r.Acquire("web", "att-1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := r.Acquire("web", "att-2"); !errors.Is(err, ErrTargetBusy) {
		t.Fatalf("expected ErrTargetBusy, got %v", err)
	}
	if err := r.Acquire("docs", "att-3"); err != nil {
		t.Fatalf("independent target should acquire: %v", err)
	}

	if id, ok := r.Active("web"); !ok || id != "att-1" {
		t.Fatalf("unexpected holder %q ok=%v", id, ok)
	}

	// Releasing with the wrong attempt must not free the target.
	r.Release("web", "att-2")
	if _, ok := r.Active("web"); !ok {
		t.Fatalf("foreign release freed the target")
	}

	r.Release("web", "att-1")
	if _, ok := r.Active("web"); ok {
		t.Fatalf("target still held after release")
	}
	if err := r.Acquire("web", "att-4"); err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
}
