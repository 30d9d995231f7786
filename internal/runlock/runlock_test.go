package runlock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "sorter.lock")
	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if first.Path() != path {
		t.Fatalf("path = %s", first.Path())
	}
	if _, err := Acquire(path); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquireDisabled(t *testing.T) {
	l, err := Acquire("")
	if err != nil || l != nil {
		t.Fatalf("expected nil lock, got %v %v", l, err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}
