package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExtendBlockCreatesAndExtends(t *testing.T) {
	s := newTestStore(t)

	if until, err := s.BlockedUntil("asset|BTC"); err != nil || until != 0 {
		t.Fatalf("fresh scope = (%d, %v), want (0, nil)", until, err)
	}

	if err := s.ExtendBlock("asset|BTC", 1000); err != nil {
		t.Fatalf("first extend: %v", err)
	}
	if until, _ := s.BlockedUntil("asset|BTC"); until != 1000 {
		t.Fatalf("deadline = %d, want 1000", until)
	}

	if err := s.ExtendBlock("asset|BTC", 5000); err != nil {
		t.Fatalf("forward extend: %v", err)
	}
	if until, _ := s.BlockedUntil("asset|BTC"); until != 5000 {
		t.Fatalf("deadline = %d, want 5000", until)
	}
}

func TestExtendBlockNeverRegresses(t *testing.T) {
	s := newTestStore(t)

	if err := s.ExtendBlock("tier|b4|1", 9000); err != nil {
		t.Fatal(err)
	}
	// A late writer with a shorter deadline must lose
	if err := s.ExtendBlock("tier|b4|1", 3000); err != nil {
		t.Fatal(err)
	}
	if until, _ := s.BlockedUntil("tier|b4|1"); until != 9000 {
		t.Fatalf("deadline = %d, want 9000 after shorter extend", until)
	}
}

func TestExtendBlockScopesAreIndependent(t *testing.T) {
	s := newTestStore(t)

	if err := s.ExtendBlock("asset|BTC", 7000); err != nil {
		t.Fatal(err)
	}
	if err := s.ExtendBlock("asset|ETH", 2000); err != nil {
		t.Fatal(err)
	}
	if until, _ := s.BlockedUntil("asset|BTC"); until != 7000 {
		t.Fatalf("BTC deadline = %d, want 7000", until)
	}
	if until, _ := s.BlockedUntil("asset|ETH"); until != 2000 {
		t.Fatalf("ETH deadline = %d, want 2000", until)
	}
}
