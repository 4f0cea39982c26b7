package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGet(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("k1", []byte("v1")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get("k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get() = %q, want %q", got, "v1")
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("missing"); err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	s.Set("k1", []byte("v1"))
	if err := s.Delete("k1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get("k1"); err != ErrNotFound {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestSetWithTTLExpires(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetWithTTL("ephemeral", []byte("v"), 2*time.Second); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}
	if ok, _ := s.Exists("ephemeral"); !ok {
		t.Fatal("expected key to exist immediately after write")
	}
	time.Sleep(2500 * time.Millisecond)
	if ok, _ := s.Exists("ephemeral"); ok {
		t.Error("expected key to have expired")
	}
}

func TestScanPrefix(t *testing.T) {
	s := newTestStore(t)
	s.Set("typing:conv1:u1", []byte("1"))
	s.Set("typing:conv1:u2", []byte("1"))
	s.Set("typing:conv2:u3", []byte("1"))

	got, err := s.ScanPrefix("typing:conv1:")
	if err != nil {
		t.Fatalf("ScanPrefix() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ScanPrefix() returned %d keys, want 2", len(got))
	}
}

func TestDeletePrefix(t *testing.T) {
	s := newTestStore(t)
	s.Set("queue:u1:d1:1", []byte("m1"))
	s.Set("queue:u1:d1:2", []byte("m2"))
	s.Set("queue:u2:d1:1", []byte("m3"))

	if err := s.DeletePrefix("queue:u1:d1:"); err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}
	got, _ := s.ScanPrefix("queue:")
	if len(got) != 1 {
		t.Errorf("expected 1 remaining key, got %d", len(got))
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)
	if err := s.HealthCheck(); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
