package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenprima/echofabric/internal/cache"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := cache.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, time.Hour, zerolog.Nop())
}

func TestEnqueueDrainPreservesOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := svc.Enqueue(ctx, "alice", "dev1", id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	drained, err := svc.Drain(ctx, "alice", "dev1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := []string{"m1", "m2", "m3"}
	if len(drained) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(drained))
	}
	for i, id := range want {
		if drained[i] != id {
			t.Fatalf("expected order %v, got %v", want, drained)
		}
	}
}

func TestAckRemovesOnlyAcked(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		svc.Enqueue(ctx, "alice", "dev1", id)
	}
	if err := svc.Ack(ctx, "alice", "dev1", []string{"m2"}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	drained, err := svc.Drain(ctx, "alice", "dev1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(drained))
	}
	for _, id := range drained {
		if id == "m2" {
			t.Fatal("expected m2 to be removed after ack")
		}
	}
}

func TestQueuesAreIsolatedPerDevice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Enqueue(ctx, "alice", "dev1", "m1")
	svc.Enqueue(ctx, "alice", "dev2", "m2")

	d1, _ := svc.Drain(ctx, "alice", "dev1")
	d2, _ := svc.Drain(ctx, "alice", "dev2")
	if len(d1) != 1 || d1[0] != "m1" {
		t.Fatalf("dev1 queue contaminated: %v", d1)
	}
	if len(d2) != 1 || d2[0] != "m2" {
		t.Fatalf("dev2 queue contaminated: %v", d2)
	}
}

func TestDepthReflectsEnqueueAndAck(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Enqueue(ctx, "alice", "dev1", "m1")
	svc.Enqueue(ctx, "alice", "dev1", "m2")
	if depth, _ := svc.Depth(ctx, "alice", "dev1"); depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}
	svc.Ack(ctx, "alice", "dev1", []string{"m1", "m2"})
	if depth, _ := svc.Depth(ctx, "alice", "dev1"); depth != 0 {
		t.Fatalf("expected depth 0 after acking all, got %d", depth)
	}
}
