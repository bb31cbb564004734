package mining

import (
	"context"
	"fmt"
	"testing"
)

type fakeCounter struct {
	n   uint64
	err error
}

func (f *fakeCounter) NextExtranonce(_ context.Context) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.n++
	return f.n, nil
}

func TestAllocatorIssuesUniqueFixedWidthValues(t *testing.T) {
	alloc, err := NewAllocator(&fakeCounter{}, 4, 4, testLogger())
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		extranonce1, err := alloc.Allocate(context.Background())
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if len(extranonce1) != 8 {
			t.Fatalf("extranonce1 %q is not 8 hex chars", extranonce1)
		}
		if _, dup := seen[extranonce1]; dup {
			t.Fatalf("extranonce1 %q issued twice", extranonce1)
		}
		seen[extranonce1] = struct{}{}
	}

	if got := alloc.Extranonce2Size(); got != 4 {
		t.Errorf("Extranonce2Size() = %d, want 4", got)
	}
}

func TestAllocatorWidths(t *testing.T) {
	counter := &fakeCounter{n: 0xdeadbeef}
	alloc, err := NewAllocator(counter, 2, 4, testLogger())
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	// Counter value is truncated to the configured width.
	extranonce1, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if extranonce1 != "bef0" {
		t.Errorf("extranonce1 = %q, want bef0", extranonce1)
	}

	if _, err := NewAllocator(counter, 0, 4, testLogger()); err == nil {
		t.Error("expected error for zero-width extranonce1")
	}
	if _, err := NewAllocator(counter, 4, 9, testLogger()); err == nil {
		t.Error("expected error for oversized extranonce2")
	}
}

func TestAllocatorCounterFailure(t *testing.T) {
	alloc, err := NewAllocator(&fakeCounter{err: fmt.Errorf("redis down")}, 4, 4, testLogger())
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	if _, err := alloc.Allocate(context.Background()); err == nil {
		t.Error("expected error when the counter is unreachable")
	}
}

func TestAllocatorRelease(t *testing.T) {
	alloc, err := NewAllocator(&fakeCounter{}, 4, 4, testLogger())
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	if err := alloc.Release(context.Background(), "00000001"); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if err := alloc.Release(context.Background(), "0001"); err == nil {
		t.Error("expected error for wrong-width extranonce1")
	}
}
