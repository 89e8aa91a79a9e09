package detect

import (
	"errors"
	"testing"

	"github.com/cwbudde/siftgpu/internal/sift"
)

func TestStagingRingCycle(t *testing.T) {
	r := newStagingRing(3)

	// Fill the pipeline.
	for i := 0; i < 3; i++ {
		slot, err := r.acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if slot != i {
			t.Fatalf("acquire %d returned slot %d", i, slot)
		}
	}
	if !r.full() {
		t.Fatal("ring should be full after depth acquires")
	}

	// Oldest pending frame is slot 0.
	slot, ok := r.consumable()
	if !ok || slot != 0 {
		t.Fatalf("consumable = (%d,%v), want (0,true)", slot, ok)
	}
	if err := r.release(slot); err != nil {
		t.Fatalf("release: %v", err)
	}
	if r.full() {
		t.Fatal("ring still full after release")
	}

	// Frame 3 reuses slot 0.
	slot, err := r.acquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if slot != 0 {
		t.Fatalf("acquire returned slot %d, want 0", slot)
	}
}

func TestStagingRingReuseBeforeAwait(t *testing.T) {
	r := newStagingRing(3)
	for i := 0; i < 3; i++ {
		if _, err := r.acquire(); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	// Fourth acquire would overwrite slot 0 before it was drained.
	if _, err := r.acquire(); !errors.Is(err, sift.ErrBadConfig) {
		t.Fatalf("overfull acquire error = %v, want ErrBadConfig", err)
	}
}

func TestStagingRingReleaseValidation(t *testing.T) {
	r := newStagingRing(3)
	if err := r.release(0); !errors.Is(err, sift.ErrBadConfig) {
		t.Errorf("idle release error = %v, want ErrBadConfig", err)
	}
	if err := r.release(7); !errors.Is(err, sift.ErrBadConfig) {
		t.Errorf("out-of-range release error = %v, want ErrBadConfig", err)
	}

	if _, ok := r.consumable(); ok {
		t.Error("empty ring reported a consumable slot")
	}
}
