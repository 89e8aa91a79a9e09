package detect

import (
	"fmt"

	"github.com/cwbudde/siftgpu/internal/sift"
)

// slotState tracks one staging buffer through its frame lifecycle.
type slotState int

const (
	slotIdle    slotState = iota // free for the next copy
	slotPending                  // copy submitted, map requested, not yet consumed
)

// stagingRing is the bookkeeping for pipelined readback: a bounded cycle of
// N staging slots where frame f writes slot f mod N and the host consumes a
// slot exactly once before it is reused. Re-using a slot that was never
// awaited is a programming error on the driver and reported as ErrBadConfig.
type stagingRing struct {
	depth  int
	frame  uint64
	states []slotState
}

func newStagingRing(depth int) *stagingRing {
	return &stagingRing{depth: depth, states: make([]slotState, depth)}
}

// acquire claims the slot for the current frame. The slot must have been
// drained by a prior await.
func (r *stagingRing) acquire() (int, error) {
	slot := int(r.frame % uint64(r.depth))
	if r.states[slot] != slotIdle {
		return 0, fmt.Errorf("%w: staging slot %d re-used before it was awaited", sift.ErrBadConfig, slot)
	}
	r.states[slot] = slotPending
	r.frame++
	return slot, nil
}

// consumable returns the slot holding the oldest pending frame and whether
// one exists. With a full pipeline this is the frame submitted depth-1
// frames ago.
func (r *stagingRing) consumable() (int, bool) {
	pending := r.pendingCount()
	if pending == 0 {
		return 0, false
	}
	oldest := r.frame - uint64(pending)
	return int(oldest % uint64(r.depth)), true
}

// release marks a consumed slot idle again.
func (r *stagingRing) release(slot int) error {
	if slot < 0 || slot >= r.depth {
		return fmt.Errorf("%w: staging slot %d out of range", sift.ErrBadConfig, slot)
	}
	if r.states[slot] != slotPending {
		return fmt.Errorf("%w: staging slot %d released while idle", sift.ErrBadConfig, slot)
	}
	r.states[slot] = slotIdle
	return nil
}

// full reports whether every slot is pending; the next acquire would fail.
func (r *stagingRing) full() bool {
	return r.pendingCount() == r.depth
}

func (r *stagingRing) pendingCount() int {
	n := 0
	for _, s := range r.states {
		if s == slotPending {
			n++
		}
	}
	return n
}
