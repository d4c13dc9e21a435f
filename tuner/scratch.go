package tuner

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/convtuner/dnn"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// ScratchLimitBytes is the budget of one ScratchAllocator instance: 4 GiB.
// Each candidate-algorithm trial gets a fresh allocator, so the budget is
// per trial, not per picking call.
const ScratchLimitBytes = int64(1) << 32

// ScratchExhaustedError reports a scratch request that would push the
// allocator past its budget. It fails the requesting trial only; the
// autotuning loop continues with the next candidate.
type ScratchExhaustedError struct {
	Requested, Limit int64
}

// Error implements the error interface.
func (e *ScratchExhaustedError) Error() string {
	return fmt.Sprintf("allocating %s of scratch exceeds the memory limit of %s",
		byteCount(e.Requested), byteCount(e.Limit))
}

// ScratchAllocator hands out device memory against a fixed budget and keeps
// ownership of everything it allocated so it can all be released in bulk with
// Release. It implements dnn.ScratchAllocator and is therefore what the
// autotuner injects into the convolution runner.
//
// Not safe for concurrent use; each instance is scoped to one trial (or to
// the shared operand buffers of one picking call).
type ScratchAllocator struct {
	deviceOrdinal  int
	memory         dnn.DeviceAllocator
	buffers        []dnn.Buffer
	totalAllocated int64
}

var _ dnn.ScratchAllocator = (*ScratchAllocator)(nil)

// NewScratchAllocator creates an empty allocator drawing from memory on the
// given device. Callers must pair it with a (deferred) Release.
func NewScratchAllocator(deviceOrdinal int, memory dnn.DeviceAllocator) *ScratchAllocator {
	return &ScratchAllocator{deviceOrdinal: deviceOrdinal, memory: memory}
}

// MemoryLimit returns the allocator's budget in bytes.
func (a *ScratchAllocator) MemoryLimit() int64 { return ScratchLimitBytes }

// TotalAllocated returns the cumulative bytes allocated so far.
func (a *ScratchAllocator) TotalAllocated() int64 { return a.totalAllocated }

// AllocateBytes allocates byteSize bytes of device memory within the budget.
// Over-budget requests fail with *ScratchExhaustedError. The device memory is
// requested fail-fast (no retry): autotuning must not stall waiting for
// reclaimable memory.
func (a *ScratchAllocator) AllocateBytes(byteSize int64) (dnn.Buffer, error) {
	if byteSize < 0 {
		exceptions.Panicf("ScratchAllocator.AllocateBytes: negative byte size %d", byteSize)
	}
	if a.totalAllocated+byteSize > a.MemoryLimit() {
		return nil, &ScratchExhaustedError{Requested: byteSize, Limit: a.MemoryLimit()}
	}
	buf, err := a.memory.Allocate(a.deviceOrdinal, byteSize, false /*retryOnFailure*/)
	if err != nil {
		return nil, err
	}
	a.totalAllocated += byteSize
	a.buffers = append(a.buffers, buf)
	return buf, nil
}

// Release returns every buffer the allocator handed out. Deallocation
// failures are logged and skipped: by the time Release runs the trial is
// over, and there is nothing useful for the caller to do about them.
func (a *ScratchAllocator) Release() {
	for _, buf := range a.buffers {
		if err := a.memory.Deallocate(a.deviceOrdinal, buf); err != nil {
			klog.Warningf("Failed to release scratch buffer on device %d: %+v", a.deviceOrdinal, err)
		}
	}
	a.buffers = nil
	a.totalAllocated = 0
}

// byteCount renders a byte count with both a human-readable form and the
// exact value, e.g. "4.3 GB (4294967296B)".
func byteCount(bytes int64) string {
	return fmt.Sprintf("%s (%dB)", humanize.Bytes(uint64(bytes)), bytes)
}
