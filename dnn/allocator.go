package dnn

import "github.com/pkg/errors"

// DeviceAllocator hands out raw device memory. The autotuner never calls it
// directly: it goes through per-scope scratch allocators (package tuner) so
// that every allocation is released in bulk at scope exit.
type DeviceAllocator interface {
	// Allocate requests byteSize bytes on the given device. retryOnFailure
	// selects whether the allocator may block and wait for reclaimable memory;
	// the autotuner always passes false (fail fast, tuning must not stall).
	Allocate(deviceOrdinal int, byteSize int64, retryOnFailure bool) (Buffer, error)

	// Deallocate returns a buffer obtained from Allocate on the same device.
	Deallocate(deviceOrdinal int, buf Buffer) error
}

// executorAllocator adapts an Executor into a DeviceAllocator for its own
// device. It is the fallback when the caller does not supply an allocator.
type executorAllocator struct {
	exec Executor
}

// NewExecutorAllocator returns a DeviceAllocator that allocates directly from
// the executor's device. It only serves the executor's own device ordinal.
func NewExecutorAllocator(exec Executor) DeviceAllocator {
	return &executorAllocator{exec: exec}
}

func (a *executorAllocator) Allocate(deviceOrdinal int, byteSize int64, retryOnFailure bool) (Buffer, error) {
	if deviceOrdinal != a.exec.DeviceOrdinal() {
		return nil, errors.Errorf(
			"executor allocator serves device %d (platform %q), got request for device %d",
			a.exec.DeviceOrdinal(), a.exec.Platform(), deviceOrdinal)
	}
	// retryOnFailure is ignored: allocating straight from the device either
	// succeeds or fails immediately.
	_ = retryOnFailure
	buf, err := a.exec.Allocate(byteSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %d bytes on device %d", byteSize, deviceOrdinal)
	}
	return buf, nil
}

func (a *executorAllocator) Deallocate(deviceOrdinal int, buf Buffer) error {
	if deviceOrdinal != a.exec.DeviceOrdinal() {
		return errors.Errorf(
			"executor allocator serves device %d (platform %q), got deallocation for device %d",
			a.exec.DeviceOrdinal(), a.exec.Platform(), deviceOrdinal)
	}
	return a.exec.Deallocate(buf)
}
