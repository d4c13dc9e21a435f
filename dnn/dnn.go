// Package dnn defines the contracts between the convolution autotuner and the
// device math library (cuDNN or equivalent).
//
// Everything here is an in-process collaborator interface: the autotuner in
// package tuner never talks to a device directly, it talks to an Executor
// bound to one physical device, a Stream created from it, a DeviceAllocator
// for raw device memory, and a ConvRunner that knows how to launch and profile
// one convolution with one algorithm.
//
// Implementations are expected to be cgo bridges to the real device library;
// the tests in package tuner provide in-memory fakes.
package dnn

import "fmt"

// Buffer is a handle to device memory. It is opaque to the autotuner: only the
// DeviceAllocator that produced it (and the collaborators it is handed to)
// know how to interpret it.
type Buffer any

// Version identifies the installed device math library.
type Version struct {
	Major, Minor, Patch int
}

// String implements fmt.Stringer.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Executor gives access to one physical accelerator device and its math
// library. It is the autotuner's root collaborator: streams, algorithm
// enumeration and (fallback) memory allocation all hang off it.
type Executor interface {
	// Platform returns a stable identifier of the platform this executor
	// belongs to (e.g. "cuda"). Together with DeviceOrdinal it identifies the
	// physical device for serialization purposes.
	Platform() string

	// DeviceOrdinal returns the index of the device within its platform.
	DeviceOrdinal() int

	// Version returns the version of the installed device math library.
	Version() (Version, error)

	// ConvAlgorithms lists the candidate algorithms the library supports for
	// the given convolution kind. includeWinogradNonfused gates the
	// specialized non-fused Winograd family, which overflows on large
	// problems under library versions before 7 (see tuner's inclusion
	// policy).
	ConvAlgorithms(kind ConvKind, includeWinogradNonfused bool) ([]Algorithm, error)

	// NewStream creates and initializes an execution stream bound to the
	// device. The caller owns it and must Close it.
	NewStream() (Stream, error)

	// Allocate requests byteSize bytes of device memory.
	Allocate(byteSize int64) (Buffer, error)

	// Deallocate returns a buffer obtained from Allocate.
	Deallocate(buf Buffer) error
}

// Stream is an in-order execution queue on a device. Operations are enqueued
// asynchronously; BlockUntilDone waits for everything enqueued so far.
type Stream interface {
	// MemZero enqueues zero-filling of the first byteSize bytes of buf.
	MemZero(buf Buffer, byteSize int64) error

	// Fill enqueues a broadcast of pattern repeated across the first byteSize
	// bytes of buf. byteSize must be a multiple of len(pattern).
	Fill(buf Buffer, pattern []byte, byteSize int64) error

	// BlockUntilDone blocks the host until all enqueued operations completed.
	BlockUntilDone() error

	// Close releases the stream.
	Close() error
}
