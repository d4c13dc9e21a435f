package dnn

import (
	"slices"

	"github.com/gomlx/convtuner/types/shapes"
	"github.com/gomlx/exceptions"
)

// ConvKind distinguishes the three convolution operations the device library
// implements. The kind determines which of the three operand buffers plays
// the role of the result: Forward writes the output, BackwardInput writes the
// input, BackwardFilter writes the filter.
type ConvKind int

const (
	ConvForward ConvKind = iota
	ConvBackwardInput
	ConvBackwardFilter
)

// String implements fmt.Stringer.
func (k ConvKind) String() string {
	switch k {
	case ConvForward:
		return "forward"
	case ConvBackwardInput:
		return "backward_input"
	case ConvBackwardFilter:
		return "backward_filter"
	}
	return "invalid_conv_kind"
}

// ConvAxes defines the interpretation of the input/kernel/output tensor axes:
// for each logical role (batch, channels, spatial) it holds the physical axis
// index in the corresponding shape. The number of spatial axes is 1 or more.
type ConvAxes struct {
	InputBatch, InputChannels int
	InputSpatial              []int

	KernelInputChannels, KernelOutputChannels int
	KernelSpatial                             []int

	OutputBatch, OutputChannels int
	OutputSpatial               []int
}

// Clone returns a deep copy of the structure.
func (c ConvAxes) Clone() ConvAxes {
	c2 := c
	c2.InputSpatial = slices.Clone(c.InputSpatial)
	c2.KernelSpatial = slices.Clone(c.KernelSpatial)
	c2.OutputSpatial = slices.Clone(c.OutputSpatial)
	return c2
}

// WindowDimension describes the convolution window along one spatial axis.
type WindowDimension struct {
	Size, Stride                 int
	PaddingLow, PaddingHigh      int
	BaseDilation, WindowDilation int
}

// Window describes the convolution window, one entry per spatial axis.
// The autotuner treats it as opaque metadata forwarded to the ConvRunner.
type Window struct {
	Dimensions []WindowDimension
}

// Clone returns a deep copy of the window.
func (w Window) Clone() Window {
	return Window{Dimensions: slices.Clone(w.Dimensions)}
}

// ConvParams bundles the launch parameters of one convolution: what to
// compute (kind, shapes, window, axes) and where (the three operand buffers).
type ConvParams struct {
	Kind                                 ConvKind
	InputShape, FilterShape, OutputShape shapes.Shape
	Input, Filter, Output                Buffer
	Window                               Window
	Axes                                 ConvAxes
}

// ResultBuffer returns the operand buffer the convolution writes its result
// to, per the kind's role mapping.
func (p *ConvParams) ResultBuffer() Buffer {
	switch p.Kind {
	case ConvForward:
		return p.Output
	case ConvBackwardInput:
		return p.Input
	case ConvBackwardFilter:
		return p.Filter
	}
	exceptions.Panicf("dnn.ConvParams: invalid convolution kind %d", p.Kind)
	return nil
}

// ScratchAllocator is the capability a ConvRunner uses to obtain temporary
// workspace memory for one launch. The autotuner injects a fresh instance per
// trial so scratch is never shared across trials.
type ScratchAllocator interface {
	// AllocateBytes returns a buffer of byteSize bytes, or an error if the
	// request cannot be satisfied within the allocator's budget.
	AllocateBytes(byteSize int64) (Buffer, error)

	// TotalAllocated returns the cumulative bytes allocated so far.
	TotalAllocated() int64
}

// ConvRunner launches one convolution with a fixed algorithm and profiles it.
// A returned error means the launch itself failed (recoverable from the
// autotuner's point of view: it moves to the next candidate). On success,
// profile is filled in; profile.Valid may still be false.
type ConvRunner interface {
	Run(params *ConvParams, config AlgorithmConfig, scratch ScratchAllocator,
		stream Stream, profile *ProfileResult) error
}

// Comparator compares device buffers against a reference buffer captured at
// construction time, within an implementation-defined tolerance.
type Comparator interface {
	// CompareEqual reports whether buf matches the reference.
	CompareEqual(buf Buffer) (bool, error)
}

// ComparatorFactory creates a Comparator bound to a reference result buffer.
// The stream is used to read the reference back from the device.
type ComparatorFactory interface {
	Create(reference Buffer, stream Stream) (Comparator, error)
}
