package tuner

import (
	"github.com/gomlx/convtuner/dnn"
	"github.com/gomlx/convtuner/types/shapes"
	"golang.org/x/exp/constraints"
)

// shouldIncludeWinogradNonfused determines whether the specialized non-fused
// Winograd algorithm family may be offered as a candidate for a convolution
// with the given shapes.
//
// Library versions before 7 index the Winograd workspace with 32-bit offsets
// and overflow on large problems, producing wrong results. Version 7 fixed
// that upstream, so there the family is always eligible. For older versions
// the family is eligible only when the problem is provably small enough:
//
//	ceil(batch/16) * max(inChannels, outChannels) * rows * cols * 4 < 2^31
//
// with cols = 1 for convolutions with a single spatial axis.
func shouldIncludeWinogradNonfused(version dnn.Version,
	inputShape, outputShape shapes.Shape, axes dnn.ConvAxes) bool {
	if version.Major >= 7 {
		return true
	}

	batch := int64(inputShape.Dim(axes.InputBatch))
	inChannels := int64(inputShape.Dim(axes.InputChannels))
	inRows := int64(inputShape.Dim(axes.InputSpatial[0]))
	inCols := int64(1)
	if len(axes.InputSpatial) > 1 {
		inCols = int64(inputShape.Dim(axes.InputSpatial[1]))
	}
	outChannels := int64(outputShape.Dim(axes.OutputChannels))

	const float32Bytes = 4
	totalSize := ceilOfRatio(batch, 16) * max(inChannels, outChannels) *
		inRows * inCols * float32Bytes

	const threshold = int64(1) << 31
	return totalSize < threshold
}

// ceilOfRatio returns ceil(numerator/denominator) for positive denominators.
func ceilOfRatio[T constraints.Integer](numerator, denominator T) T {
	return (numerator + denominator - 1) / denominator
}
