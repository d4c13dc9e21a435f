package dnn

import (
	"fmt"
	"time"
)

// Algorithm identifies one convolution algorithm of the device library.
// Two algorithms are the same if and only if both ID and TensorOps match:
// the same numeric algorithm with and without the reduced-precision
// specialized-hardware path ("tensor ops") counts as two distinct candidates.
type Algorithm struct {
	ID int64

	// TensorOps indicates the algorithm runs on the reduced-precision
	// specialized hardware path.
	TensorOps bool
}

// String renders the algorithm the way it shows up in logs, e.g. "1" or "1+TC".
func (a Algorithm) String() string {
	if a.TensorOps {
		return fmt.Sprintf("%d+TC", a.ID)
	}
	return fmt.Sprintf("%d", a.ID)
}

// AlgorithmConfig selects the algorithm a ConvRunner must use. A zero value
// means "let the library choose", which the autotuner never passes.
type AlgorithmConfig struct {
	Algorithm Algorithm
}

// ProfileResult reports the outcome of one profiled convolution launch.
type ProfileResult struct {
	// Algorithm that was run.
	Algorithm Algorithm

	// Elapsed is the device-measured execution time. Monotonic and comparable:
	// lower is better.
	Elapsed time.Duration

	// Valid reports whether Elapsed holds a real measurement. A launch can
	// succeed and still yield an invalid profile (e.g. timing collection
	// failed); such results must be discarded.
	Valid bool
}
