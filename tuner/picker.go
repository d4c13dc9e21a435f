// Package tuner implements empirical algorithm selection for device-library
// convolutions: it times every candidate algorithm the library offers for a
// given convolution and rewrites the host program to pin the fastest one,
// together with the scratch memory it needs.
//
// The entry points are AlgorithmPicker.Run / RunOnComputation /
// RunOnInstruction (the program-rewriting pass, see rewriter.go) and
// AlgorithmPicker.PickBestAlgorithm (the benchmarking loop itself).
package tuner

import (
	"encoding/binary"
	"fmt"

	"github.com/gomlx/convtuner/dnn"
	"github.com/gomlx/convtuner/hlo"
	"github.com/gomlx/convtuner/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Config assembles the collaborators of an AlgorithmPicker.
type Config struct {
	// Executor binds the picker to one physical device. Required.
	Executor dnn.Executor

	// Runner launches and profiles single convolutions. Required.
	Runner dnn.ConvRunner

	// Locks serializes autotuning per device, process-wide. Share one
	// registry among all pickers in the process. Required.
	Locks *LockRegistry

	// Allocator provides device memory. Optional: when nil, memory is
	// allocated straight from the Executor's device.
	Allocator dnn.DeviceAllocator

	// Comparators creates the numerical comparators used to cross-check
	// results between algorithms (fp16 convolutions only). Optional: when
	// nil, cross-checking is disabled.
	Comparators dnn.ComparatorFactory
}

// AlgorithmPicker selects the fastest device-library algorithm for each
// convolution in a program and rewrites the program accordingly.
type AlgorithmPicker struct {
	exec        dnn.Executor
	runner      dnn.ConvRunner
	locks       *LockRegistry
	allocator   dnn.DeviceAllocator
	comparators dnn.ComparatorFactory
}

// New creates an AlgorithmPicker. It panics if a required collaborator is
// missing from the configuration.
func New(config Config) *AlgorithmPicker {
	if config.Executor == nil {
		exceptions.Panicf("tuner.New: Config.Executor is required")
	}
	if config.Runner == nil {
		exceptions.Panicf("tuner.New: Config.Runner is required")
	}
	if config.Locks == nil {
		exceptions.Panicf("tuner.New: Config.Locks is required")
	}
	return &AlgorithmPicker{
		exec:        config.Executor,
		runner:      config.Runner,
		locks:       config.Locks,
		allocator:   config.Allocator,
		comparators: config.Comparators,
	}
}

// PickResult is the outcome of PickBestAlgorithm: the winning algorithm and
// the scratch memory it consumed when profiled.
type PickResult struct {
	// Algorithm is the device-library algorithm id.
	Algorithm int64

	// TensorOps indicates the winner runs on the reduced-precision
	// specialized hardware path.
	TensorOps bool

	// ScratchBytes is the workspace size the winner allocated.
	ScratchBytes int64
}

// AllAlgorithmsFailedError reports that no candidate algorithm produced a
// valid profile for an operation. The rewriting pass treats it as "leave the
// operation untuned", so the program stays valid on its default algorithm.
type AllAlgorithmsFailedError struct {
	Op string
}

// Error implements the error interface.
func (e *AllAlgorithmsFailedError) Error() string {
	return fmt.Sprintf("all algorithms tried for convolution %s failed, falling back to default algorithm", e.Op)
}

// halfFillPattern is the byte pattern broadcast over fp16 operand buffers
// before cross-checked runs: the fp16 value 0.1 repeated. A non-zero constant
// is used instead of zeros because zero inputs can mask numerical bugs in
// some algorithm implementations.
func halfFillPattern() []byte {
	pattern := make([]byte, 2)
	binary.LittleEndian.PutUint16(pattern, float16.Fromfloat32(0.1).Bits())
	return pattern
}

// PickBestAlgorithm times every candidate algorithm for the described
// convolution on the picker's device and returns the one with the lowest
// elapsed time, along with the scratch bytes it consumed. Among exact timing
// ties the earliest-enumerated candidate wins, so the choice is deterministic
// given the library's enumeration order.
//
// instr is the operation being tuned; it provides the identification used in
// diagnostics and the module debug options. It is not modified.
//
// The call holds the device's autotuning lock for its whole duration and runs
// candidates sequentially on a dedicated stream. Individual candidate
// failures (launch errors, invalid profiles, over-budget scratch requests)
// are skipped; the call only fails when the device environment is broken
// (stream, version query or enumeration failure), when every candidate
// failed, or when a cross-check mismatch is escalated by the module's
// CrashOnVerificationFailure debug option.
func (p *AlgorithmPicker) PickBestAlgorithm(kind dnn.ConvKind,
	inputShape, filterShape, outputShape shapes.Shape,
	window dnn.Window, axes dnn.ConvAxes, instr *hlo.Instruction) (PickResult, error) {
	if inputShape.DType != filterShape.DType || inputShape.DType != outputShape.DType {
		exceptions.Panicf(
			"PickBestAlgorithm: operand element types disagree: input %s, filter %s, output %s",
			inputShape, filterShape, outputShape)
	}
	// Cross-checking is limited to fp16 for now.
	crossCheckEnabled := inputShape.DType == dtypes.Float16
	if crossCheckEnabled && p.comparators == nil {
		klog.V(1).Infof("No comparator factory configured, cross-checking disabled for %s", instr)
		crossCheckEnabled = false
	}

	deviceOrdinal := p.exec.DeviceOrdinal()

	// Don't run concurrently with another autotuning session on the same
	// device: autotuning competes for the device's compute and memory.
	release := p.locks.Lock(p.exec.Platform(), deviceOrdinal)
	defer release()

	stream, err := p.exec.NewStream()
	if err != nil {
		return PickResult{}, errors.WithMessagef(err, "creating stream on device %d", deviceOrdinal)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			klog.Warningf("Failed to close autotuning stream on device %d: %+v", deviceOrdinal, err)
		}
	}()

	allocator := p.allocator
	if allocator == nil {
		allocator = dnn.NewExecutorAllocator(p.exec)
	}

	// The three operand buffers go through a ScratchAllocator of their own so
	// they are released together no matter how the call exits.
	operandAllocator := NewScratchAllocator(deviceOrdinal, allocator)
	defer operandAllocator.Release()
	inputBuf, err := operandAllocator.AllocateBytes(inputShape.Memory())
	if err != nil {
		return PickResult{}, errors.WithMessagef(err, "allocating input buffer %s", inputShape)
	}
	filterBuf, err := operandAllocator.AllocateBytes(filterShape.Memory())
	if err != nil {
		return PickResult{}, errors.WithMessagef(err, "allocating filter buffer %s", filterShape)
	}
	outputBuf, err := operandAllocator.AllocateBytes(outputShape.Memory())
	if err != nil {
		return PickResult{}, errors.WithMessagef(err, "allocating output buffer %s", outputShape)
	}

	operands := []struct {
		buf  dnn.Buffer
		size int64
	}{
		{inputBuf, inputShape.Memory()},
		{filterBuf, filterShape.Memory()},
		{outputBuf, outputShape.Memory()},
	}
	for _, operand := range operands {
		var err error
		if crossCheckEnabled {
			err = stream.Fill(operand.buf, halfFillPattern(), operand.size)
		} else {
			// Denormals (or other garbage) in uninitialized memory could
			// conceivably skew timings.
			err = stream.MemZero(operand.buf, operand.size)
		}
		if err != nil {
			return PickResult{}, errors.WithMessage(err, "initializing operand buffers")
		}
	}
	if err := stream.BlockUntilDone(); err != nil {
		return PickResult{}, errors.WithMessage(err, "waiting for operand buffer initialization")
	}

	params := &dnn.ConvParams{
		Kind:        kind,
		InputShape:  inputShape,
		FilterShape: filterShape,
		OutputShape: outputShape,
		Input:       inputBuf,
		Filter:      filterBuf,
		Output:      outputBuf,
		Window:      window,
		Axes:        axes,
	}
	resultBuf := params.ResultBuffer()

	version, err := p.exec.Version()
	if err != nil {
		return PickResult{}, errors.WithMessage(err, "querying device library version")
	}
	withWinogradNonfused := shouldIncludeWinogradNonfused(version, inputShape, outputShape, axes)
	algorithms, err := p.exec.ConvAlgorithms(kind, withWinogradNonfused)
	if err != nil {
		return PickResult{}, errors.WithMessagef(err, "enumerating %s convolution algorithms", kind)
	}

	crashOnCheckFailure := instr.Computation().Module().Config().DebugOptions.CrashOnVerificationFailure

	var (
		best             dnn.ProfileResult // best.Valid stays false until the first successful trial.
		bestScratchBytes int64
		// The first algorithm that runs successfully becomes the cross-check
		// reference. Any algorithm would do; being the reference does not make
		// it correct, and it is independent of which algorithm wins on time.
		comparator     dnn.Comparator
		firstAlgorithm dnn.Algorithm
	)
	for _, alg := range algorithms {
		// One trial per closure, so the trial's scratch is released on every
		// exit path before the next candidate runs.
		err := func() error {
			scratch := NewScratchAllocator(deviceOrdinal, allocator)
			defer scratch.Release()

			klog.V(3).Infof("Trying algorithm %s for %s", alg, instr)
			var profile dnn.ProfileResult
			runErr := p.runner.Run(params, dnn.AlgorithmConfig{Algorithm: alg}, scratch, stream, &profile)
			if runErr != nil || !profile.Valid {
				klog.V(3).Infof("Run of algorithm %s failed: %v", alg, runErr)
				return nil
			}

			if comparator != nil {
				equal, cmpErr := comparator.CompareEqual(resultBuf)
				if cmpErr != nil {
					klog.Errorf("Unable to compare %s against %s for %s: %+v",
						firstAlgorithm, alg, instr, cmpErr)
					if crashOnCheckFailure {
						return errors.WithMessagef(cmpErr, "comparing algorithm %s against %s for %s",
							firstAlgorithm, alg, instr)
					}
				} else if !equal {
					klog.Errorf("Results mismatch between different convolution algorithms. "+
						"This is likely a bug in convolution, or an excessive loss of precision in "+
						"convolution. %s for %s vs %s", instr, firstAlgorithm, alg)
					if crashOnCheckFailure {
						return errors.Errorf("convolution results mismatch between algorithms %s and %s for %s",
							firstAlgorithm, alg, instr)
					}
				}
			} else if crossCheckEnabled {
				comp, compErr := p.comparators.Create(resultBuf, stream)
				if compErr != nil {
					klog.Errorf("Failed to initialize buffer comparator: %+v, instruction: %s", compErr, instr)
					if crashOnCheckFailure {
						return errors.WithMessagef(compErr, "initializing buffer comparator for %s", instr)
					}
				} else {
					comparator = comp
					firstAlgorithm = alg
				}
			}

			scratchBytes := scratch.TotalAllocated()
			klog.V(3).Infof("Run of algorithm %s succeeded, taking %v and using %s of scratch "+
				"(best so far: %s, %v, %s of scratch)", alg, profile.Elapsed, byteCount(scratchBytes),
				best.Algorithm, best.Elapsed, byteCount(bestScratchBytes))
			// Strictly less than: exact ties keep the earlier-enumerated
			// candidate, so the pick is deterministic.
			if !best.Valid || profile.Elapsed < best.Elapsed {
				best = profile
				bestScratchBytes = scratchBytes
			}
			return nil
		}()
		if err != nil {
			return PickResult{}, err
		}
	}

	if !best.Valid {
		return PickResult{}, &AllAlgorithmsFailedError{Op: instr.String()}
	}
	klog.V(2).Infof("Best algorithm for %s: %s, takes %v, and uses %s of scratch memory",
		instr, best.Algorithm, best.Elapsed, byteCount(bestScratchBytes))
	return PickResult{
		Algorithm:    best.Algorithm.ID,
		TensorOps:    best.Algorithm.TensorOps,
		ScratchBytes: bestScratchBytes,
	}, nil
}
