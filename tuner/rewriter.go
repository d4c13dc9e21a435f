package tuner

import (
	"github.com/gomlx/convtuner/dnn"
	"github.com/gomlx/convtuner/hlo"
	"github.com/gomlx/convtuner/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Custom-call targets of device-library convolutions in the host program.
// Convolutions reach this pass already lowered to custom calls with shape
// tuple(result, uint8[scratch]); before tuning the scratch element is a
// placeholder.
const (
	ConvForwardCallTarget        = "__cudnn$convForward"
	ConvBackwardInputCallTarget  = "__cudnn$convBackwardInput"
	ConvBackwardFilterCallTarget = "__cudnn$convBackwardFilter"
)

// IsCustomCallToDnnConvolution reports whether instr is a device-library
// convolution this pass can tune.
func IsCustomCallToDnnConvolution(instr *hlo.Instruction) bool {
	if instr.Kind() != hlo.OpCustomCall {
		return false
	}
	switch instr.CustomCallTarget() {
	case ConvForwardCallTarget, ConvBackwardInputCallTarget, ConvBackwardFilterCallTarget:
		return true
	}
	return false
}

// BackendConfig is the configuration payload written into tuned convolution
// custom calls. The execution stages downstream read it to launch the
// convolution with the pinned algorithm.
type BackendConfig struct {
	Algorithm        int64 `json:"algorithm"`
	TensorOpsEnabled bool  `json:"tensor_ops_enabled"`
}

// RunOnInstruction tunes one convolution custom call: it picks the fastest
// algorithm for it and splices in a replacement custom call that pins the
// algorithm and carries a scratch region of the right size. It returns
// whether the program was changed.
//
// Picking failures are not fatal: the error is logged, the original
// instruction stays in place (valid, just untuned on the library's default
// algorithm) and (false, nil) is returned. Calling it on an instruction that
// is not a convolution custom call is a contract violation and panics.
func (p *AlgorithmPicker) RunOnInstruction(instr *hlo.Instruction) (bool, error) {
	if !IsCustomCallToDnnConvolution(instr) {
		exceptions.Panicf("RunOnInstruction called on a non-convolution instruction: %s", instr)
	}

	// The (input, filter, output) role assignment is the inverse of the
	// picker's result-buffer mapping: here we start from the operation's
	// operand and result shapes, and for the backward kinds the operation's
	// result is the convolution's input (resp. filter).
	lhsShape := instr.Operand(0).Shape()
	rhsShape := instr.Operand(1).Shape()
	convResultShape := instr.Shape().TupleShapes[0]

	var result PickResult
	var err error
	switch instr.CustomCallTarget() {
	case ConvForwardCallTarget:
		result, err = p.PickBestAlgorithm(dnn.ConvForward,
			lhsShape /*input*/, rhsShape /*filter*/, convResultShape, /*output*/
			instr.Window(), instr.ConvAxes(), instr)
	case ConvBackwardInputCallTarget:
		result, err = p.PickBestAlgorithm(dnn.ConvBackwardInput,
			convResultShape /*input*/, rhsShape /*filter*/, lhsShape, /*output*/
			instr.Window(), instr.ConvAxes(), instr)
	case ConvBackwardFilterCallTarget:
		result, err = p.PickBestAlgorithm(dnn.ConvBackwardFilter,
			lhsShape /*input*/, convResultShape /*filter*/, rhsShape, /*output*/
			instr.Window(), instr.ConvAxes(), instr)
	}
	if err != nil {
		klog.Errorf("%+v", err)
		return false, nil
	}

	klog.V(1).Infof("Setting convolution %s to use algorithm %d (tensor ops: %v) and %s of scratch memory",
		instr, result.Algorithm, result.TensorOps, byteCount(result.ScratchBytes))

	// Replacement custom call: same operation, but with the algorithm pinned
	// in the backend config and an output shape extended with the winner's
	// scratch region.
	computation := instr.Computation()
	newCallShape := shapes.MakeTuple(convResultShape, shapes.Make(dtypes.Uint8, int(result.ScratchBytes)))
	newCall := computation.AddInstruction(hlo.NewCustomCall(
		newCallShape, instr.Operands(), instr.CustomCallTarget()))
	newCall.SetWindow(instr.Window())
	newCall.SetConvAxes(instr.ConvAxes())
	if err := newCall.SetBackendConfig(BackendConfig{
		Algorithm:        result.Algorithm,
		TensorOpsEnabled: result.TensorOps,
	}); err != nil {
		return false, err
	}

	// Repackage newCall so it keeps the original's external shape, namely
	// tuple(result, uint8[0]): the real scratch region is internal to the
	// custom call and invisible downstream.
	newTuple := computation.AddInstruction(hlo.NewTuple(
		computation.AddInstruction(hlo.NewGetTupleElement(convResultShape, newCall, 0)),
		computation.AddInstruction(hlo.NewConstant(shapes.Make(dtypes.Uint8, 0), nil)),
	))
	if err := computation.ReplaceInstruction(instr, newTuple); err != nil {
		return false, err
	}
	return true, nil
}

// RunOnComputation tunes every convolution custom call in the computation and
// reports whether any was changed. It fails on the first hard error.
func (p *AlgorithmPicker) RunOnComputation(computation *hlo.Computation) (bool, error) {
	// Collect first: rewriting mutates the instruction list.
	var convs []*hlo.Instruction
	for _, instr := range computation.Instructions() {
		if IsCustomCallToDnnConvolution(instr) {
			convs = append(convs, instr)
		}
	}

	changed := false
	for _, instr := range convs {
		result, err := p.RunOnInstruction(instr)
		if err != nil {
			return changed, err
		}
		changed = changed || result
	}
	return changed, nil
}

// Run tunes every convolution custom call in the module and reports whether
// anything was changed.
func (p *AlgorithmPicker) Run(module *hlo.Module) (bool, error) {
	if module == nil {
		return false, errors.New("tuner.Run: module is nil")
	}
	changed := false
	for _, computation := range module.Computations() {
		result, err := p.RunOnComputation(computation)
		if err != nil {
			return changed, err
		}
		changed = changed || result
	}
	return changed, nil
}
