package hlo

import (
	"fmt"
	"slices"

	"github.com/goccy/go-json"
	"github.com/gomlx/convtuner/dnn"
	"github.com/gomlx/convtuner/types/shapes"
	"github.com/pkg/errors"
)

// OpKind identifies the operation an Instruction performs.
type OpKind int

const (
	OpInvalid OpKind = iota
	OpParameter
	OpConstant
	OpCustomCall
	OpTuple
	OpGetTupleElement
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpParameter:
		return "parameter"
	case OpConstant:
		return "constant"
	case OpCustomCall:
		return "custom-call"
	case OpTuple:
		return "tuple"
	case OpGetTupleElement:
		return "get-tuple-element"
	}
	return "invalid"
}

// Instruction is one operation in a computation. Create it with one of the
// New* constructors and register it with Computation.AddInstruction.
type Instruction struct {
	computation *Computation
	id          int
	kind        OpKind
	shape       shapes.Shape
	operands    []*Instruction

	// Custom-call only:
	customCallTarget string
	window           dnn.Window
	convAxes         dnn.ConvAxes
	backendConfig    []byte // JSON payload, opaque to this package.

	tupleIndex int    // OpGetTupleElement only.
	literal    []byte // OpConstant only: raw little-endian data.
	paramName  string // OpParameter only.
}

// NewParameter creates a named input of a computation.
func NewParameter(name string, shape shapes.Shape) *Instruction {
	return &Instruction{kind: OpParameter, shape: shape, paramName: name}
}

// NewConstant creates a constant with the given shape and raw data. The data
// may be nil for empty (zero-sized) shapes.
func NewConstant(shape shapes.Shape, data []byte) *Instruction {
	return &Instruction{kind: OpConstant, shape: shape, literal: slices.Clone(data)}
}

// NewCustomCall creates a call to an opaque device-specific routine
// identified by target.
func NewCustomCall(shape shapes.Shape, operands []*Instruction, target string) *Instruction {
	return &Instruction{
		kind:             OpCustomCall,
		shape:            shape,
		operands:         slices.Clone(operands),
		customCallTarget: target,
	}
}

// NewTuple packs the given instructions into a tuple.
func NewTuple(elements ...*Instruction) *Instruction {
	elementShapes := make([]shapes.Shape, 0, len(elements))
	for _, element := range elements {
		elementShapes = append(elementShapes, element.shape)
	}
	return &Instruction{
		kind:     OpTuple,
		shape:    shapes.MakeTuple(elementShapes...),
		operands: slices.Clone(elements),
	}
}

// NewGetTupleElement extracts element index from a tuple-shaped operand.
func NewGetTupleElement(shape shapes.Shape, operand *Instruction, index int) *Instruction {
	return &Instruction{
		kind:       OpGetTupleElement,
		shape:      shape,
		operands:   []*Instruction{operand},
		tupleIndex: index,
	}
}

// Kind of the instruction.
func (i *Instruction) Kind() OpKind { return i.kind }

// Shape of the instruction's result.
func (i *Instruction) Shape() shapes.Shape { return i.shape }

// Computation that owns the instruction, or nil if it was detached.
func (i *Instruction) Computation() *Computation { return i.computation }

// Operands returns the operand instructions.
func (i *Instruction) Operands() []*Instruction { return slices.Clone(i.operands) }

// Operand returns the idx-th operand.
func (i *Instruction) Operand(idx int) *Instruction { return i.operands[idx] }

// CustomCallTarget returns the target of a custom-call, or "" otherwise.
func (i *Instruction) CustomCallTarget() string { return i.customCallTarget }

// TupleIndex returns the element index of a get-tuple-element.
func (i *Instruction) TupleIndex() int { return i.tupleIndex }

// Window returns the convolution window metadata attached to the instruction.
func (i *Instruction) Window() dnn.Window { return i.window }

// SetWindow attaches convolution window metadata.
func (i *Instruction) SetWindow(w dnn.Window) { i.window = w.Clone() }

// ConvAxes returns the convolution axes metadata attached to the instruction.
func (i *Instruction) ConvAxes() dnn.ConvAxes { return i.convAxes }

// SetConvAxes attaches convolution axes metadata.
func (i *Instruction) SetConvAxes(axes dnn.ConvAxes) { i.convAxes = axes.Clone() }

// SetBackendConfig serializes config (any JSON-marshalable value) into the
// instruction's backend-config payload. The payload is opaque to this
// package; it is interpreted by the execution stages downstream.
func (i *Instruction) SetBackendConfig(config any) error {
	data, err := json.Marshal(config)
	if err != nil {
		return errors.Wrapf(err, "serializing backend config for %s", i)
	}
	i.backendConfig = data
	return nil
}

// GetBackendConfig deserializes the backend-config payload into config.
func (i *Instruction) GetBackendConfig(config any) error {
	if i.backendConfig == nil {
		return errors.Errorf("%s has no backend config", i)
	}
	if err := json.Unmarshal(i.backendConfig, config); err != nil {
		return errors.Wrapf(err, "parsing backend config for %s", i)
	}
	return nil
}

// String renders a compact one-line description used in diagnostics, e.g.
// `%custom-call.3 Tuple<(Float16)[8 32 28 28], (Uint8)[0]> target="__cudnn$convForward"`.
func (i *Instruction) String() string {
	desc := fmt.Sprintf("%%%s.%d %s", i.kind, i.id, i.shape)
	switch i.kind {
	case OpCustomCall:
		desc += fmt.Sprintf(" target=%q", i.customCallTarget)
	case OpGetTupleElement:
		desc += fmt.Sprintf(" index=%d", i.tupleIndex)
	case OpParameter:
		desc += fmt.Sprintf(" name=%q", i.paramName)
	}
	return desc
}
