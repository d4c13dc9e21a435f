// Package hlo holds a minimal host program representation for device-specific
// compiler passes: a Module of Computations, each a list of Instructions.
//
// It models only what the rewriting passes need: custom-call instructions
// with operands, shapes (including tuple shapes), per-instruction convolution
// metadata, an opaque backend-config payload, and in-place instruction
// replacement. It is not an evaluator.
package hlo

import (
	"slices"

	"github.com/pkg/errors"
)

// DebugOptions carries per-module debugging knobs honored by passes.
type DebugOptions struct {
	// CrashOnVerificationFailure escalates cross-check mismatches during
	// autotuning from logged diagnostics to hard failures.
	CrashOnVerificationFailure bool
}

// Config is the per-module compilation configuration.
type Config struct {
	DebugOptions DebugOptions
}

// Module is a whole program: a named collection of computations.
type Module struct {
	name         string
	config       Config
	computations []*Computation
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{name: name}
}

// Name of the module.
func (m *Module) Name() string { return m.name }

// Config returns a mutable pointer to the module configuration.
func (m *Module) Config() *Config { return &m.config }

// NewComputation creates an empty computation owned by the module.
func (m *Module) NewComputation(name string) *Computation {
	c := &Computation{module: m, name: name}
	m.computations = append(m.computations, c)
	return c
}

// Computations returns the computations of the module, in creation order.
func (m *Module) Computations() []*Computation {
	return slices.Clone(m.computations)
}

// Computation is a list of instructions within a module.
type Computation struct {
	module       *Module
	name         string
	instructions []*Instruction
	nextID       int
}

// Module that owns this computation.
func (c *Computation) Module() *Module { return c.module }

// Name of the computation.
func (c *Computation) Name() string { return c.name }

// Instructions returns the instructions of the computation, in creation
// order. The returned slice is a copy: it stays valid while the computation
// is mutated (passes typically collect targets first, then rewrite).
func (c *Computation) Instructions() []*Instruction {
	return slices.Clone(c.instructions)
}

// AddInstruction takes ownership of instr, assigns it an id unique within the
// computation and returns it.
func (c *Computation) AddInstruction(instr *Instruction) *Instruction {
	instr.computation = c
	instr.id = c.nextID
	c.nextID++
	c.instructions = append(c.instructions, instr)
	return instr
}

// ReplaceInstruction splices newInstr in place of oldInstr: every use of
// oldInstr as an operand within the computation is redirected to newInstr,
// and oldInstr is removed. The two must have equal shapes, so the change is
// invisible to downstream consumers.
func (c *Computation) ReplaceInstruction(oldInstr, newInstr *Instruction) error {
	if oldInstr.computation != c || newInstr.computation != c {
		return errors.Errorf("ReplaceInstruction: both instructions must belong to computation %q", c.name)
	}
	if !oldInstr.shape.Equal(newInstr.shape) {
		return errors.Errorf("ReplaceInstruction: shape mismatch, %s has shape %s but %s has shape %s",
			oldInstr, oldInstr.shape, newInstr, newInstr.shape)
	}
	for _, instr := range c.instructions {
		for ii, operand := range instr.operands {
			if operand == oldInstr {
				instr.operands[ii] = newInstr
			}
		}
	}
	idx := slices.Index(c.instructions, oldInstr)
	if idx == -1 {
		return errors.Errorf("ReplaceInstruction: %s not found in computation %q", oldInstr, c.name)
	}
	c.instructions = slices.Delete(c.instructions, idx, idx+1)
	oldInstr.computation = nil
	return nil
}
