/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package shapes defines Shape and the associated tools.
//
// Shape represents the element type (DType), rank and dimensions of a tensor,
// or a tuple of such shapes. It is the currency between the device library
// contracts (package dnn), the host program representation (package hlo) and
// the autotuner (package tuner).
//
// DType is the enumeration defined in github.com/gomlx/gopjrt/dtypes.
//
// Differently from most tensor libraries, dimensions of size zero are valid
// here: the autotuner materializes scratch regions as `uint8[n]` shapes, and
// n == 0 is the common case of an algorithm that needs no scratch.
package shapes

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
	"slices"
)

// Shape represents the shape of a tensor, or a tuple of shapes.
//
// Use Make (or MakeTuple) to create one.
type Shape struct {
	DType       DType
	Dimensions  []int
	TupleShapes []Shape // Shapes of the tuple, if this is a tuple.
}

// Make returns a Shape with the given dtype and dimensions.
// Dimensions of size zero are allowed (an empty tensor); negative dimensions panic.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// MakeTuple returns a shape representing a tuple of elements with the given shapes.
func MakeTuple(elements ...Shape) Shape {
	return Shape{DType: InvalidDType, TupleShapes: slices.Clone(elements)}
}

// Invalid returns an invalid shape.
func Invalid() Shape { return Shape{DType: InvalidDType} }

// Ok returns whether this is a valid shape.
func (s Shape) Ok() bool { return s.DType != InvalidDType || len(s.TupleShapes) > 0 }

// Rank of the shape, that is, the number of axes. Scalars have rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0 (and is not a tuple).
func (s Shape) IsScalar() bool { return s.Ok() && !s.IsTuple() && s.Rank() == 0 }

// IsTuple returns whether the shape represents a tuple.
func (s Shape) IsTuple() bool { return len(s.TupleShapes) > 0 }

// TupleSize returns the number of elements of a tuple shape.
func (s Shape) TupleSize() int { return len(s.TupleShapes) }

// Dim returns the dimension of the given axis. It panics if axis is out-of-range.
func (s Shape) Dim(axis int) int {
	if axis < 0 || axis >= s.Rank() {
		exceptions.Panicf("shapes.Dim(%d): axis out of range for shape %s", axis, s)
	}
	return s.Dimensions[axis]
}

// Size returns the number of elements of the shape. Scalars have size 1.
func (s Shape) Size() (size int) {
	size = 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return
}

// Memory returns the number of bytes needed to store a value of this shape.
func (s Shape) Memory() int64 {
	return int64(s.DType.Memory()) * int64(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.IsTuple() != s2.IsTuple() {
		return false
	}
	if s.IsTuple() {
		if s.TupleSize() != s2.TupleSize() {
			return false
		}
		for ii, element := range s.TupleShapes {
			if !element.Equal(s2.TupleShapes[ii]) {
				return false
			}
		}
		return true
	}
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	if s.IsTuple() {
		s2.TupleShapes = make([]Shape, 0, s.TupleSize())
		for _, subShape := range s.TupleShapes {
			s2.TupleShapes = append(s2.TupleShapes, subShape.Clone())
		}
	}
	return
}

// String implements fmt.Stringer. E.g.: "(Float32)[2 3]".
func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, 0, s.TupleSize())
		for _, element := range s.TupleShapes {
			parts = append(parts, element.String())
		}
		return fmt.Sprintf("Tuple<%s>", strings.Join(parts, ", "))
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}
