// Package tensor implements a small dense host tensor: a Shape plus row-major flat
// storage.
//
// It backs the tensor-parallel layers with just the kernels they need: matrix
// multiplication (through gonum), split/concatenate along an axis, row lookup and row
// masking for embeddings, and dtype rounding of parameters.
//
// Values are always computed and stored as float32; narrower parameter dtypes (F16,
// BF16) are represented by rounding the stored values through the narrow type, so the
// numerics match what a device holding the narrow type would see.
package tensor

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tensorparallel/internal/utils"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// supportedDTypes are the dtypes a Tensor can be tagged with.
var supportedDTypes = utils.SetWith(dtypes.Float32, dtypes.Float16, dtypes.BFloat16)

// IsSupportedDType returns whether tensors can be tagged with the given dtype.
func IsSupportedDType(dtype dtypes.DType) bool {
	return supportedDTypes.Has(dtype)
}

// Tensor is a dense host tensor: a shape and its row-major flat values.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// New creates a zero-initialized tensor with the given shape.
//
// It panics if the shape's dtype is not one of the supported parameter dtypes
// (F32, F16, BF16): the shape of a tensor comes from static layer configuration, so an
// unsupported dtype is a programming error.
func New(shape shapes.Shape) *Tensor {
	if !supportedDTypes.Has(shape.DType) {
		exceptions.Panicf("tensor.New(%s): unsupported dtype %s", shape, shape.DType)
	}
	return &Tensor{
		shape: shape.Clone(),
		flat:  make([]float32, shape.Size()),
	}
}

// FromFlat creates a tensor with the given shape, taking ownership of the flat values.
func FromFlat(shape shapes.Shape, flat []float32) (*Tensor, error) {
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("tensor.FromFlat: shape %s requires %d values, got %d",
			shape, shape.Size(), len(flat))
	}
	t := New(shape)
	copy(t.flat, flat)
	return t, nil
}

// FromFlatAndDimensions creates a float32 tensor from the flat values and the dimensions.
func FromFlatAndDimensions(flat []float32, dimensions ...int) (*Tensor, error) {
	return FromFlat(shapes.Make(dtypes.Float32, dimensions...), flat)
}

// FromAny creates a float32 tensor from a Go value: a number, a slice or a multi-level
// slice of numbers. All sub-slices must have matching sizes.
func FromAny(value any) (*Tensor, error) {
	shape, err := shapes.FromAnyValue(value)
	if err != nil {
		return nil, err
	}
	shape.DType = dtypes.Float32
	flat := make([]float32, 0, shape.Size())
	flat, err = flattenRecursive(flat, reflect.ValueOf(value))
	if err != nil {
		return nil, err
	}
	return FromFlat(shape, flat)
}

func flattenRecursive(flat []float32, v reflect.Value) ([]float32, error) {
	if v.Kind() == reflect.Slice {
		var err error
		for i := 0; i < v.Len(); i++ {
			flat, err = flattenRecursive(flat, v.Index(i))
			if err != nil {
				return nil, err
			}
		}
		return flat, nil
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return append(flat, float32(v.Float())), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return append(flat, float32(v.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return append(flat, float32(v.Uint())), nil
	default:
		return nil, errors.Errorf("tensor.FromAny: unsupported element type %s", v.Type())
	}
}

// Shape returns the shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the dtype the tensor is tagged with.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the number of axes of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dim returns the dimension of the given axis; negative axes count from the end.
func (t *Tensor) Dim(axis int) int { return t.shape.Dim(axis) }

// Flat returns the backing row-major values. Mutating it mutates the tensor.
func (t *Tensor) Flat() []float32 { return t.flat }

// Clone makes a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// CopyFrom overwrites the tensor's values with those of the other tensor, which must
// have the same dimensions.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if !slices.Equal(t.shape.Dimensions, other.shape.Dimensions) {
		return errors.Errorf("tensor.CopyFrom: dimensions mismatch %s vs %s", t.shape, other.shape)
	}
	copy(t.flat, other.flat)
	return nil
}

// Equal returns whether the two tensors have the same shape and bit-identical values.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.shape.Equal(other.shape) && slices.Equal(t.flat, other.flat)
}

// At returns the value at the given indices. It panics on out-of-bound indices, like
// slice indexing.
func (t *Tensor) At(indices ...int) float32 {
	return t.flat[t.flatIndex(indices)]
}

// Set assigns the value at the given indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.flat[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.Rank() {
		exceptions.Panicf("tensor: got %d indices for shape %s", len(indices), t.shape)
	}
	idx := 0
	for axis, i := range indices {
		dim := t.shape.Dimensions[axis]
		if i < 0 || i >= dim {
			exceptions.Panicf("tensor: index %d out of bounds for axis %d of shape %s", i, axis, t.shape)
		}
		idx = idx*dim + i
	}
	return idx
}

// ConvertDType returns a copy of the tensor tagged with the given dtype, with every
// value rounded through that dtype's precision. Converting to F32 is a plain copy.
func ConvertDType(t *Tensor, dtype dtypes.DType) (*Tensor, error) {
	if !supportedDTypes.Has(dtype) {
		return nil, errors.Errorf("tensor.ConvertDType: unsupported dtype %s", dtype)
	}
	result := t.Clone()
	result.shape.DType = dtype
	switch dtype {
	case dtypes.Float16:
		for i, v := range result.flat {
			result.flat[i] = float16.Fromfloat32(v).Float32()
		}
	case dtypes.BFloat16:
		for i, v := range result.flat {
			result.flat[i] = bfloat16.FromFloat32(v).Float32()
		}
	}
	return result, nil
}

// String implements fmt.Stringer. Only small tensors print their values.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	if t.shape.Size() <= 16 {
		fmt.Fprintf(&sb, "%v", t.flat)
	} else {
		fmt.Fprintf(&sb, "{%d values}", len(t.flat))
	}
	return sb.String()
}
