package shapes

import (
	"reflect"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FromAnyValue derives the shape of a plain Go value: a number, a slice of numbers, or
// a regular multi-level slice of numbers.
//
//	shapes.FromAnyValue([][]float32{{0, 0}}) // f32[1, 2]
func FromAnyValue(value any) (Shape, error) {
	dims, elem, err := sliceDims(reflect.ValueOf(value))
	if err != nil {
		return Shape{}, errors.WithMessagef(err, "deriving the shape of %T", value)
	}
	dtype := elementDType(elem)
	if dtype == dtypes.InvalidDType {
		return Shape{}, errors.Errorf(
			"cannot derive a shape from %T: only numbers and nested slices of numbers are supported", value)
	}
	return Shape{DType: dtype, Dimensions: dims}, nil
}

// sliceDims walks the nested slices under v, collecting one dimension per level, and
// checks that sibling sub-slices agree on the dimensions below them.
func sliceDims(v reflect.Value) (dims []int, elem reflect.Type, err error) {
	if !v.IsValid() {
		return nil, nil, errors.New("nil has no shape")
	}
	if v.Kind() != reflect.Slice {
		return nil, v.Type(), nil
	}
	if v.Len() == 0 {
		return nil, nil, errors.New("an empty slice leaves the inner dimensions unknown")
	}
	inner, elem, err := sliceDims(v.Index(0))
	if err != nil {
		return nil, nil, err
	}
	for i := 1; i < v.Len(); i++ {
		sibling, _, err := sliceDims(v.Index(i))
		if err != nil {
			return nil, nil, err
		}
		if !slices.Equal(inner, sibling) {
			return nil, nil, errors.Errorf("sub-slices have irregular dimensions: %v vs %v", inner, sibling)
		}
	}
	return append([]int{v.Len()}, inner...), elem, nil
}

// elementDType maps a Go numeric type to the dtype of the resulting shape. The accepted
// kinds are exactly those tensor.FromAny knows how to flatten.
func elementDType(t reflect.Type) dtypes.DType {
	switch t.Kind() {
	case reflect.Float32:
		return dtypes.Float32
	case reflect.Float64:
		return dtypes.Float64
	case reflect.Int, reflect.Int64:
		return dtypes.Int64
	case reflect.Int32:
		return dtypes.Int32
	case reflect.Int16:
		return dtypes.Int16
	case reflect.Int8:
		return dtypes.Int8
	case reflect.Uint, reflect.Uint64:
		return dtypes.Uint64
	case reflect.Uint32:
		return dtypes.Uint32
	case reflect.Uint16:
		return dtypes.Uint16
	case reflect.Uint8:
		return dtypes.Uint8
	}
	return dtypes.InvalidDType
}
