package tensor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MatMul multiplies two rank-2 tensors: a of shape (m, k) by b of shape (k, n),
// returning a tensor of shape (m, n).
//
// The multiplication runs in float64 through gonum and is rounded back to float32, so
// the result does not depend on the summation order of the backend.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, errors.Errorf("tensor.MatMul: requires rank-2 tensors, got %s and %s", a.shape, b.shape)
	}
	m, k := a.Dim(0), a.Dim(1)
	k2, n := b.Dim(0), b.Dim(1)
	if k != k2 {
		return nil, errors.Errorf("tensor.MatMul: incompatible shapes %s and %s", a.shape, b.shape)
	}
	var c mat.Dense
	c.Mul(mat.NewDense(m, k, toFloat64(a.flat)), mat.NewDense(k2, n, toFloat64(b.flat)))
	result, _ := FromFlatAndDimensions(toFloat32(c.RawMatrix().Data), m, n)
	return result, nil
}

func toFloat64(values []float32) []float64 {
	result := make([]float64, len(values))
	for i, v := range values {
		result[i] = float64(v)
	}
	return result
}

func toFloat32(values []float64) []float32 {
	result := make([]float32, len(values))
	for i, v := range values {
		result[i] = float32(v)
	}
	return result
}

// Transpose returns the transposed copy of a rank-2 tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if t.Rank() != 2 {
		return nil, errors.Errorf("tensor.Transpose: requires a rank-2 tensor, got %s", t.shape)
	}
	rows, cols := t.Dim(0), t.Dim(1)
	result := New(t.shape.Clone())
	result.shape.Dimensions[0], result.shape.Dimensions[1] = cols, rows
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.flat[j*rows+i] = t.flat[i*cols+j]
		}
	}
	return result, nil
}

// Add returns the element-wise sum of two tensors with the same dimensions.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.shape.Equal(b.shape) {
		return nil, errors.Errorf("tensor.Add: shapes mismatch %s vs %s", a.shape, b.shape)
	}
	result := a.Clone()
	for i, v := range b.flat {
		result.flat[i] += v
	}
	return result, nil
}

// Sum returns the element-wise sum of the given tensors, all with the same dimensions.
func Sum(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor.Sum: requires at least one tensor")
	}
	result := tensors[0].Clone()
	for _, t := range tensors[1:] {
		if !t.shape.Equal(result.shape) {
			return nil, errors.Errorf("tensor.Sum: shapes mismatch %s vs %s", result.shape, t.shape)
		}
		for i, v := range t.flat {
			result.flat[i] += v
		}
	}
	return result, nil
}

// AddBias adds a rank-1 bias along the last axis of the tensor.
func AddBias(t, bias *Tensor) (*Tensor, error) {
	if bias.Rank() != 1 || bias.Dim(0) != t.Dim(-1) {
		return nil, errors.Errorf("tensor.AddBias: bias %s does not match last axis of %s", bias.shape, t.shape)
	}
	result := t.Clone()
	width := bias.Dim(0)
	for i := range result.flat {
		result.flat[i] += bias.flat[i%width]
	}
	return result, nil
}

// MulScalar returns a copy of the tensor with every value multiplied by the scalar.
func MulScalar(t *Tensor, scalar float32) *Tensor {
	result := t.Clone()
	for i := range result.flat {
		result.flat[i] *= scalar
	}
	return result
}

// Split divides the tensor along the given axis into numParts contiguous chunks of
// equal size. Negative axes count from the end.
func Split(t *Tensor, axis, numParts int) ([]*Tensor, error) {
	if axis < 0 {
		axis += t.Rank()
	}
	if axis < 0 || axis >= t.Rank() {
		return nil, errors.Errorf("tensor.Split: no axis %d in shape %s", axis, t.shape)
	}
	dim := t.Dim(axis)
	if numParts <= 0 || dim%numParts != 0 {
		return nil, errors.Errorf("tensor.Split: axis %d of shape %s not divisible into %d parts",
			axis, t.shape, numParts)
	}
	partDim := dim / numParts
	outer, inner := 1, 1
	for _, d := range t.shape.Dimensions[:axis] {
		outer *= d
	}
	for _, d := range t.shape.Dimensions[axis+1:] {
		inner *= d
	}
	parts := make([]*Tensor, numParts)
	for p := range parts {
		shape := t.shape.Clone()
		shape.Dimensions[axis] = partDim
		part := New(shape)
		for o := 0; o < outer; o++ {
			src := (o*dim + p*partDim) * inner
			dst := o * partDim * inner
			copy(part.flat[dst:dst+partDim*inner], t.flat[src:src+partDim*inner])
		}
		parts[p] = part
	}
	return parts, nil
}

// Concat concatenates the tensors along the given axis. All other axes must match.
// Negative axes count from the end.
func Concat(parts []*Tensor, axis int) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensor.Concat: requires at least one tensor")
	}
	first := parts[0]
	if axis < 0 {
		axis += first.Rank()
	}
	if axis < 0 || axis >= first.Rank() {
		return nil, errors.Errorf("tensor.Concat: no axis %d in shape %s", axis, first.shape)
	}
	totalDim := 0
	for _, part := range parts {
		if part.Rank() != first.Rank() {
			return nil, errors.Errorf("tensor.Concat: rank mismatch %s vs %s", first.shape, part.shape)
		}
		for a, d := range part.shape.Dimensions {
			if a != axis && d != first.Dim(a) {
				return nil, errors.Errorf("tensor.Concat: dimensions mismatch %s vs %s on axis %d",
					first.shape, part.shape, a)
			}
		}
		totalDim += part.Dim(axis)
	}
	shape := first.shape.Clone()
	shape.Dimensions[axis] = totalDim
	result := New(shape)
	outer, inner := 1, 1
	for _, d := range shape.Dimensions[:axis] {
		outer *= d
	}
	for _, d := range shape.Dimensions[axis+1:] {
		inner *= d
	}
	for o := 0; o < outer; o++ {
		offset := 0
		for _, part := range parts {
			partDim := part.Dim(axis)
			src := o * partDim * inner
			dst := (o*totalDim + offset) * inner
			copy(result.flat[dst:dst+partDim*inner], part.flat[src:src+partDim*inner])
			offset += partDim
		}
	}
	return result, nil
}

// GatherRows looks up rows of a rank-2 table: the result's row i is table's row ids[i].
func GatherRows(table *Tensor, ids []int) (*Tensor, error) {
	if table.Rank() != 2 {
		return nil, errors.Errorf("tensor.GatherRows: requires a rank-2 table, got %s", table.shape)
	}
	numRows, width := table.Dim(0), table.Dim(1)
	shape := table.shape.Clone()
	shape.Dimensions[0] = len(ids)
	result := New(shape)
	for i, id := range ids {
		if id < 0 || id >= numRows {
			return nil, errors.Errorf("tensor.GatherRows: row %d out of range [0, %d)", id, numRows)
		}
		copy(result.flat[i*width:(i+1)*width], table.flat[id*width:(id+1)*width])
	}
	return result, nil
}

// ZeroRows zeroes, in place, every row i of a rank-2 tensor for which mask[i] is true.
func ZeroRows(t *Tensor, mask []bool) error {
	if t.Rank() != 2 {
		return errors.Errorf("tensor.ZeroRows: requires a rank-2 tensor, got %s", t.shape)
	}
	if len(mask) != t.Dim(0) {
		return errors.Errorf("tensor.ZeroRows: mask length %d does not match rows of %s", len(mask), t.shape)
	}
	width := t.Dim(1)
	for i, masked := range mask {
		if !masked {
			continue
		}
		row := t.flat[i*width : (i+1)*width]
		for j := range row {
			row[j] = 0
		}
	}
	return nil
}
