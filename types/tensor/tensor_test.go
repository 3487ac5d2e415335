package tensor

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsAndAccessors(t *testing.T) {
	x := must.M1(FromFlatAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	assert.Equal(t, 2, x.Rank())
	assert.Equal(t, 3, x.Dim(-1))
	assert.Equal(t, float32(6), x.At(1, 2))
	x.Set(7, 1, 2)
	assert.Equal(t, float32(7), x.At(1, 2))

	clone := x.Clone()
	clone.Set(0, 0, 0)
	assert.Equal(t, float32(1), x.At(0, 0))

	fromAny := must.M1(FromAny([][]int{{1, 2, 3}, {4, 5, 6}}))
	assert.True(t, fromAny.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))

	_, err := FromFlatAndDimensions([]float32{1, 2}, 3)
	require.Error(t, err)
	assert.Panics(t, func() { New(shapes.Make(dtypes.Int32, 2)) })
}

func TestMatMulAndTranspose(t *testing.T) {
	a := must.M1(FromAny([][]float32{{1, 2}, {3, 4}, {5, 6}}))
	b := must.M1(FromAny([][]float32{{7, 8, 9}, {10, 11, 12}}))
	c := must.M1(MatMul(a, b))
	want := must.M1(FromAny([][]float32{{27, 30, 33}, {61, 68, 75}, {95, 106, 117}}))
	assert.True(t, c.Equal(want))

	at := must.M1(Transpose(a))
	assert.Equal(t, []int{2, 3}, at.Shape().Dimensions)
	assert.Equal(t, float32(6), at.At(1, 2))

	_, err := MatMul(a, a)
	require.Error(t, err)
}

func TestSplitAndConcatRoundTrip(t *testing.T) {
	x := must.M1(FromAny([][]float32{{0, 1, 2, 3}, {4, 5, 6, 7}}))
	for _, axis := range []int{0, 1, -1} {
		parts := must.M1(Split(x, axis, 2))
		require.Len(t, parts, 2)
		back := must.M1(Concat(parts, axis))
		assert.True(t, back.Equal(x), "axis %d", axis)
	}

	parts := must.M1(Split(x, -1, 2))
	assert.Equal(t, []float32{0, 1, 4, 5}, parts[0].Flat())
	assert.Equal(t, []float32{2, 3, 6, 7}, parts[1].Flat())

	_, err := Split(x, 1, 3)
	require.Error(t, err)
	_, err = Concat([]*Tensor{x, must.M1(FromFlatAndDimensions([]float32{0, 0, 0}, 1, 3))}, 0)
	require.Error(t, err)
}

func TestBiasSumAndScalar(t *testing.T) {
	x := must.M1(FromAny([][]float32{{1, 2}, {3, 4}}))
	bias := must.M1(FromAny([]float32{10, 20}))
	withBias := must.M1(AddBias(x, bias))
	assert.Equal(t, []float32{11, 22, 13, 24}, withBias.Flat())

	total := must.M1(Sum(x, x, x))
	assert.Equal(t, []float32{3, 6, 9, 12}, total.Flat())

	scaled := MulScalar(x, 0.5)
	assert.Equal(t, []float32{0.5, 1, 1.5, 2}, scaled.Flat())
}

func TestGatherAndZeroRows(t *testing.T) {
	table := must.M1(FromAny([][]float32{{0, 0}, {1, 1}, {2, 2}}))
	rows := must.M1(GatherRows(table, []int{2, 0, 2}))
	assert.Equal(t, []float32{2, 2, 0, 0, 2, 2}, rows.Flat())

	_, err := GatherRows(table, []int{3})
	require.Error(t, err)

	require.NoError(t, ZeroRows(rows, []bool{false, true, false}))
	assert.Equal(t, []float32{2, 2, 0, 0, 2, 2}, rows.Flat())
	require.NoError(t, ZeroRows(rows, []bool{true, false, false}))
	assert.Equal(t, []float32{0, 0, 0, 0, 2, 2}, rows.Flat())
}

func TestConvertDType(t *testing.T) {
	// 0.1 is not representable in half precision: rounding must change the value.
	x := must.M1(FromFlatAndDimensions([]float32{0.1, 1, -2.5}, 3))
	f16 := must.M1(ConvertDType(x, dtypes.Float16))
	assert.Equal(t, dtypes.Float16, f16.DType())
	assert.NotEqual(t, x.Flat()[0], f16.Flat()[0])
	assert.InDelta(t, 0.1, f16.Flat()[0], 1e-3)
	assert.Equal(t, float32(1), f16.Flat()[1])
	assert.Equal(t, float32(-2.5), f16.Flat()[2])

	bf16 := must.M1(ConvertDType(x, dtypes.BFloat16))
	assert.Equal(t, dtypes.BFloat16, bf16.DType())
	assert.InDelta(t, 0.1, bf16.Flat()[0], 1e-2)

	_, err := ConvertDType(x, dtypes.Int64)
	require.Error(t, err)
}
