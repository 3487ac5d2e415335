package utils

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// DTypeShortName returns the short lowercase name of the dtype used when printing
// shapes and tensors, e.g. "f32[4, 2]".
func DTypeShortName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.F64:
		return "f64"
	case dtypes.F32:
		return "f32"
	case dtypes.F16:
		return "f16"
	case dtypes.BFloat16:
		return "bf16"
	case dtypes.S64:
		return "i64"
	case dtypes.S32:
		return "i32"
	case dtypes.Bool:
		return "i1"
	default:
		return fmt.Sprintf("dtype(%s)", dtype)
	}
}
