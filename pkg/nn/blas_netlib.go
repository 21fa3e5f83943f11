//go:build netlib

package nn

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// Building with the netlib tag routes every Gemm through the system
// CBLAS (OpenBLAS, ATLAS, Accelerate), which is considerably faster
// than the pure Go kernels on large batches.
func init() {
	blas32.Use(netlib.Implementation{})
}
