package collcomm

import (
	"math"

	"github.com/unixpickle/basinsched/simulator"
)

// FlopTime is the virtual time charged for one
// floating-point operation in a reduction.
const FlopTime = 1e-9

// A ReduceFn combines equal-length vectors into one.
type ReduceFn func(h *simulator.Handle, vecs ...[]float64) []float64

// Sum adds vectors element-wise.
func Sum(h *simulator.Handle, vecs ...[]float64) []float64 {
	return elementwise(h, vecs, func(acc, x float64) float64 { return acc + x })
}

// Max takes the element-wise maximum.
func Max(h *simulator.Handle, vecs ...[]float64) []float64 {
	return elementwise(h, vecs, math.Max)
}

func elementwise(h *simulator.Handle, vecs [][]float64, f func(acc, x float64) float64) []float64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := append([]float64{}, vecs[0]...)
	for _, v := range vecs[1:] {
		for i, x := range v {
			res[i] = f(res[i], x)
		}
	}
	h.Sleep(FlopTime * float64(len(vecs)*len(vecs[0])))
	return res
}
