package partition

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Balance summarizes how evenly subbasins are spread over
// the ranks.
type Balance struct {
	Min, Max  float64
	Mean      float64
	StdDev    float64
	Imbalance float64 // Max / Mean
}

// ComputeBalance measures group sizes.
func ComputeBalance(p *Partition) Balance {
	sizes := make([]float64, len(p.Members))
	for i, m := range p.Members {
		sizes[i] = float64(len(m))
	}
	b := Balance{
		Min:  floats.Min(sizes),
		Max:  floats.Max(sizes),
		Mean: stat.Mean(sizes, nil),
	}
	if len(sizes) > 1 {
		b.StdDev = stat.StdDev(sizes, nil)
	}
	if b.Mean > 0 {
		b.Imbalance = b.Max / b.Mean
	}
	return b
}

func (b Balance) String() string {
	return fmt.Sprintf("min=%.0f max=%.0f mean=%.2f stddev=%.2f imbalance=%.3f",
		b.Min, b.Max, b.Mean, b.StdDev, b.Imbalance)
}
