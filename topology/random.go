package topology

import "math/rand"

// RandomForest generates records for n subbasins spread
// over the given number of outlets, with no node having
// more than maxUpstream tributaries.
//
// Ids are a random permutation of 1..n, so they carry no
// drainage order. Layer orders are left for Build.
func RandomForest(rng *rand.Rand, n, outlets, maxUpstream int) []Record {
	if outlets < 1 || outlets > n || maxUpstream < 1 {
		panic("invalid forest shape")
	}
	ids := rng.Perm(n)
	records := make([]Record, n)
	fanIn := make([]int, n)
	var open []int
	for i := range records {
		records[i].ID = ids[i] + 1
		if i >= outlets {
			k := rng.Intn(len(open))
			down := open[k]
			records[i].DownstreamID = records[down].ID
			fanIn[down]++
			if fanIn[down] == maxUpstream {
				open[k] = open[len(open)-1]
				open = open[:len(open)-1]
			}
		}
		open = append(open, i)
	}
	return records
}
