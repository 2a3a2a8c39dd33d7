package partition

import (
	"crypto/md5"
	"encoding/binary"
	"math"

	"github.com/unixpickle/basinsched/topology"
	"github.com/unixpickle/essentials"
)

// DefaultRingPoints is the number of points each site gets
// on a Ring built by ByConsistentHash.
const DefaultRingPoints = 64

// A Ring assigns integer keys to sites by consistent
// hashing.
type Ring struct {
	points []ringPoint
}

// A ringPoint is one point around a circle with a
// circumference of one.
type ringPoint struct {
	site     int
	position float64
}

// NewRing places numPoints points for each of sites sites
// on the circle.
func NewRing(sites, numPoints int) *Ring {
	r := &Ring{}
	buf := make([]byte, 16)
	for site := 0; site < sites; site++ {
		for i := 0; i < numPoints; i++ {
			binary.LittleEndian.PutUint64(buf, uint64(i))
			binary.LittleEndian.PutUint64(buf[8:], uint64(site))
			r.points = append(r.points, ringPoint{site: site, position: floatHash(buf)})
		}
	}
	essentials.VoodooSort(r.points, func(i, j int) bool {
		return r.points[i].position < r.points[j].position
	})
	return r
}

// Site returns the site that owns a key, or -1 for an
// empty ring.
func (r *Ring) Site(key int) int {
	if len(r.points) == 0 {
		return -1
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	pos := floatHash(buf[:])
	for _, point := range r.points {
		if point.position > pos {
			return point.site
		}
	}
	return r.points[0].site
}

// ByConsistentHash spreads subbasins over workers by
// hashing their ids. Groups ignore the drainage structure,
// so most edges cross workers.
func ByConsistentHash(workers int) GroupFunc {
	ring := NewRing(workers, DefaultRingPoints)
	return func(n *topology.Node) (int, error) {
		return ring.Site(n.ID), nil
	}
}

// floatHash hashes data into a number in [0, 1).
func floatHash(data []byte) float64 {
	digest := md5.Sum(data)
	number := binary.LittleEndian.Uint64(digest[:8])
	return math.Min(math.Nextafter(1, -1), float64(number)/math.Pow(2, 64))
}
