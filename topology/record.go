package topology

import (
	"context"
	"os"
	"sort"

	"github.com/ghodss/yaml"
	"github.com/rotisserie/eris"
)

// A Record is one row of reach data as delivered by a
// data source.
//
// A DownstreamID of zero or below marks an outlet. Reach
// tables commonly use 0 or -1 for this.
//
// A zero layer order means "not precomputed"; Build fills
// it in from the drainage structure.
type Record struct {
	ID           int `json:"id"`
	DownstreamID int `json:"downstream"`
	UpDownOrder  int `json:"upDownOrder,omitempty"`
	DownUpOrder  int `json:"downUpOrder,omitempty"`

	// Groups holds externally computed group indices,
	// keyed by method name (e.g. "kmetis") and then by
	// the group count they were computed for.
	Groups map[string]map[int]int `json:"groups,omitempty"`
}

// A Source produces reach records.
type Source interface {
	Records(ctx context.Context) ([]Record, error)
}

// StaticSource serves a fixed slice of records.
type StaticSource []Record

// Records returns a copy of the records.
func (s StaticSource) Records(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]Record{}, s...), nil
}

// A FileSource reads records from a YAML or JSON file of
// the form:
//
//	reaches:
//	  - id: 1
//	    downstream: 3
//	  - id: 2
//	    downstream: 3
//	  - id: 3
//	    downstream: 0
type FileSource struct {
	Path string
}

type recordFile struct {
	Reaches []Record `json:"reaches"`
}

// Records loads and decodes the file.
func (f FileSource) Records(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "read reach file %s", f.Path)
	}
	return ParseRecords(data)
}

// ParseRecords decodes the FileSource format.
func ParseRecords(data []byte) ([]Record, error) {
	var file recordFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "decode reach records")
	}
	if len(file.Reaches) == 0 {
		return nil, eris.New("reach file contains no records")
	}
	return file.Reaches, nil
}

// MarshalRecords encodes records in the FileSource format,
// sorted by id.
func MarshalRecords(records []Record) ([]byte, error) {
	sorted := append([]Record{}, records...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})
	return yaml.Marshal(recordFile{Reaches: sorted})
}
