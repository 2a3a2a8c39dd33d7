package tasktable

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"
)

const (
	packRaw byte = iota
	packLZ4
)

const packHeader = 5

// maxExpansion bounds how many bytes one byte of an LZ4
// block can decode to.
const maxExpansion = 255

// Pack encodes t for the broadcast: a method byte, the
// uncompressed length and an LZ4 block of MarshalBinary's
// output. Mostly empty tables shrink to a fraction of their
// raw size.
func Pack(t *Table) ([]byte, error) {
	raw, err := t.MarshalBinary()
	if err != nil {
		return nil, err
	}
	dst := make([]byte, packHeader+lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst[packHeader:], nil)
	if err != nil {
		return nil, eris.Wrap(err, "compress task table")
	}
	if n == 0 || n >= len(raw) {
		// Incompressible.
		dst = append(dst[:packHeader], raw...)
		dst[0] = packRaw
	} else {
		dst = dst[:packHeader+n]
		dst[0] = packLZ4
	}
	binary.LittleEndian.PutUint32(dst[1:], uint32(len(raw)))
	return dst, nil
}

// Unpack decodes a payload written by Pack.
func Unpack(data []byte) (*Table, error) {
	if len(data) < packHeader {
		return nil, eris.Wrapf(ErrMalformedTable, "packed payload of %d bytes", len(data))
	}
	size := int(binary.LittleEndian.Uint32(data[1:]))
	body := data[packHeader:]
	var raw []byte
	switch data[0] {
	case packRaw:
		raw = body
	case packLZ4:
		if size > maxExpansion*len(body)+16 {
			return nil, eris.Wrapf(ErrMalformedTable, "%d compressed bytes cannot hold %d bytes",
				len(body), size)
		}
		raw = make([]byte, size)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, eris.Wrapf(ErrMalformedTable, "decompress: %v", err)
		}
		raw = raw[:n]
	default:
		return nil, eris.Wrapf(ErrMalformedTable, "unknown packing %d", data[0])
	}
	if len(raw) != size {
		return nil, eris.Wrapf(ErrMalformedTable, "expected %d bytes, got %d", size, len(raw))
	}
	var t Table
	if err := t.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &t, nil
}
