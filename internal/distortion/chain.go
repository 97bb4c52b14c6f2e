package distortion

import (
	"encoding/binary"
	"fmt"

	"dedistort/internal/mono"
)

// Chain is an ordered, immutable sequence of correction maps. Applying a
// chain composes the warps in order; it never sums the fields, because each
// map was measured on the image produced by the previous correction.
type Chain struct {
	maps []*Map
}

// NewChain builds a chain over the given maps. The slice is copied.
func NewChain(maps ...*Map) *Chain {
	owned := make([]*Map, len(maps))
	copy(owned, maps)
	return &Chain{maps: owned}
}

// Append returns a new chain with m added at the end. The receiver is left
// unchanged.
func (c *Chain) Append(m *Map) *Chain {
	owned := make([]*Map, len(c.maps)+1)
	copy(owned, c.maps)
	owned[len(c.maps)] = m
	return &Chain{maps: owned}
}

// Len returns the number of maps in the chain.
func (c *Chain) Len() int { return len(c.maps) }

// Map returns the i-th map of the chain.
func (c *Chain) Map(i int) *Map { return c.maps[i] }

// Maps returns a copy of the ordered map list.
func (c *Chain) Maps() []*Map {
	out := make([]*Map, len(c.maps))
	copy(out, c.maps)
	return out
}

// Apply warps img through every map of the chain in order and returns the
// final image. An empty chain returns the input unchanged.
func (c *Chain) Apply(img *mono.Image, interp mono.Interpolation) *mono.Image {
	for _, m := range c.maps {
		img = mono.Warp(img, m, interp)
	}
	return img
}

// MarshalBinary encodes the chain as [int32 version][int32 count] followed
// by a length-prefixed map blob per entry, all little-endian.
func (c *Chain) MarshalBinary() ([]byte, error) {
	blobs := make([][]byte, len(c.maps))
	total := 8
	for i, m := range c.maps {
		blob, err := m.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("distortion: encoding chain map %d: %w", i, err)
		}
		blobs[i] = blob
		total += 4 + len(blob)
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:], FormatVersion)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(c.maps)))
	off := 8
	for _, blob := range blobs {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(blob)))
		off += 4
		copy(buf[off:], blob)
		off += len(blob)
	}
	return buf, nil
}

// UnmarshalChain decodes a chain blob produced by MarshalBinary.
func UnmarshalChain(data []byte) (*Chain, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("distortion: chain blob truncated at %d bytes", len(data))
	}
	version := int(binary.LittleEndian.Uint32(data[0:]))
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, FormatVersion)
	}
	count := int(binary.LittleEndian.Uint32(data[4:]))
	if count < 0 {
		return nil, fmt.Errorf("distortion: invalid chain map count %d", count)
	}

	maps := make([]*Map, 0, count)
	off := 8
	for i := 0; i < count; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("distortion: chain blob truncated before map %d", i)
		}
		blobLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if blobLen < 0 || off+blobLen > len(data) {
			return nil, fmt.Errorf("distortion: chain map %d overruns blob (%d bytes at offset %d)", i, blobLen, off)
		}
		m, err := UnmarshalMap(data[off : off+blobLen])
		if err != nil {
			return nil, fmt.Errorf("distortion: decoding chain map %d: %w", i, err)
		}
		maps = append(maps, m)
		off += blobLen
	}
	return &Chain{maps: maps}, nil
}
