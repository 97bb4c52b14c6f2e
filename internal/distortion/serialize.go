package distortion

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// FormatVersion is the current serialization format for maps and chains.
// Both blobs are little-endian regardless of host byte order.
const FormatVersion = 1

// ErrUnsupportedVersion is returned when a blob carries a format version
// this build does not understand. There is no partial recovery.
var ErrUnsupportedVersion = errors.New("distortion: unsupported format version")

const mapHeaderSize = 5 * 4

// MarshalBinary encodes the map as
// [int32 version][int32 step][int32 tileSize][int32 rows][int32 cols]
// followed by rows*cols little-endian (dx, dy) float64 pairs in row-major
// order.
func (m *Map) MarshalBinary() ([]byte, error) {
	buf := make([]byte, mapHeaderSize+m.rows*m.cols*16)
	binary.LittleEndian.PutUint32(buf[0:], FormatVersion)
	binary.LittleEndian.PutUint32(buf[4:], uint32(m.step))
	binary.LittleEndian.PutUint32(buf[8:], uint32(m.tileSize))
	binary.LittleEndian.PutUint32(buf[12:], uint32(m.rows))
	binary.LittleEndian.PutUint32(buf[16:], uint32(m.cols))
	off := mapHeaderSize
	for i := 0; i < m.rows*m.cols; i++ {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(m.dx[i]))
		binary.LittleEndian.PutUint64(buf[off+8:], math.Float64bits(m.dy[i]))
		off += 16
	}
	return buf, nil
}

// UnmarshalMap decodes a map blob produced by MarshalBinary. The covered
// image size is reconstructed from the grid geometry; the sampled mask is
// not part of the format, so every cell of a loaded map counts as sampled.
func UnmarshalMap(data []byte) (*Map, error) {
	if len(data) < mapHeaderSize {
		return nil, fmt.Errorf("distortion: map blob truncated at %d bytes", len(data))
	}
	version := int(binary.LittleEndian.Uint32(data[0:]))
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, FormatVersion)
	}
	step := int(int32(binary.LittleEndian.Uint32(data[4:])))
	tileSize := int(int32(binary.LittleEndian.Uint32(data[8:])))
	rows := int(int32(binary.LittleEndian.Uint32(data[12:])))
	cols := int(int32(binary.LittleEndian.Uint32(data[16:])))
	if step <= 0 || rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("distortion: invalid map geometry step=%d rows=%d cols=%d", step, rows, cols)
	}
	want := mapHeaderSize + rows*cols*16
	if len(data) != want {
		return nil, fmt.Errorf("distortion: map blob is %d bytes, want %d", len(data), want)
	}

	m := &Map{
		width:    max((cols-1)*step-tileSize, 0),
		height:   max((rows-1)*step-tileSize, 0),
		tileSize: tileSize,
		step:     step,
		cols:     cols,
		rows:     rows,
		dx:       make([]float64, cols*rows),
		dy:       make([]float64, cols*rows),
		sampled:  make([]bool, cols*rows),
		tileErrs: map[int]*TileErrorGrid{},
	}
	off := mapHeaderSize
	for i := 0; i < rows*cols; i++ {
		m.dx[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		m.dy[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off+8:]))
		m.sampled[i] = true
		off += 16
	}
	return m, nil
}
