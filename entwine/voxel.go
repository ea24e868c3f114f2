/*
	Point records and the buffers that hold them.  A Voxel pairs a decoded
	coordinate with the raw bytes of one point record; a MemBlock is a
	bump-allocated arena of fixed-width record slots; a PointTable is a flat
	record buffer handed to the chunk codecs.
*/

package entwine

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Layout assigns byte offsets to a schema's dimensions.
type Layout struct {
	schema     Schema
	offsets    []uint64
	pointSize  uint64
	xi, yi, zi int
	so         ScaleOffset
}

// NewLayout validates the schema and computes field offsets.  The schema
// must carry X, Y, and Z dimensions.
func NewLayout(s Schema) (*Layout, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	l := &Layout{
		schema:  s,
		offsets: make([]uint64, len(s)),
		xi:      s.Find("X"),
		yi:      s.Find("Y"),
		zi:      s.Find("Z"),
		so:      ScaleOffset{Scale: r3.Vector{X: 1, Y: 1, Z: 1}},
	}
	if l.xi < 0 || l.yi < 0 || l.zi < 0 {
		return nil, errors.New("schema lacks X/Y/Z dimensions")
	}
	var offset uint64
	for i, d := range s {
		l.offsets[i] = offset
		offset += d.Size
	}
	l.pointSize = offset
	if so := s.GetScaleOffset(); so != nil {
		l.so = *so
	}
	return l, nil
}

func (l *Layout) Schema() Schema    { return l.schema }
func (l *Layout) PointSize() uint64 { return l.pointSize }

// FindDim returns the index of the named dimension, or -1.
func (l *Layout) FindDim(name string) int { return l.schema.Find(name) }

// SetValue encodes v into the dimension's field of the given record.
func (l *Layout) SetValue(row []byte, dim int, v float64) {
	d := l.schema[dim]
	field := row[l.offsets[dim] : l.offsets[dim]+d.Size]
	switch d.Type {
	case "float":
		if d.Size == 4 {
			binary.LittleEndian.PutUint32(field, math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint64(field, math.Float64bits(v))
		}
	default:
		l.SetInteger(row, dim, int64(v))
	}
}

// SetInteger encodes an integer value into the dimension's field.
func (l *Layout) SetInteger(row []byte, dim int, v int64) {
	d := l.schema[dim]
	field := row[l.offsets[dim] : l.offsets[dim]+d.Size]
	switch d.Size {
	case 1:
		field[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(field, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(field, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(field, uint64(v))
	}
}

// GetValue decodes the dimension's field of the given record.
func (l *Layout) GetValue(row []byte, dim int) float64 {
	d := l.schema[dim]
	field := row[l.offsets[dim] : l.offsets[dim]+d.Size]
	switch d.Type {
	case "float":
		if d.Size == 4 {
			return float64(math.Float32frombits(
				binary.LittleEndian.Uint32(field)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(field))
	default:
		return float64(l.GetInteger(row, dim))
	}
}

// GetInteger decodes the dimension's field as an integer.  Signed
// dimensions sign-extend.
func (l *Layout) GetInteger(row []byte, dim int) int64 {
	d := l.schema[dim]
	field := row[l.offsets[dim] : l.offsets[dim]+d.Size]
	var u uint64
	switch d.Size {
	case 1:
		u = uint64(field[0])
	case 2:
		u = uint64(binary.LittleEndian.Uint16(field))
	case 4:
		u = uint64(binary.LittleEndian.Uint32(field))
	case 8:
		u = binary.LittleEndian.Uint64(field)
	}
	if d.Type == "signed" {
		shift := 64 - d.Size*8
		return int64(u<<shift) >> shift
	}
	return int64(u)
}

// SetPosition writes p into the record's coordinate fields.  Integer
// coordinate dimensions quantize onto the layout's lattice; the returned
// coordinate is the stored one, which is what descent keys and mid-distance
// comparisons should use.
func (l *Layout) SetPosition(row []byte, p r3.Vector) r3.Vector {
	if l.schema[l.xi].Type == "float" {
		l.SetValue(row, l.xi, p.X)
		l.SetValue(row, l.yi, p.Y)
		l.SetValue(row, l.zi, p.Z)
		return p
	}
	x, y, z := l.so.Forward(p)
	l.SetInteger(row, l.xi, x)
	l.SetInteger(row, l.yi, y)
	l.SetInteger(row, l.zi, z)
	return l.so.Backward(x, y, z)
}

// GetPosition decodes the record's coordinate fields.
func (l *Layout) GetPosition(row []byte) r3.Vector {
	if l.schema[l.xi].Type == "float" {
		return r3.Vector{
			X: l.GetValue(row, l.xi),
			Y: l.GetValue(row, l.yi),
			Z: l.GetValue(row, l.zi),
		}
	}
	return l.so.Backward(
		l.GetInteger(row, l.xi),
		l.GetInteger(row, l.yi),
		l.GetInteger(row, l.zi))
}

// Voxel pairs a decoded coordinate with the raw bytes of one point record.
// The data slice may alias a shared buffer: a reader batch row, a chunk grid
// slot, or an overflow arena slot.
type Voxel struct {
	point r3.Vector
	data  []byte
}

func (v *Voxel) Point() r3.Vector     { return v.point }
func (v *Voxel) Data() []byte         { return v.data }
func (v *Voxel) SetData(data []byte)  { v.data = data }
func (v *Voxel) SetPoint(p r3.Vector) { v.point = p }

// InitShallow aliases the voxel over an existing record buffer.
func (v *Voxel) InitShallow(point r3.Vector, data []byte) {
	v.point = point
	v.data = data
}

// InitDeep copies src into the voxel's own slot.
func (v *Voxel) InitDeep(point r3.Vector, src []byte) {
	v.point = point
	copy(v.data, src)
}

// SwapDeep exchanges payloads and points with another voxel.  Both data
// slices must be the same width.
func (v *Voxel) SwapDeep(o *Voxel) {
	for i := range v.data {
		v.data[i], o.data[i] = o.data[i], v.data[i]
	}
	v.point, o.point = o.point, v.point
}

// MemBlock is a bump-allocated arena of fixed-width record slots.  Slots are
// handed out in order and never freed individually; the arena is dropped as
// a whole when its chunk is serialized.
type MemBlock struct {
	pointSize      uint64
	pointsPerBlock uint64
	blocks         [][]byte
	count          uint64
}

func NewMemBlock(pointSize, pointsPerBlock uint64) *MemBlock {
	return &MemBlock{pointSize: pointSize, pointsPerBlock: pointsPerBlock}
}

// Next returns the next unused slot.
func (m *MemBlock) Next() []byte {
	i := m.count % m.pointsPerBlock
	if i == 0 {
		m.blocks = append(m.blocks, make([]byte, m.pointSize*m.pointsPerBlock))
	}
	m.count++
	block := m.blocks[len(m.blocks)-1]
	return block[i*m.pointSize : (i+1)*m.pointSize]
}

// Size returns the number of slots handed out.
func (m *MemBlock) Size() uint64 { return m.count }

// ForEach visits every used slot in allocation order.
func (m *MemBlock) ForEach(fn func(row []byte)) {
	remaining := m.count
	for _, block := range m.blocks {
		n := m.pointsPerBlock
		if remaining < n {
			n = remaining
		}
		for i := uint64(0); i < n; i++ {
			fn(block[i*m.pointSize : (i+1)*m.pointSize])
		}
		remaining -= n
	}
}

// PointTable is a flat buffer of point records, the unit handed to chunk
// codecs and reader batches.
type PointTable struct {
	layout *Layout
	data   []byte
}

func NewPointTable(layout *Layout, np uint64) *PointTable {
	return &PointTable{
		layout: layout,
		data:   make([]byte, np*layout.PointSize()),
	}
}

// PointTableFromBytes wraps decoded record bytes.  The byte length must be a
// whole number of records.
func PointTableFromBytes(layout *Layout, data []byte) (*PointTable, error) {
	if uint64(len(data))%layout.PointSize() != 0 {
		return nil, errors.Errorf(
			"point buffer length %d is not a multiple of point size %d",
			len(data), layout.PointSize())
	}
	return &PointTable{layout: layout, data: data}, nil
}

func (t *PointTable) Layout() *Layout { return t.layout }
func (t *PointTable) Bytes() []byte   { return t.data }

// Np returns the number of records in the table.
func (t *PointTable) Np() uint64 {
	return uint64(len(t.data)) / t.layout.PointSize()
}

// Row returns the i'th record.
func (t *PointTable) Row(i uint64) []byte {
	size := t.layout.PointSize()
	return t.data[i*size : (i+1)*size]
}

// Append copies every used slot of the arena onto the end of the table.
func (t *PointTable) Append(m *MemBlock) {
	m.ForEach(func(row []byte) {
		t.data = append(t.data, row...)
	})
}
