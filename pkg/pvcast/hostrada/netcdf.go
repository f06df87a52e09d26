package hostrada

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Minimal reader for the NetCDF classic format (CDF-1 and CDF-2), covering
// what the HOSTRADA grids need: header decoding, 2-D coordinate arrays, and
// per-record point extraction from a (time, y, x) variable. Values are
// big-endian; names and attribute payloads are padded to 4-byte boundaries.

const (
	ncDimension = 0x0A
	ncVariable  = 0x0B
	ncAttribute = 0x0C

	ncByte   = 1
	ncChar   = 2
	ncShort  = 3
	ncInt    = 4
	ncFloat  = 5
	ncDouble = 6
)

var typeSizes = map[int32]int64{
	ncByte: 1, ncChar: 1, ncShort: 2, ncInt: 4, ncFloat: 4, ncDouble: 8,
}

type ncDim struct {
	name   string
	length int64 // 0 marks the record dimension
}

// ncVar is one variable from the file header.
type ncVar struct {
	file     *ncFile
	Name     string
	Type     int32
	dimIDs   []int32
	attrs    map[string]ncAttr
	vsize    int64
	begin    int64
	isRecord bool
}

type ncAttr struct {
	str  string
	nums []float64
}

// ncFile is a decoded NetCDF classic file over a random-access reader.
type ncFile struct {
	r       io.ReaderAt
	dims    []ncDim
	vars    map[string]*ncVar
	numRecs int64
	recSize int64
}

// openNetCDF decodes the header of a NetCDF classic file.
func openNetCDF(r io.ReaderAt, size int64) (*ncFile, error) {
	d := &headerDecoder{r: io.NewSectionReader(r, 0, size)}

	magic := d.bytes(4)
	if d.err != nil {
		return nil, fmt.Errorf("failed to read magic: %v", d.err)
	}
	if string(magic[:3]) != "CDF" {
		return nil, fmt.Errorf("not a NetCDF classic file (magic %q)", magic[:3])
	}
	version := magic[3]
	if version != 1 && version != 2 {
		return nil, fmt.Errorf("unsupported NetCDF version byte %d", version)
	}

	f := &ncFile{r: r, vars: make(map[string]*ncVar)}
	f.numRecs = int64(d.int32())

	// Dimension list.
	tag, nelems := d.tagList()
	if tag != 0 && tag != ncDimension {
		return nil, fmt.Errorf("unexpected tag %#x in dimension list", tag)
	}
	for i := int32(0); i < nelems; i++ {
		name := d.name()
		length := int64(d.int32())
		f.dims = append(f.dims, ncDim{name: name, length: length})
	}

	// Global attributes are skipped; nothing downstream needs them.
	if _, err := d.attrList(); err != nil {
		return nil, err
	}

	// Variable list.
	tag, nelems = d.tagList()
	if tag != 0 && tag != ncVariable {
		return nil, fmt.Errorf("unexpected tag %#x in variable list", tag)
	}
	for i := int32(0); i < nelems; i++ {
		v := &ncVar{file: f, attrs: make(map[string]ncAttr)}
		v.Name = d.name()
		ndims := d.int32()
		for j := int32(0); j < ndims; j++ {
			v.dimIDs = append(v.dimIDs, d.int32())
		}
		attrs, err := d.attrList()
		if err != nil {
			return nil, err
		}
		v.attrs = attrs
		v.Type = d.int32()
		v.vsize = int64(d.int32())
		if version == 2 {
			v.begin = d.int64()
		} else {
			v.begin = int64(d.int32())
		}
		if len(v.dimIDs) > 0 && f.dims[v.dimIDs[0]].length == 0 {
			v.isRecord = true
			f.recSize += v.vsize
		}
		f.vars[v.Name] = v
	}
	if d.err != nil {
		return nil, fmt.Errorf("truncated NetCDF header: %v", d.err)
	}
	return f, nil
}

// Var returns the named variable, or an error naming what is present.
func (f *ncFile) Var(name string) (*ncVar, error) {
	v, ok := f.vars[name]
	if !ok {
		names := make([]string, 0, len(f.vars))
		for n := range f.vars {
			names = append(names, n)
		}
		return nil, fmt.Errorf("variable %q not in file (have %v)", name, names)
	}
	return v, nil
}

// Shape returns the variable's dimension lengths, with the record dimension
// resolved to the file's record count.
func (v *ncVar) Shape() []int64 {
	shape := make([]int64, len(v.dimIDs))
	for i, id := range v.dimIDs {
		length := v.file.dims[id].length
		if length == 0 {
			length = v.file.numRecs
		}
		shape[i] = length
	}
	return shape
}

// StrAttr returns a character attribute's value.
func (v *ncVar) StrAttr(name string) (string, bool) {
	a, ok := v.attrs[name]
	if !ok {
		return "", false
	}
	return a.str, true
}

func (v *ncVar) numAttr(name string) (float64, bool) {
	a, ok := v.attrs[name]
	if !ok || len(a.nums) == 0 {
		return 0, false
	}
	return a.nums[0], true
}

// ReadAll reads a non-record variable in full, applying scale_factor,
// add_offset and _FillValue (fill becomes NaN).
func (v *ncVar) ReadAll() ([]float64, error) {
	if v.isRecord {
		return nil, fmt.Errorf("variable %q is a record variable", v.Name)
	}
	n := int64(1)
	for _, length := range v.Shape() {
		n *= length
	}
	tsize := typeSizes[v.Type]
	raw := make([]byte, n*tsize)
	if _, err := v.file.r.ReadAt(raw, v.begin); err != nil {
		return nil, fmt.Errorf("failed to read variable %q: %v", v.Name, err)
	}

	out := make([]float64, n)
	for i := int64(0); i < n; i++ {
		out[i] = v.convert(raw[i*tsize : (i+1)*tsize])
	}
	return out, nil
}

// ReadRecordScalars reads a 1-D record variable (one scalar per record),
// such as a time axis.
func (v *ncVar) ReadRecordScalars() ([]float64, error) {
	if !v.isRecord || len(v.dimIDs) != 1 {
		return nil, fmt.Errorf("variable %q is not a 1-D record variable", v.Name)
	}
	tsize := typeSizes[v.Type]
	buf := make([]byte, tsize)
	out := make([]float64, v.file.numRecs)
	for rec := int64(0); rec < v.file.numRecs; rec++ {
		if _, err := v.file.r.ReadAt(buf, v.begin+rec*v.file.recSize); err != nil {
			return nil, fmt.Errorf("failed to read %q record %d: %v", v.Name, rec, err)
		}
		out[rec] = v.convert(buf)
	}
	return out, nil
}

// ReadPointSeries extracts the value at (y, x) for every record of a
// (time, y, x) record variable.
func (v *ncVar) ReadPointSeries(y, x int64) ([]float64, error) {
	if !v.isRecord || len(v.dimIDs) != 3 {
		return nil, fmt.Errorf("variable %q is not a (time, y, x) record variable", v.Name)
	}
	shape := v.Shape()
	if y < 0 || y >= shape[1] || x < 0 || x >= shape[2] {
		return nil, fmt.Errorf("point (%d, %d) outside grid %dx%d", y, x, shape[1], shape[2])
	}

	tsize := typeSizes[v.Type]
	inner := (y*shape[2] + x) * tsize
	buf := make([]byte, tsize)
	out := make([]float64, v.file.numRecs)
	for rec := int64(0); rec < v.file.numRecs; rec++ {
		offset := v.begin + rec*v.file.recSize + inner
		if _, err := v.file.r.ReadAt(buf, offset); err != nil {
			return nil, fmt.Errorf("failed to read %q record %d: %v", v.Name, rec, err)
		}
		out[rec] = v.convert(buf)
	}
	return out, nil
}

func (v *ncVar) convert(raw []byte) float64 {
	var val float64
	switch v.Type {
	case ncByte:
		val = float64(int8(raw[0]))
	case ncChar:
		val = float64(raw[0])
	case ncShort:
		val = float64(int16(binary.BigEndian.Uint16(raw)))
	case ncInt:
		val = float64(int32(binary.BigEndian.Uint32(raw)))
	case ncFloat:
		val = float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))
	case ncDouble:
		val = math.Float64frombits(binary.BigEndian.Uint64(raw))
	}
	if fill, ok := v.numAttr("_FillValue"); ok && val == fill {
		return math.NaN()
	}
	if scale, ok := v.numAttr("scale_factor"); ok {
		val *= scale
	}
	if offset, ok := v.numAttr("add_offset"); ok {
		val += offset
	}
	return val
}

// headerDecoder walks the header sequentially, latching the first error.
type headerDecoder struct {
	r   *io.SectionReader
	err error
}

func (d *headerDecoder) bytes(n int64) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.err = err
	}
	return buf
}

func (d *headerDecoder) int32() int32 {
	return int32(binary.BigEndian.Uint32(d.bytes(4)))
}

func (d *headerDecoder) int64() int64 {
	return int64(binary.BigEndian.Uint64(d.bytes(8)))
}

func pad4(n int64) int64 {
	if r := n % 4; r != 0 {
		return n + 4 - r
	}
	return n
}

func (d *headerDecoder) name() string {
	n := int64(d.int32())
	raw := d.bytes(pad4(n))
	return string(raw[:n])
}

// tagList reads a (tag, nelems) pair heading each header list. An absent
// list is encoded as two zero words.
func (d *headerDecoder) tagList() (int32, int32) {
	tag := d.int32()
	nelems := d.int32()
	return tag, nelems
}

func (d *headerDecoder) attrList() (map[string]ncAttr, error) {
	tag, nelems := d.tagList()
	if tag != 0 && tag != ncAttribute {
		return nil, fmt.Errorf("unexpected tag %#x in attribute list", tag)
	}
	attrs := make(map[string]ncAttr, nelems)
	for i := int32(0); i < nelems; i++ {
		name := d.name()
		atype := d.int32()
		count := int64(d.int32())
		tsize, ok := typeSizes[atype]
		if !ok {
			return nil, fmt.Errorf("attribute %q has unknown type %d", name, atype)
		}
		raw := d.bytes(pad4(count * tsize))

		var attr ncAttr
		if atype == ncChar {
			attr.str = string(raw[:count])
		} else {
			attr.nums = make([]float64, count)
			for j := int64(0); j < count; j++ {
				chunk := raw[j*tsize : (j+1)*tsize]
				switch atype {
				case ncByte:
					attr.nums[j] = float64(int8(chunk[0]))
				case ncShort:
					attr.nums[j] = float64(int16(binary.BigEndian.Uint16(chunk)))
				case ncInt:
					attr.nums[j] = float64(int32(binary.BigEndian.Uint32(chunk)))
				case ncFloat:
					attr.nums[j] = float64(math.Float32frombits(binary.BigEndian.Uint32(chunk)))
				case ncDouble:
					attr.nums[j] = math.Float64frombits(binary.BigEndian.Uint64(chunk))
				}
			}
		}
		attrs[name] = attr
	}
	return attrs, d.err
}
