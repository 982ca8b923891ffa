package weights

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// GGUF Constants
const (
	GGUFMagic   = 0x46554747 // "GGUF" in little-endian
	GGUFVersion = 3

	ggufAlignment = 32
)

// GGUF Value Types
type GGUFType uint32

const (
	GGUFTypeUint8   GGUFType = 0
	GGUFTypeInt8    GGUFType = 1
	GGUFTypeUint16  GGUFType = 2
	GGUFTypeInt16   GGUFType = 3
	GGUFTypeUint32  GGUFType = 4
	GGUFTypeInt32   GGUFType = 5
	GGUFTypeFloat32 GGUFType = 6
	GGUFTypeBool    GGUFType = 7
	GGUFTypeString  GGUFType = 8
	GGUFTypeArray   GGUFType = 9
	GGUFTypeUint64  GGUFType = 10
	GGUFTypeInt64   GGUFType = 11
	GGUFTypeFloat64 GGUFType = 12
)

// GGML Tensor Types. Only F32 and F16 carry parameter data here.
type GGMLType uint32

const (
	GGMLTypeF32 GGMLType = 0
	GGMLTypeF16 GGMLType = 1
)

func (t GGMLType) width() (int, error) {
	switch t {
	case GGMLTypeF32:
		return 4, nil
	case GGMLTypeF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported ggml tensor type %d", t)
	}
}

// GGUFWriter helps writing GGUF files
type GGUFWriter struct {
	w         io.Writer
	alignment uint64
	written   uint64
}

func NewGGUFWriter(w io.Writer) *GGUFWriter {
	return &GGUFWriter{
		w:         w,
		alignment: ggufAlignment,
	}
}

func (gw *GGUFWriter) write(v any) error {
	if err := binary.Write(gw.w, binary.LittleEndian, v); err != nil {
		return err
	}
	gw.written += uint64(binary.Size(v))
	return nil
}

func (gw *GGUFWriter) WriteHeader(kvCount, tensorCount uint64) error {
	if err := gw.write(uint32(GGUFMagic)); err != nil {
		return err
	}
	if err := gw.write(uint32(GGUFVersion)); err != nil {
		return err
	}
	if err := gw.write(tensorCount); err != nil {
		return err
	}
	return gw.write(kvCount)
}

func (gw *GGUFWriter) WriteString(s string) error {
	if err := gw.write(uint64(len(s))); err != nil {
		return err
	}
	n, err := io.WriteString(gw.w, s)
	gw.written += uint64(n)
	return err
}

// WriteKV writes a scalar or string metadata entry.
func (gw *GGUFWriter) WriteKV(key string, valType GGUFType, value any) error {
	if err := gw.WriteString(key); err != nil {
		return err
	}
	if err := gw.write(uint32(valType)); err != nil {
		return err
	}

	switch valType {
	case GGUFTypeUint32:
		return gw.write(value.(uint32))
	case GGUFTypeInt32:
		return gw.write(value.(int32))
	case GGUFTypeFloat32:
		return gw.write(value.(float32))
	case GGUFTypeUint64:
		return gw.write(value.(uint64))
	case GGUFTypeBool:
		var b uint8
		if value.(bool) {
			b = 1
		}
		return gw.write(b)
	case GGUFTypeString:
		return gw.WriteString(value.(string))
	default:
		return fmt.Errorf("unsupported GGUF type: %v", valType)
	}
}

func (gw *GGUFWriter) WriteTensorInfo(name string, shape []int, ggmlType GGMLType, offset uint64) error {
	if err := gw.WriteString(name); err != nil {
		return err
	}
	rank := len(shape)
	if err := gw.write(uint32(rank)); err != nil {
		return err
	}
	// GGUF dimensions are in reverse order (last dimension first)
	for i := rank - 1; i >= 0; i-- {
		if err := gw.write(uint64(shape[i])); err != nil {
			return err
		}
	}
	if err := gw.write(uint32(ggmlType)); err != nil {
		return err
	}
	return gw.write(offset)
}

// Pad writes zero bytes up to the next alignment boundary.
func (gw *GGUFWriter) Pad() error {
	rem := gw.written % gw.alignment
	if rem == 0 {
		return nil
	}
	n, err := gw.w.Write(make([]byte, gw.alignment-rem))
	gw.written += uint64(n)
	return err
}

// SaveGGUF writes s to path using the given tensor type (F32 or F16).
func (s Store) SaveGGUF(path string, ggmlType GGMLType) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := s.WriteGGUF(bw, ggmlType); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteGGUF encodes s as a GGUF v3 stream. Tensors appear in sorted name order.
func (s Store) WriteGGUF(w io.Writer, ggmlType GGMLType) error {
	width, err := ggmlType.width()
	if err != nil {
		return err
	}
	names := s.Names()
	gw := NewGGUFWriter(w)

	if err := gw.WriteHeader(2, uint64(len(names))); err != nil {
		return err
	}
	if err := gw.WriteKV("general.architecture", GGUFTypeString, "vgg19"); err != nil {
		return err
	}
	if err := gw.WriteKV("general.alignment", GGUFTypeUint32, uint32(ggufAlignment)); err != nil {
		return err
	}

	var offset uint64
	for _, name := range names {
		t := s[name]
		if t.NumElements() != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v does not match %d values", name, t.Shape, len(t.Data))
		}
		if err := gw.WriteTensorInfo(name, t.Shape, ggmlType, offset); err != nil {
			return err
		}
		offset = alignUp(offset+uint64(len(t.Data)*width), ggufAlignment)
	}
	if err := gw.Pad(); err != nil {
		return err
	}

	for _, name := range names {
		for _, v := range s[name].Data {
			if ggmlType == GGMLTypeF16 {
				err = gw.write(Float32ToFloat16(v))
			} else {
				err = gw.write(v)
			}
			if err != nil {
				return err
			}
		}
		if err := gw.Pad(); err != nil {
			return err
		}
	}
	return nil
}

// LoadGGUF reads a GGUF file written with F32 or F16 tensors.
func LoadGGUF(path string) (Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := ReadGGUF(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

type ggufTensorInfo struct {
	name   string
	shape  []int
	typ    GGMLType
	offset uint64
}

// ggufReader tracks the byte position so the data section can be aligned.
type ggufReader struct {
	r   io.Reader
	pos uint64
}

func (gr *ggufReader) read(v any) error {
	if err := binary.Read(gr.r, binary.LittleEndian, v); err != nil {
		return err
	}
	gr.pos += uint64(binary.Size(v))
	return nil
}

func (gr *ggufReader) skip(n uint64) error {
	m, err := io.CopyN(io.Discard, gr.r, int64(n))
	gr.pos += uint64(m)
	return err
}

func (gr *ggufReader) readString() (string, error) {
	var n uint64
	if err := gr.read(&n); err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("string length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(gr.r, buf); err != nil {
		return "", err
	}
	gr.pos += n
	return string(buf), nil
}

// skipValue consumes one metadata value, returning it when it is an integer.
func (gr *ggufReader) skipValue(t GGUFType) (uint64, error) {
	switch t {
	case GGUFTypeUint8, GGUFTypeInt8, GGUFTypeBool:
		var v uint8
		err := gr.read(&v)
		return uint64(v), err
	case GGUFTypeUint16, GGUFTypeInt16:
		var v uint16
		err := gr.read(&v)
		return uint64(v), err
	case GGUFTypeUint32, GGUFTypeInt32, GGUFTypeFloat32:
		var v uint32
		err := gr.read(&v)
		return uint64(v), err
	case GGUFTypeUint64, GGUFTypeInt64, GGUFTypeFloat64:
		var v uint64
		err := gr.read(&v)
		return v, err
	case GGUFTypeString:
		_, err := gr.readString()
		return 0, err
	case GGUFTypeArray:
		var elem uint32
		var n uint64
		if err := gr.read(&elem); err != nil {
			return 0, err
		}
		if err := gr.read(&n); err != nil {
			return 0, err
		}
		for i := uint64(0); i < n; i++ {
			if _, err := gr.skipValue(GGUFType(elem)); err != nil {
				return 0, err
			}
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported GGUF type: %v", t)
	}
}

// Header limits; larger values mean a corrupt file.
const (
	maxGGUFTensors  = 1 << 16
	maxGGUFRank     = 8
	maxGGUFElements = 1 << 30
)

// ReadGGUF decodes a GGUF v3 stream into a Store.
func ReadGGUF(r io.Reader) (Store, error) {
	gr := &ggufReader{r: r}

	var magic, version uint32
	var tensorCount, kvCount uint64
	if err := gr.read(&magic); err != nil {
		return nil, err
	}
	if magic != GGUFMagic {
		return nil, fmt.Errorf("not a GGUF file (magic %#x)", magic)
	}
	if err := gr.read(&version); err != nil {
		return nil, err
	}
	if version != GGUFVersion {
		return nil, fmt.Errorf("unsupported GGUF version %d", version)
	}
	if err := gr.read(&tensorCount); err != nil {
		return nil, err
	}
	if err := gr.read(&kvCount); err != nil {
		return nil, err
	}

	alignment := uint64(ggufAlignment)
	for i := uint64(0); i < kvCount; i++ {
		key, err := gr.readString()
		if err != nil {
			return nil, err
		}
		var vt uint32
		if err := gr.read(&vt); err != nil {
			return nil, err
		}
		v, err := gr.skipValue(GGUFType(vt))
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", key, err)
		}
		if key == "general.alignment" && v > 0 {
			alignment = v
		}
	}

	if tensorCount > maxGGUFTensors {
		return nil, fmt.Errorf("tensor count %d too large", tensorCount)
	}
	infos := make([]ggufTensorInfo, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		var info ggufTensorInfo
		var err error
		if info.name, err = gr.readString(); err != nil {
			return nil, err
		}
		var rank uint32
		if err := gr.read(&rank); err != nil {
			return nil, err
		}
		if rank > maxGGUFRank {
			return nil, fmt.Errorf("tensor %s: rank %d too large", info.name, rank)
		}
		info.shape = make([]int, rank)
		elements := uint64(1)
		for d := int(rank) - 1; d >= 0; d-- {
			var dim uint64
			if err := gr.read(&dim); err != nil {
				return nil, err
			}
			if dim > maxGGUFElements || (dim > 0 && elements > maxGGUFElements/dim) {
				return nil, fmt.Errorf("tensor %s: more than %d elements", info.name, maxGGUFElements)
			}
			elements *= dim
			info.shape[d] = int(dim)
		}
		var typ uint32
		if err := gr.read(&typ); err != nil {
			return nil, err
		}
		info.typ = GGMLType(typ)
		if err := gr.read(&info.offset); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	if err := gr.skip(alignUp(gr.pos, alignment) - gr.pos); err != nil {
		return nil, err
	}
	dataStart := gr.pos

	// Offsets are ascending when written by WriteGGUF; other producers may
	// order them differently, which this streaming reader rejects.
	store := make(Store, len(infos))
	for _, info := range infos {
		width, err := info.typ.width()
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", info.name, err)
		}
		target := dataStart + info.offset
		if target < gr.pos {
			return nil, fmt.Errorf("tensor %s: offsets are not ascending", info.name)
		}
		if err := gr.skip(target - gr.pos); err != nil {
			return nil, err
		}
		t := &Tensor{Shape: info.shape}
		buf := make([]byte, t.NumElements()*width)
		if _, err := io.ReadFull(gr.r, buf); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", info.name, err)
		}
		gr.pos += uint64(len(buf))
		t.Data = make([]float32, t.NumElements())
		for i := range t.Data {
			if info.typ == GGMLTypeF16 {
				t.Data[i] = Float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			} else {
				t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
		}
		store[info.name] = t
	}
	return store, nil
}

func alignUp(n, alignment uint64) uint64 {
	return (n + alignment - 1) / alignment * alignment
}

// Float32ToFloat16 converts a float32 to float16 (represented as uint16)
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	s := uint16((bits >> 16) & 0x8000)
	e := int16((bits >> 23) & 0xFF)
	m := bits & 0x7FFFFF

	if e == 0 {
		// Zero or denormal
		return s
	} else if e == 0xFF {
		// Inf or NaN
		if m == 0 {
			return s | 0x7C00
		}
		return s | 0x7C00 | uint16(m>>13) | 1
	}

	e -= 127 - 15
	if e >= 31 {
		// Overflow to Inf
		return s | 0x7C00
	} else if e <= 0 {
		// Underflow to denormal or zero
		if e < -10 {
			return s
		}
		m |= 0x800000
		m >>= uint32(1 - e)
		return s | uint16(m>>13)
	}

	return s | uint16(e<<10) | uint16(m>>13)
}

// Float16ToFloat32 converts an IEEE 754 half-precision value to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign << 31)
	case exp == 0:
		// Denormal: renormalize
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3FF
	case exp == 0x1F:
		return math.Float32frombits(sign<<31 | 0xFF<<23 | mant<<13)
	}
	return math.Float32frombits(sign<<31 | (exp+127-15)<<23 | mant<<13)
}
