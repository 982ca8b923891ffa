package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// tensorInfo describes a tensor entry in a safetensors header.
type tensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file.
func LoadSafetensors(path string) (Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	s, err := ReadSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ReadSafetensors parses safetensors bytes. F32, F16 and BF16 tensors are
// decoded; other dtypes are rejected.
func ReadSafetensors(data []byte) (Store, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Tensor data starts after header
	allData := data[8+headerSize:]

	store := make(Store, len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}

		t := &Tensor{Shape: info.Shape}
		numElements := t.NumElements()
		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || end > len(allData) || start > end {
			return nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}
		buf := allData[start:end]

		var width int
		switch info.DType {
		case "F32":
			width = 4
		case "F16", "BF16":
			width = 2
		default:
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		if len(buf) != numElements*width {
			return nil, fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, len(buf), numElements, info.DType)
		}

		t.Data = make([]float32, numElements)
		for i := range t.Data {
			switch info.DType {
			case "F32":
				t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			case "F16":
				t.Data[i] = Float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			case "BF16":
				t.Data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
			}
		}
		store[name] = t
	}
	return store, nil
}

// SaveSafetensors writes s to a safetensors file as F32.
func (s Store) SaveSafetensors(path string) error {
	data, err := s.SerializeSafetensors()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SerializeSafetensors encodes s as safetensors bytes with F32 data.
// Tensors are laid out in sorted name order.
func (s Store) SerializeSafetensors() ([]byte, error) {
	names := s.Names()
	header := make(map[string]tensorInfo, len(names))
	offset := 0
	for _, name := range names {
		t := s[name]
		if t.NumElements() != len(t.Data) {
			return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", name, t.Shape, len(t.Data))
		}
		size := len(t.Data) * 4
		header[name] = tensorInfo{DType: "F32", Shape: t.Shape, Offsets: [2]int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	// Pad the header with spaces so tensor data starts 8-byte aligned.
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+int(headerSize)+offset)
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:], headerJSON)

	pos := 8 + int(headerSize)
	for _, name := range names {
		for _, v := range s[name].Data {
			binary.LittleEndian.PutUint32(result[pos:], math.Float32bits(v))
			pos += 4
		}
	}
	return result, nil
}
