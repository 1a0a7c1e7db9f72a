// Package safetensors reads and writes a minimal subset of the safetensors
// format: an 8-byte little-endian header length, a JSON header describing
// each tensor, then the raw tensor data. Only F64 tensors are supported.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// Tensor is one named entry in a safetensors file.
type Tensor struct {
	Shape []int
	Data  []float64
}

type headerEntry struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// Save writes the tensors to path, ordered by name.
func Save(path string, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]headerEntry, len(tensors))
	offset := 0
	for _, name := range names {
		t := tensors[name]
		n := 1
		for _, d := range t.Shape {
			n *= d
		}
		if n != len(t.Data) {
			return fmt.Errorf("safetensors: tensor %q shape %v does not match %d elements", name, t.Shape, len(t.Data))
		}
		size := len(t.Data) * 8
		header[name] = headerEntry{
			Dtype:       "F64",
			Shape:       t.Shape,
			DataOffsets: [2]int{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: %w", err)
	}

	buf := make([]byte, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(headerJSON)))
	copy(buf[8:], headerJSON)

	dataStart := 8 + len(headerJSON)
	for _, name := range names {
		entry := header[name]
		pos := dataStart + entry.DataOffsets[0]
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint64(buf[pos:pos+8], math.Float64bits(v))
			pos += 8
		}
	}

	return os.WriteFile(path, buf, 0o644)
}

// Load reads every tensor from a safetensors file written by Save.
func Load(path string) (map[string]Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too small: %d bytes", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if uint64(len(data)) < 8+headerLen {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size", headerLen)
	}

	var header map[string]headerEntry
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("safetensors: failed to parse header: %w", err)
	}

	dataStart := int(8 + headerLen)
	out := make(map[string]Tensor, len(header))
	for name, entry := range header {
		if entry.Dtype != "F64" {
			return nil, fmt.Errorf("safetensors: tensor %q: expected dtype F64, got %s", name, entry.Dtype)
		}
		n := 1
		for _, d := range entry.Shape {
			n *= d
		}
		start := dataStart + entry.DataOffsets[0]
		end := dataStart + entry.DataOffsets[1]
		if end-start != n*8 {
			return nil, fmt.Errorf("safetensors: tensor %q: data size %d does not match shape %v", name, end-start, entry.Shape)
		}
		if end > len(data) || start < dataStart {
			return nil, fmt.Errorf("safetensors: tensor %q: data range [%d:%d] exceeds file size %d", name, start, end, len(data))
		}
		vals := make([]float64, n)
		for i := range vals {
			bits := binary.LittleEndian.Uint64(data[start+i*8 : start+i*8+8])
			vals[i] = math.Float64frombits(bits)
		}
		out[name] = Tensor{Shape: entry.Shape, Data: vals}
	}
	return out, nil
}
