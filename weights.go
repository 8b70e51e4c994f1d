package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ===========================================================================
// Weight files
// ===========================================================================
//
// Simple binary format shared by model.bin and adapter_model.bin:
//
//	uint32 header length (little endian)
//	JSON header: {"format": "...", "tensors": [{"name", "shape"}, ...]}
//	tensor data in header order, little endian float64
//
// Tensors are looked up by name on load, so the order in the file is not
// significant to readers.
// ===========================================================================

const (
	weightsFormat = "sft-f64-v1"

	maxWeightsHeaderLen = 64 << 20
)

type weightsHeader struct {
	Format  string        `json:"format"`
	Tensors []weightEntry `json:"tensors"`
}

type weightEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

func writeWeights(path string, tensors []namedTensor) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := encodeWeights(f, tensors); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func encodeWeights(w io.Writer, tensors []namedTensor) error {
	header := weightsHeader{Format: weightsFormat}
	for _, nt := range tensors {
		header.Tensors = append(header.Tensors, weightEntry{Name: nt.name, Shape: nt.t.Shape()})
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return err
	}
	if _, err := bw.Write(headerJSON); err != nil {
		return err
	}
	for _, nt := range tensors {
		if err := binary.Write(bw, binary.LittleEndian, nt.t.data); err != nil {
			return fmt.Errorf("tensor %s: %w", nt.name, err)
		}
	}
	return bw.Flush()
}

func readWeights(path string) (map[string]*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	weights, err := decodeWeights(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return weights, nil
}

func decodeWeights(r io.Reader) (map[string]*Tensor, error) {
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("header length: %w", err)
	}
	if headerLen > maxWeightsHeaderLen {
		return nil, fmt.Errorf("header length %d exceeds %d bytes", headerLen, maxWeightsHeaderLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	var header weightsHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if header.Format != weightsFormat {
		return nil, fmt.Errorf("unsupported weights format %q", header.Format)
	}

	weights := make(map[string]*Tensor, len(header.Tensors))
	for _, e := range header.Tensors {
		if !validShape(e.Shape) {
			return nil, fmt.Errorf("tensor %s: invalid shape %v", e.Name, e.Shape)
		}
		t := NewTensor(e.Shape...)
		if err := binary.Read(r, binary.LittleEndian, t.data); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		weights[e.Name] = t
	}
	return weights, nil
}

func validShape(shape []int) bool {
	if len(shape) == 0 {
		return false
	}
	for _, d := range shape {
		if d <= 0 {
			return false
		}
	}
	return true
}
