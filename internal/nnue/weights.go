package nnue

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hailam/nnuetrain/internal/atomicfile"
)

// Weight file format constants
const (
	MagicNumber = 0x46574E52 // "RNWF" little endian
	Version     = 1
)

// FileHeader is the header of the float weight file.
type FileHeader struct {
	Magic         uint32
	Version       uint32
	Inputs        uint32
	Hidden        uint32
	OutputBuckets uint32
}

// WriteTo writes the header followed by every tensor of Params as
// little-endian float64.
func (n *Network) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	header := FileHeader{
		Magic:         MagicNumber,
		Version:       Version,
		Inputs:        uint32(n.Inputs),
		Hidden:        uint32(n.Hidden),
		OutputBuckets: uint32(n.OutputBuckets),
	}
	if err := binary.Write(bw, binary.LittleEndian, &header); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	written := int64(binary.Size(header))

	for i, p := range n.Params() {
		if err := binary.Write(bw, binary.LittleEndian, p); err != nil {
			return written, fmt.Errorf("failed to write tensor %d: %w", i, err)
		}
		written += int64(8 * len(p))
	}

	if err := bw.Flush(); err != nil {
		return written, fmt.Errorf("failed to flush weights: %w", err)
	}
	return written, nil
}

// ReadNetwork reads a network written by WriteTo.
func ReadNetwork(r io.Reader) (*Network, error) {
	br := bufio.NewReader(r)

	var header FileHeader
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if header.Magic != MagicNumber {
		return nil, fmt.Errorf("invalid magic number: expected %x, got %x", MagicNumber, header.Magic)
	}
	if header.Version != Version {
		return nil, fmt.Errorf("unsupported version: expected %d, got %d", Version, header.Version)
	}

	t := Topology{
		Inputs:        int(header.Inputs),
		Hidden:        int(header.Hidden),
		OutputBuckets: int(header.OutputBuckets),
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology in weights: %w", err)
	}

	n := New(t)
	for i, p := range n.Params() {
		if err := binary.Read(br, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("failed to read tensor %d: %w", i, err)
		}
	}
	return n, nil
}

// SaveWeights saves network weights to a binary file, replacing it only once
// the new weights are completely written.
func (n *Network) SaveWeights(filename string) error {
	return atomicfile.Write(filename, func(w io.Writer) error {
		_, err := n.WriteTo(w)
		return err
	})
}

// LoadWeights loads network weights from a binary file.
func LoadWeights(filename string) (*Network, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()
	return ReadNetwork(f)
}
