package quantized

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hailam/chessplay/sfnnue"

	"github.com/hailam/nnuetrain/internal/atomicfile"
	"github.com/hailam/nnuetrain/internal/nnue"
)

// Quantized file format constants
const (
	MagicNumber = 0x4E514E52 // "RNQN" little endian
	Version     = 1
)

// FileHeader is the header of a quantized network file. Tensors follow in
// the order ft bias, ft weights, output weights, output bias, each
// LEB128-compressed.
type FileHeader struct {
	Magic         uint32
	Version       uint32
	Inputs        uint32
	Hidden        uint32
	OutputBuckets uint32
	QA            uint32
	QB            uint32
	EvalScale     uint32
}

// WriteTo writes the network in the quantized file format.
func (q *Network) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	header := FileHeader{
		Magic:         MagicNumber,
		Version:       Version,
		Inputs:        uint32(q.Topology.Inputs),
		Hidden:        uint32(q.Topology.Hidden),
		OutputBuckets: uint32(q.Topology.OutputBuckets),
		QA:            uint32(q.Scales.QA),
		QB:            uint32(q.Scales.QB),
		EvalScale:     uint32(q.EvalScale),
	}
	if err := binary.Write(cw, binary.LittleEndian, &header); err != nil {
		return cw.n, fmt.Errorf("failed to write header: %w", err)
	}
	if err := sfnnue.WriteLEB128(cw, q.FTBias.Values); err != nil {
		return cw.n, fmt.Errorf("failed to write ft bias: %w", err)
	}
	if err := sfnnue.WriteLEB128(cw, q.FTWeights.Values); err != nil {
		return cw.n, fmt.Errorf("failed to write ft weights: %w", err)
	}
	if err := sfnnue.WriteLEB128(cw, q.OutWeights.Values); err != nil {
		return cw.n, fmt.Errorf("failed to write output weights: %w", err)
	}
	if err := sfnnue.WriteLEB128(cw, q.OutBias.Values); err != nil {
		return cw.n, fmt.Errorf("failed to write output bias: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("failed to flush: %w", err)
	}
	return cw.n, nil
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

	t := nnue.Topology{
		Inputs:        int(header.Inputs),
		Hidden:        int(header.Hidden),
		OutputBuckets: int(header.OutputBuckets),
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology in quantized network: %w", err)
	}

	s := Scales{QA: int64(header.QA), QB: int64(header.QB)}
	q := &Network{
		Topology:   t,
		Scales:     s,
		EvalScale:  int64(header.EvalScale),
		FTBias:     Fixed[int16]{Scale: s.QA, Values: make([]int16, t.Hidden)},
		FTWeights:  Fixed[int16]{Scale: s.QA, Values: make([]int16, t.Inputs*t.Hidden)},
		OutWeights: Fixed[int16]{Scale: s.QB, Values: make([]int16, t.OutputBuckets*2*t.Hidden)},
		OutBias:    Fixed[int32]{Scale: s.QA * s.QB, Values: make([]int32, t.OutputBuckets)},
	}
	if q.Scales.QA < 1 || q.Scales.QB < 1 || q.EvalScale < 1 {
		return nil, fmt.Errorf("invalid scales in quantized network: %d/%d/%d", s.QA, s.QB, q.EvalScale)
	}

	if err := sfnnue.ReadLEB128(br, q.FTBias.Values); err != nil {
		return nil, fmt.Errorf("failed to read ft bias: %w", err)
	}
	if err := sfnnue.ReadLEB128(br, q.FTWeights.Values); err != nil {
		return nil, fmt.Errorf("failed to read ft weights: %w", err)
	}
	if err := sfnnue.ReadLEB128(br, q.OutWeights.Values); err != nil {
		return nil, fmt.Errorf("failed to read output weights: %w", err)
	}
	if err := sfnnue.ReadLEB128(br, q.OutBias.Values); err != nil {
		return nil, fmt.Errorf("failed to read output bias: %w", err)
	}
	if err := q.checkHeadroom(); err != nil {
		return nil, err
	}
	q.initPool()
	return q, nil
}

// SaveFile writes the network to path. An interrupted save leaves any
// previous file in place.
func (q *Network) SaveFile(path string) error {
	return atomicfile.Write(path, func(w io.Writer) error {
		_, err := q.WriteTo(w)
		return err
	})
}

// LoadFile reads a network from path.
func LoadFile(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open quantized network file: %w", err)
	}
	defer f.Close()
	return ReadNetwork(f)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
