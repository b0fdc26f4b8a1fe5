// Package storage persists training checkpoints in BadgerDB and lays out the
// files a run exports.
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/hailam/nnuetrain/internal/nnue"
	"github.com/hailam/nnuetrain/internal/schedule"
)

// ErrNotFound is returned when no checkpoint exists for a key or run.
var ErrNotFound = errors.New("checkpoint not found")

// Key names a checkpoint: a run and the superbatch it was taken after.
type Key struct {
	RunID      string
	Superbatch int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%06d", k.RunID, k.Superbatch)
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return Key{}, fmt.Errorf("invalid checkpoint key %q", s)
	}
	sb, err := strconv.Atoi(s[i+1:])
	if err != nil || sb < 0 {
		return Key{}, fmt.Errorf("invalid checkpoint key %q", s)
	}
	return Key{RunID: s[:i], Superbatch: sb}, nil
}

// Checkpoint is everything needed to resume a run exactly.
type Checkpoint struct {
	RunID     string
	NetID     string
	State     schedule.State
	Network   *nnue.Network
	M, V      [][]float64 // optimizer moments, nil when not saved
	CreatedAt time.Time
}

// Key returns the checkpoint's storage key.
func (c *Checkpoint) Key() Key {
	return Key{RunID: c.RunID, Superbatch: c.State.Superbatch}
}

// Store saves and loads checkpoints. Implementations make a save visible
// atomically: a failed Save leaves earlier checkpoints readable.
type Store interface {
	Save(key Key, cp *Checkpoint) error
	Load(key Key) (*Checkpoint, error)
	Latest(runID string) (*Checkpoint, error)
	Close() error
}

// manifest describes a stored blob. It is written last.
type manifest struct {
	RunID      string         `json:"run_id"`
	NetID      string         `json:"net_id"`
	State      schedule.State `json:"state"`
	Topology   nnue.Topology  `json:"topology"`
	BlobID     string         `json:"blob_id"`
	Chunks     int            `json:"chunks"`
	Size       int            `json:"size"`
	Checksum   uint64         `json:"checksum"`
	HasMoments bool           `json:"has_moments"`
	CreatedAt  time.Time      `json:"created_at"`
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// encodeBlob serialises the network and moments and compresses them.
func encodeBlob(cp *Checkpoint) ([]byte, error) {
	var net bytes.Buffer
	if _, err := cp.Network.WriteTo(&net); err != nil {
		return nil, fmt.Errorf("failed to encode network: %w", err)
	}
	var raw bytes.Buffer
	binary.Write(&raw, binary.LittleEndian, uint64(net.Len()))
	raw.Write(net.Bytes())
	for _, moments := range [][][]float64{cp.M, cp.V} {
		if err := binary.Write(&raw, binary.LittleEndian, uint32(len(moments))); err != nil {
			return nil, err
		}
		for _, t := range moments {
			if err := binary.Write(&raw, binary.LittleEndian, uint64(len(t))); err != nil {
				return nil, err
			}
			if err := binary.Write(&raw, binary.LittleEndian, t); err != nil {
				return nil, fmt.Errorf("failed to encode moments: %w", err)
			}
		}
	}
	return encoder.EncodeAll(raw.Bytes(), nil), nil
}

// decodeBlob reverses encodeBlob into cp.
func decodeBlob(blob []byte, cp *Checkpoint) error {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress checkpoint: %w", err)
	}
	if len(raw) < 8 {
		return fmt.Errorf("checkpoint blob truncated")
	}
	size := binary.LittleEndian.Uint64(raw)
	if size > uint64(len(raw)-8) {
		return fmt.Errorf("checkpoint network section truncated")
	}
	// ReadNetwork buffers its input, so hand it exactly the network bytes.
	net, err := nnue.ReadNetwork(bytes.NewReader(raw[8 : 8+size]))
	if err != nil {
		return fmt.Errorf("failed to decode network: %w", err)
	}
	cp.Network = net
	r := bytes.NewReader(raw[8+size:])

	for _, dst := range []*[][]float64{&cp.M, &cp.V} {
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return fmt.Errorf("failed to decode moments: %w", err)
		}
		if count == 0 {
			*dst = nil
			continue
		}
		tensors := make([][]float64, count)
		for i := range tensors {
			var n uint64
			if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
				return fmt.Errorf("failed to decode moments: %w", err)
			}
			if n > uint64(r.Len()/8) {
				return fmt.Errorf("moment tensor %d claims %d values, blob too short", i, n)
			}
			tensors[i] = make([]float64, n)
			if err := binary.Read(r, binary.LittleEndian, tensors[i]); err != nil {
				return fmt.Errorf("failed to decode moments: %w", err)
			}
		}
		*dst = tensors
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes in checkpoint", r.Len())
	}
	return nil
}

func checksum(blob []byte) uint64 {
	return xxhash.Sum64(blob)
}

func newManifest(cp *Checkpoint, blobID string, blob []byte, chunks int) manifest {
	return manifest{
		RunID:      cp.RunID,
		NetID:      cp.NetID,
		State:      cp.State,
		Topology:   cp.Network.Topology,
		BlobID:     blobID,
		Chunks:     chunks,
		Size:       len(blob),
		Checksum:   checksum(blob),
		HasMoments: cp.M != nil,
		CreatedAt:  cp.CreatedAt,
	}
}

// restore verifies a reassembled blob against its manifest and decodes it.
func (m *manifest) restore(blob []byte) (*Checkpoint, error) {
	if len(blob) != m.Size || checksum(blob) != m.Checksum {
		return nil, fmt.Errorf("checkpoint %s/%06d is corrupt: checksum mismatch", m.RunID, m.State.Superbatch)
	}
	cp := &Checkpoint{
		RunID:     m.RunID,
		NetID:     m.NetID,
		State:     m.State,
		CreatedAt: m.CreatedAt,
	}
	if err := decodeBlob(blob, cp); err != nil {
		return nil, err
	}
	if cp.Network.Topology != m.Topology {
		return nil, fmt.Errorf("checkpoint topology %+v does not match manifest %+v", cp.Network.Topology, m.Topology)
	}
	return cp, nil
}
