// Package dataset reads training records and turns them into prepared
// network samples on a pool of workers, delivering batches in source order.
package dataset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hailam/nnuetrain/internal/board"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/features"
	"github.com/hailam/nnuetrain/internal/nnue"
)

// Record is one raw training position. Eval and WDL are from White's point
// of view: Eval in centipawns, WDL 1 for a white win, 0.5 draw, 0 loss.
type Record struct {
	FEN  string
	Eval float64
	WDL  float64
}

// String formats the record as a text data line.
func (r Record) String() string {
	return fmt.Sprintf("%s | %s | %s", r.FEN,
		strconv.FormatFloat(r.Eval, 'f', -1, 64),
		strconv.FormatFloat(r.WDL, 'f', 1, 64))
}

// ParseRecord parses a "<fen> | <eval> | <wdl>" line.
func ParseRecord(line string) (Record, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 3 {
		return Record{}, fmt.Errorf("%w: expected 3 fields separated by '|', got %d", errs.ErrData, len(parts))
	}

	rec := Record{FEN: strings.TrimSpace(parts[0])}
	if rec.FEN == "" {
		return Record{}, fmt.Errorf("%w: empty fen", errs.ErrData)
	}

	eval, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: invalid eval %q", errs.ErrData, strings.TrimSpace(parts[1]))
	}
	rec.Eval = eval

	wdl, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil || wdl < 0 || wdl > 1 {
		return Record{}, fmt.Errorf("%w: invalid wdl %q", errs.ErrData, strings.TrimSpace(parts[2]))
	}
	rec.WDL = wdl

	return rec, nil
}

// Prepare parses and validates the record's position and builds a sample
// with the labels turned to the side to move's point of view.
func Prepare(rec Record, outputBuckets int) (nnue.Sample, error) {
	pos, err := board.ParseFEN(rec.FEN)
	if err != nil {
		return nnue.Sample{}, fmt.Errorf("%w: %q: %v", errs.ErrData, rec.FEN, err)
	}
	if err := pos.Validate(); err != nil {
		return nnue.Sample{}, fmt.Errorf("%w: %q: %v", errs.ErrData, rec.FEN, err)
	}

	s := nnue.Sample{
		Bucket: features.OutputBucket(pos, outputBuckets),
		WDL:    rec.WDL,
		Eval:   rec.Eval,
	}
	features.EncodeInto(pos, &s.Features)
	if pos.SideToMove == board.Black {
		s.WDL = 1 - s.WDL
		s.Eval = -s.Eval
	}
	return s, nil
}
