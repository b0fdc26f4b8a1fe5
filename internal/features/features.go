// Package features maps positions to the sparse mirrored king-bucket inputs of
// the network.
//
// Each perspective sees the board from its own side: Black's view is rank
// mirrored and color swapped. When the perspective's king stands on files e-h
// the whole view is additionally file flipped, so only the a-d half of the
// bucket table is ever reached.
package features

import (
	"fmt"

	"github.com/hailam/nnuetrain/internal/board"
)

const (
	// NumBuckets is the number of distinct king buckets in BucketTable.
	NumBuckets = 4

	// BucketSize is the number of features per king bucket: 12 piece kinds x 64 squares.
	BucketSize = 12 * 64

	// NumFeatures is the input width of one perspective block.
	NumFeatures = NumBuckets * BucketSize

	// MaxActive bounds the active features of one perspective.
	MaxActive = board.MaxPieces

	theirOffset = 6 * 64
)

// halfTable assigns buckets to the a-d half of the board, rank 1 first.
var halfTable = [32]int{
	0, 0, 1, 1,
	2, 2, 2, 2,
	2, 2, 2, 2,
	3, 3, 3, 3,
	3, 3, 3, 3,
	3, 3, 3, 3,
	3, 3, 3, 3,
	3, 3, 3, 3,
}

// BucketTable maps a perspective-relative king square to its bucket. It is
// halfTable mirrored across the d/e file boundary.
var BucketTable = expandBuckets(halfTable)

func expandBuckets(half [32]int) [64]int {
	var full [64]int
	for rank := 0; rank < 8; rank++ {
		for file := 0; file < 4; file++ {
			b := half[rank*4+file]
			full[rank*8+file] = b
			full[rank*8+7-file] = b
		}
	}
	return full
}

// FeatureSet holds the active feature indices of a position for both
// perspectives. Both blocks have the same length.
type FeatureSet struct {
	SideToMove board.Color

	n       int
	indices [2][MaxActive]int
}

// Len returns the number of active features per perspective.
func (fs *FeatureSet) Len() int {
	return fs.n
}

// Perspective returns the active indices seen from color c.
func (fs *FeatureSet) Perspective(c board.Color) []int {
	return fs.indices[c][:fs.n]
}

// White returns the White perspective block.
func (fs *FeatureSet) White() []int { return fs.Perspective(board.White) }

// Black returns the Black perspective block.
func (fs *FeatureSet) Black() []int { return fs.Perspective(board.Black) }

// Ordered returns the side to move's block first and the opponent's second,
// the order in which they enter the network.
func (fs *FeatureSet) Ordered() (stm, nstm []int) {
	return fs.Perspective(fs.SideToMove), fs.Perspective(fs.SideToMove.Other())
}

// perspective caches the per-side transformation of squares.
type perspective struct {
	color  board.Color
	bucket int
	flip   board.Square // xor mask applied to absolute squares
}

func newPerspective(pos *board.Position, c board.Color) perspective {
	ksq := pos.KingSquare[c]
	if !ksq.IsValid() {
		panic(fmt.Sprintf("features: %s king square %d off the board", c, ksq))
	}

	var flip board.Square
	if c == board.Black {
		flip = 56
	}
	rel := ksq ^ flip
	if rel.File() >= 4 {
		flip ^= 7
		rel ^= 7
	}

	bucket := BucketTable[rel]
	if bucket < 0 || bucket >= NumBuckets {
		panic(fmt.Sprintf("features: king bucket %d out of range [0,%d)", bucket, NumBuckets))
	}

	return perspective{color: c, bucket: bucket, flip: flip}
}

func (p perspective) index(pc board.Color, pt board.PieceType, sq board.Square) int {
	idx := p.bucket*BucketSize + int(pt)*64 + int(sq^p.flip)
	if pc != p.color {
		idx += theirOffset
	}
	return idx
}

// Index returns the feature of a single piece from perspective c. It panics on
// positions without a king for c.
func Index(pos *board.Position, c board.Color, piece board.Piece, sq board.Square) int {
	return newPerspective(pos, c).index(piece.Color(), piece.Type(), sq)
}

// Encode computes the FeatureSet of pos. The position must have been
// validated: a missing king panics.
func Encode(pos *board.Position) FeatureSet {
	var fs FeatureSet
	EncodeInto(pos, &fs)
	return fs
}

// EncodeInto is Encode without the copy, for reuse of a scratch FeatureSet.
func EncodeInto(pos *board.Position, fs *FeatureSet) {
	white := newPerspective(pos, board.White)
	black := newPerspective(pos, board.Black)

	fs.SideToMove = pos.SideToMove
	fs.n = 0

	for color := board.White; color <= board.Black; color++ {
		for pt := board.Pawn; pt <= board.King; pt++ {
			pieces := pos.Pieces[color][pt]
			for pieces != 0 {
				sq := pieces.PopLSB()
				if fs.n == MaxActive {
					panic(fmt.Sprintf("features: more than %d pieces", MaxActive))
				}
				fs.indices[board.White][fs.n] = white.index(color, pt, sq)
				fs.indices[board.Black][fs.n] = black.index(color, pt, sq)
				fs.n++
			}
		}
	}
}

// OutputBucket selects an output head by material: pieces on the board
// (kings included, 2..32) split evenly across buckets heads.
func OutputBucket(pos *board.Position, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	divisor := (board.MaxPieces + buckets - 1) / buckets
	b := (pos.PieceCount() - 2) / divisor
	if b >= buckets {
		b = buckets - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}
