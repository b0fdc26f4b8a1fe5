package board

import "math/bits"

// Bitboard is a 64-bit set of squares. Bit 0 = A1, bit 63 = H8.
type Bitboard uint64

const (
	Empty Bitboard = 0

	Rank1 Bitboard = 0x00000000000000FF
	Rank8 Bitboard = 0xFF00000000000000
)

// SquareBB returns a bitboard with only the given square set.
func SquareBB(sq Square) Bitboard {
	return 1 << sq
}

// IsSet returns true if the bit at the given square is set.
func (b Bitboard) IsSet(sq Square) bool {
	return b&(1<<sq) != 0
}

// PopCount returns the number of set bits.
func (b Bitboard) PopCount() int {
	return bits.OnesCount64(uint64(b))
}

// LSB returns the lowest set square, or NoSquare for an empty board.
func (b Bitboard) LSB() Square {
	if b == 0 {
		return NoSquare
	}
	return Square(bits.TrailingZeros64(uint64(b)))
}

// PopLSB removes and returns the least significant bit.
func (b *Bitboard) PopLSB() Square {
	sq := b.LSB()
	*b &= *b - 1
	return sq
}

// MirrorRanks flips the bitboard vertically (rank 1 <-> rank 8).
func (b Bitboard) MirrorRanks() Bitboard {
	return Bitboard(bits.ReverseBytes64(uint64(b)))
}
