package board

import "strings"

// Color is a side: White or Black.
type Color uint8

const (
	White Color = iota
	Black
)

// Other returns the opponent.
func (c Color) Other() Color {
	return c ^ 1
}

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

// PieceType indexes Position.Pieces and the 64-square planes of the feature
// encoding, in this order.
type PieceType uint8

const (
	Pawn PieceType = iota
	Knight
	Bishop
	Rook
	Queen
	King
)

// Piece is a colored piece, numbered pieceType + 6*color so that it indexes
// pieceChars.
type Piece uint8

const (
	WhitePawn Piece = iota
	WhiteKnight
	WhiteBishop
	WhiteRook
	WhiteQueen
	WhiteKing
	BlackPawn
	BlackKnight
	BlackBishop
	BlackRook
	BlackQueen
	BlackKing
	NoPiece
)

const pieceChars = "PNBRQKpnbrqk"

// NewPiece combines a type and a color.
func NewPiece(pt PieceType, c Color) Piece {
	return Piece(pt) + 6*Piece(c)
}

// Type returns the piece's type. Only meaningful for real pieces.
func (p Piece) Type() PieceType {
	return PieceType(p % 6)
}

// Color returns the piece's color. Only meaningful for real pieces.
func (p Piece) Color() Color {
	return Color(p / 6)
}

// String returns the FEN letter, uppercase for White.
func (p Piece) String() string {
	if p >= NoPiece {
		return "."
	}
	return pieceChars[p : p+1]
}

// PieceFromChar maps a FEN letter to its piece, or NoPiece.
func PieceFromChar(c byte) Piece {
	if i := strings.IndexByte(pieceChars, c); i >= 0 {
		return Piece(i)
	}
	return NoPiece
}
