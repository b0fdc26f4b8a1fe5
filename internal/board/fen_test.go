package board

import "testing"

func TestFENRoundTrip(t *testing.T) {
	fens := []string{
		StartFEN,
		"r3k2r/p1ppqpb1/bn2pnp1/3PN3/1p2P3/2N2Q1p/PPPBBPPP/R3K2R w KQkq - 0 1",
		"rnbqkb1r/pppppppp/8/3nP3/2P5/8/PP1P1PPP/RNBQKBNR b KQkq - 0 3",
		"8/8/4p3/4P1p1/Pk6/2p5/1p3K2/1r6 b - - 1 52",
		"rnbqkbnr/ppp1p1pp/8/3pPp2/8/8/PPPP1PPP/RNBQKBNR w KQkq f6 0 3",
	}

	for _, fen := range fens {
		pos, err := ParseFEN(fen)
		if err != nil {
			t.Fatalf("ParseFEN(%q): %v", fen, err)
		}
		if got := pos.ToFEN(); got != fen {
			t.Errorf("round trip mismatch:\n  in:  %s\n  out: %s", fen, got)
		}
	}
}

func TestParseFENOptionalCounters(t *testing.T) {
	pos, err := ParseFEN("4k3/8/8/8/8/8/8/4K3 w - -")
	if err != nil {
		t.Fatalf("ParseFEN: %v", err)
	}
	if pos.HalfMoveClock != 0 || pos.FullMoveNumber != 1 {
		t.Errorf("expected default counters 0/1, got %d/%d", pos.HalfMoveClock, pos.FullMoveNumber)
	}
}

func TestParseFENShredderCastling(t *testing.T) {
	tests := []struct {
		fen  string
		want CastlingRights
	}{
		{"1rqbkrbn/1ppppp1p/1n6/p1N3p1/8/2P4P/PP1PPPP1/1RQBKRBN w FBfb - 0 9", AllCastling},
		{"rbbqn1kr/pp2p1pp/6n1/2pp1p2/2P4P/P7/BP1PPPP1/R1BQNNKR w HAha - 0 9", AllCastling},
		{"rqbbk1r1/1ppp2pp/p3n1n1/4pp2/P7/1PP1N3/1Q1PPPPP/R1BB1RKN b ga - 3 10", BlackKingSideCastle | BlackQueenSideCastle},
		{"brnqnbkr/pppppppp/8/8/8/8/PPPPPPPP/BQNRNKRB w GDhb - 0 1", AllCastling},
	}

	for _, tt := range tests {
		pos, err := ParseFEN(tt.fen)
		if err != nil {
			t.Fatalf("ParseFEN(%q): %v", tt.fen, err)
		}
		if pos.CastlingRights != tt.want {
			t.Errorf("%s: castling = %s, want %s", tt.fen, pos.CastlingRights, tt.want)
		}
		if err := pos.Validate(); err != nil {
			t.Errorf("%s: Validate: %v", tt.fen, err)
		}
	}
}

func TestParseFENErrors(t *testing.T) {
	bad := []string{
		"",
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP w KQkq - 0 1",
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR x KQkq - 0 1",
		"rnbqkbnr/pppppppp/9/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		"rnbqkbnr/ppppxppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkz - 0 1",
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq e4 0 1",
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - x 1",
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1 extra",
		"8/8/8/8/8/8/8/8 w E - 0 1",
		// Non-ASCII runes whose low byte is a piece letter.
		"rnbqkbnr/pppppppp/8/8/8/8/ŐPPPPPPP/RNBQKBNR w KQkq - 0 1",
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQŋBNR w KQkq - 0 1",
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w ŋQkq - 0 1",
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq ťĳ 0 1",
	}

	for _, fen := range bad {
		if _, err := ParseFEN(fen); err == nil {
			t.Errorf("ParseFEN(%q) should fail", fen)
		}
	}
}

func TestPieceAndSquareNotation(t *testing.T) {
	for i, c := range []byte("PNBRQKpnbrqk") {
		p := PieceFromChar(c)
		if p != Piece(i) || p.String() != string(c) {
			t.Errorf("PieceFromChar(%c) = %d (%s)", c, p, p)
		}
		if NewPiece(p.Type(), p.Color()) != p {
			t.Errorf("%s does not rebuild from type and color", p)
		}
	}
	if PieceFromChar('x') != NoPiece || PieceFromChar(0x50|0x80) != NoPiece {
		t.Error("unknown letters must map to NoPiece")
	}

	for _, s := range []string{"a1", "e4", "h8", "f6"} {
		sq, err := ParseSquare(s)
		if err != nil || sq.String() != s {
			t.Errorf("ParseSquare(%q) = %v, %v", s, sq, err)
		}
	}
	if E4 != NewSquare(4, 3) || H8 != 63 || A8.Mirror() != A1 {
		t.Error("square constants out of order")
	}
	for _, s := range []string{"", "e", "i1", "a9", "e44"} {
		if _, err := ParseSquare(s); err == nil {
			t.Errorf("ParseSquare(%q) should fail", s)
		}
	}
}
