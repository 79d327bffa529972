// Package rules adapts the chess move generator to the narrow oracle
// contract the game sessions consume. Positions are FEN strings.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/chess-arena/internal/domain"
)

var (
	ErrIllegalMove     = errors.New("illegal move")
	ErrInvalidPosition = errors.New("invalid position")
)

const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Move is a validated move request: squares like "e2", optional promotion
// piece letter (q, r, b, n).
type Move struct {
	From      string
	To        string
	Promotion string
}

// Applied is the result of a legal move.
type Applied struct {
	UCI       string
	SAN       string
	Promotion string
	Position  string
}

// Target is a legal destination from a square, with the promotion pieces
// required when the move promotes.
type Target struct {
	To         string
	Promotions []string
}

// Line is a start position plus the UCI moves played from it. Repetition
// detection needs the whole line, not just the last position.
type Line struct {
	Start string
	Moves []string
}

type TerminalKind string

const (
	TerminalNone                 TerminalKind = "none"
	TerminalCheckmate            TerminalKind = "checkmate"
	TerminalStalemate            TerminalKind = "stalemate"
	TerminalInsufficientMaterial TerminalKind = "draw_insufficient_material"
	TerminalRepetition           TerminalKind = "draw_repetition"
	TerminalOtherDraw            TerminalKind = "draw_other"
)

// Outcome maps a terminal status to a session result. mover is the side that
// made the last move.
func (k TerminalKind) Outcome(mover domain.Side) (domain.Result, domain.Reason) {
	switch k {
	case TerminalNone, "":
		return domain.ResultNone, domain.ReasonNone
	case TerminalCheckmate:
		return domain.WinFor(mover), domain.ReasonCheckmate
	case TerminalStalemate:
		return domain.ResultDraw, domain.ReasonStalemate
	default:
		return domain.ResultDraw, domain.ReasonDrawByRule
	}
}

type Oracle interface {
	StartPosition() string
	LegalMoves(position, from string) ([]Target, error)
	ApplyMove(position string, mv Move) (Applied, error)
	Terminal(line Line) (TerminalKind, error)
	SideToMove(position string) (domain.Side, error)
	Replay(line Line) (string, error)
}

// Chess implements Oracle on top of corentings/chess. It holds no state and
// is safe for concurrent use.
type Chess struct{}

func NewChess() *Chess { return &Chess{} }

func (Chess) StartPosition() string { return StartFEN }

func (Chess) LegalMoves(position, from string) ([]Target, error) {
	game, err := gameAt(position)
	if err != nil {
		return nil, err
	}
	from = strings.ToLower(strings.TrimSpace(from))
	var out []Target
	index := map[string]int{}
	for _, mv := range game.ValidMoves() {
		if mv.S1().String() != from {
			continue
		}
		to := mv.S2().String()
		i, ok := index[to]
		if !ok {
			i = len(out)
			index[to] = i
			out = append(out, Target{To: to})
		}
		if p := promoLetter(mv.Promo()); p != "" {
			out[i].Promotions = append(out[i].Promotions, p)
		}
	}
	return out, nil
}

func (c Chess) ApplyMove(position string, mv Move) (Applied, error) {
	game, err := gameAt(position)
	if err != nil {
		return Applied{}, err
	}
	from := strings.ToLower(strings.TrimSpace(mv.From))
	to := strings.ToLower(strings.TrimSpace(mv.To))
	promo := strings.ToLower(strings.TrimSpace(mv.Promotion))

	promotes := false
	for _, cand := range game.ValidMoves() {
		if cand.S1().String() == from && cand.S2().String() == to && cand.Promo() != nchess.NoPieceType {
			promotes = true
			break
		}
	}
	switch {
	case promotes && promo == "":
		promo = "q"
	case !promotes:
		promo = ""
	}

	uci := from + to + promo
	pos := game.Position()
	decoded, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return Applied{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	if err := game.Move(decoded, nil); err != nil {
		return Applied{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	moves := game.Moves()
	last := moves[len(moves)-1]
	return Applied{
		UCI:       uci,
		SAN:       nchess.AlgebraicNotation{}.Encode(pos, last),
		Promotion: promo,
		Position:  game.FEN(),
	}, nil
}

func (Chess) Terminal(line Line) (TerminalKind, error) {
	game, err := replay(line)
	if err != nil {
		return TerminalNone, err
	}
	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		if game.Method() == nchess.Checkmate {
			return TerminalCheckmate, nil
		}
		return TerminalNone, nil
	case nchess.Draw:
		switch game.Method() {
		case nchess.Stalemate:
			return TerminalStalemate, nil
		case nchess.InsufficientMaterial:
			return TerminalInsufficientMaterial, nil
		case nchess.FivefoldRepetition, nchess.ThreefoldRepetition:
			return TerminalRepetition, nil
		default:
			return TerminalOtherDraw, nil
		}
	}
	// Claimable draws end the game without a claim.
	for _, m := range game.EligibleDraws() {
		switch m {
		case nchess.ThreefoldRepetition:
			return TerminalRepetition, nil
		case nchess.FiftyMoveRule:
			return TerminalOtherDraw, nil
		}
	}
	return TerminalNone, nil
}

func (Chess) SideToMove(position string) (domain.Side, error) {
	game, err := gameAt(position)
	if err != nil {
		return "", err
	}
	if game.Position().Turn() == nchess.White {
		return domain.SideFirst, nil
	}
	return domain.SideSecond, nil
}

func (Chess) Replay(line Line) (string, error) {
	game, err := replay(line)
	if err != nil {
		return "", err
	}
	return game.FEN(), nil
}

func gameAt(position string) (*nchess.Game, error) {
	position = strings.TrimSpace(position)
	if position == "" || position == StartFEN {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(position)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return nchess.NewGame(opt), nil
}

func replay(line Line) (*nchess.Game, error) {
	game, err := gameAt(line.Start)
	if err != nil {
		return nil, err
	}
	notation := nchess.UCINotation{}
	for i, mv := range line.Moves {
		move, err := notation.Decode(game.Position(), strings.ToLower(strings.TrimSpace(mv)))
		if err != nil {
			return nil, fmt.Errorf("decode move %d %s: %w", i+1, mv, err)
		}
		if err := game.Move(move, nil); err != nil {
			return nil, fmt.Errorf("apply move %d %s: %w", i+1, mv, err)
		}
	}
	return game, nil
}

func promoLetter(pt nchess.PieceType) string {
	switch pt {
	case nchess.Queen:
		return "q"
	case nchess.Rook:
		return "r"
	case nchess.Bishop:
		return "b"
	case nchess.Knight:
		return "n"
	default:
		return ""
	}
}
