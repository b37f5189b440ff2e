// Package engine wraps the chess rules library behind a deterministic
// apply-one-move contract. A position is identified by its starting
// FEN plus the UCI move history; the history is required because
// repetition and fifty-move detection cannot be derived from a single
// FEN snapshot.
package engine

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// DrawReason distinguishes automatic draw causes. Stalemate is
// reported through its own flag, not a DrawReason.
type DrawReason string

const (
	DrawThreefold    DrawReason = "threefold_repetition"
	DrawInsufficient DrawReason = "insufficient_material"
	DrawFiftyMove    DrawReason = "fifty_move_rule"
)

// MoveResult is the outcome of applying one legal ply.
type MoveResult struct {
	FENAfter    string
	SAN         string
	UCI         string
	IsCheck     bool
	IsCheckmate bool
	IsStalemate bool
	IsDraw      bool
	DrawReason  DrawReason
}

// IllegalMoveError reports a rules violation. The position is
// unchanged when it is returned.
type IllegalMoveError struct {
	Move   string
	Reason string
}

func (e *IllegalMoveError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("illegal move %s: %s", e.Move, e.Reason)
	}
	return fmt.Sprintf("illegal move %s", e.Move)
}

// Apply validates and applies one move against startFEN+history.
// Promotion defaults to queen when omitted on a promoting move. Same
// inputs always produce the same MoveResult; no I/O, no randomness.
func Apply(startFEN string, history []string, from, to, promotion string) (*MoveResult, error) {
	game, err := build(startFEN, history)
	if err != nil {
		return nil, err
	}

	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promotion = strings.ToLower(strings.TrimSpace(promotion))
	if from == "" || to == "" {
		return nil, &IllegalMoveError{Move: from + to, Reason: "missing square"}
	}

	uci := from + to + promotion
	pos := game.Position()

	mv, moveErr := pushUCI(game, uci)
	if moveErr != nil && promotion == "" {
		// promoting move with no piece given: queen by default
		uci = from + to + "q"
		mv, moveErr = pushUCI(game, uci)
	}
	if moveErr != nil {
		return nil, &IllegalMoveError{Move: from + to + promotion, Reason: "not a legal move in this position"}
	}

	san := nchess.AlgebraicNotation{}.Encode(pos, mv)

	// Threefold and fifty-move are claimable rather than forced; claim
	// them as soon as they are eligible so terminal state never waits
	// on a client.
	if game.Outcome() == nchess.NoOutcome {
		for _, m := range game.EligibleDraws() {
			if m == nchess.ThreefoldRepetition || m == nchess.FiftyMoveRule {
				_ = game.Draw(m)
				break
			}
		}
	}

	res := &MoveResult{
		FENAfter: game.FEN(),
		SAN:      san,
		UCI:      uci,
	}
	switch game.Method() {
	case nchess.Checkmate:
		res.IsCheckmate = true
	case nchess.Stalemate:
		res.IsStalemate = true
		res.IsDraw = true
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		res.IsDraw = true
		res.DrawReason = DrawThreefold
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		res.IsDraw = true
		res.DrawReason = DrawFiftyMove
	case nchess.InsufficientMaterial:
		res.IsDraw = true
		res.DrawReason = DrawInsufficient
	}
	res.IsCheck = res.IsCheckmate || strings.HasSuffix(san, "+")
	return res, nil
}

// Replay reconstructs the position after the given history and returns
// its FEN. Used to verify that a move log deterministically reproduces
// a board encoding.
func Replay(startFEN string, history []string) (string, error) {
	game, err := build(startFEN, history)
	if err != nil {
		return "", err
	}
	return game.FEN(), nil
}

func pushUCI(game *nchess.Game, uci string) (*nchess.Move, error) {
	mv, err := nchess.UCINotation{}.Decode(game.Position(), uci)
	if err != nil {
		return nil, err
	}
	if err := game.Move(mv, nil); err != nil {
		return nil, err
	}
	return mv, nil
}

func build(startFEN string, history []string) (*nchess.Game, error) {
	var game *nchess.Game
	if strings.TrimSpace(startFEN) == "" || startFEN == StartFEN {
		game = nchess.NewGame()
	} else {
		option, err := nchess.FEN(startFEN)
		if err != nil {
			return nil, fmt.Errorf("parse fen %q: %w", startFEN, err)
		}
		game = nchess.NewGame(option)
	}
	for _, mv := range history {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay move %q: %w", mv, err)
		}
	}
	return game, nil
}
