package match

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/dkotl/peerchess/internal/clock"
	"github.com/dkotl/peerchess/internal/engine"
)

// MoveOutcome reports what a move transition did. FlagFallen means the
// mover's clock was already exhausted: the match was finalized as a
// timeout loss for the mover and the chess move itself was never
// consulted. Otherwise Move is the appended ply.
type MoveOutcome struct {
	FlagFallen bool
	Move       *Move
}

// NewRecord builds a waiting match with one seat pre-filled per the
// creator's color preference (random resolved by an unbiased coin
// flip) and a fresh starting position with full clocks.
func NewRecord(id string, control clock.Control, pref ColorChoice, creator PlayerRef, now time.Time) *Record {
	color := White
	switch pref {
	case ChoiceWhite:
	case ChoiceBlack:
		color = Black
	default:
		if coinFlip() {
			color = Black
		}
	}

	rec := &Record{
		Match: Match{
			ID:          id,
			Status:      StatusWaiting,
			TimeControl: control,
			CreatedAt:   now,
		},
		Position: Position{
			FEN:         engine.StartFEN,
			MoveIndex:   0,
			Turn:        White,
			WhiteTimeMs: control.InitialMs,
			BlackTimeMs: control.InitialMs,
		},
		Moves: []Move{},
	}
	seatRef := creator
	if color == White {
		rec.Match.White = &seatRef
	} else {
		rec.Match.Black = &seatRef
	}
	return rec
}

// Join claims a seat for the joiner. Idempotent for an existing
// occupant. Claiming the second seat activates the match and stamps
// StartedAt.
func Join(rec *Record, joiner PlayerRef, requested ColorChoice, now time.Time) (Color, error) {
	if seat := rec.SeatOf(joiner.PlayerID); seat != "" {
		return seat, nil
	}
	if rec.Match.Status != StatusWaiting {
		if rec.Match.White != nil && rec.Match.Black != nil {
			return "", ErrMatchFull
		}
		return "", ErrGameNotActive
	}
	if rec.Match.White != nil && rec.Match.Black != nil {
		return "", ErrMatchFull
	}

	seat := Black
	switch {
	case requested == ChoiceWhite && rec.Match.White == nil:
		seat = White
	case requested == ChoiceBlack && rec.Match.Black == nil:
		seat = Black
	case rec.Match.White == nil:
		seat = White
	}

	ref := joiner
	if seat == White {
		rec.Match.White = &ref
	} else {
		rec.Match.Black = &ref
	}
	if rec.Match.White != nil && rec.Match.Black != nil {
		rec.Match.Status = StatusActive
		rec.Match.StartedAt = now
	}
	return seat, nil
}

// ApplyMove validates and applies one ply for moverID. A flag fall
// takes precedence over move legality. On any error the Record,
// including the clocks, is left exactly as it was.
func ApplyMove(rec *Record, moverID, from, to, promotion string, now time.Time) (*MoveOutcome, error) {
	if rec.Match.Status != StatusActive {
		return nil, ErrGameNotActive
	}
	seat := rec.SeatOf(moverID)
	if seat == "" {
		return nil, ErrNotAPlayer
	}
	if seat != rec.Position.Turn {
		return nil, ErrWrongTurn
	}

	remaining, fell := clock.Tick(sideTimeMs(rec, seat), rec.Match.TimeControl.IncrementMs, elapsedFor(rec, now))
	if fell {
		setSideTimeMs(rec, seat, 0)
		finalize(rec, Result(seat.Opponent()), ReasonTimeout, now)
		return &MoveOutcome{FlagFallen: true}, nil
	}

	res, err := engine.Apply(engine.StartFEN, rec.MoveHistory(), from, to, promotion)
	if err != nil {
		return nil, err
	}

	mv := Move{
		Index:           rec.Position.MoveIndex + 1,
		SAN:             res.SAN,
		UCI:             res.UCI,
		FENAfter:        res.FENAfter,
		PlayedBy:        seat,
		TimeRemainingMs: remaining,
		PlayedAt:        now,
	}

	pos := Position{
		FEN:         res.FENAfter,
		MoveIndex:   mv.Index,
		Turn:        seat.Opponent(),
		WhiteTimeMs: rec.Position.WhiteTimeMs,
		BlackTimeMs: rec.Position.BlackTimeMs,
		LastMoveAt:  now,
		IsCheck:     res.IsCheck,
		IsCheckmate: res.IsCheckmate,
		IsStalemate: res.IsStalemate,
		IsDraw:      res.IsDraw,
		DrawReason:  res.DrawReason,
		LastMove:    &LastMove{SAN: res.SAN, From: res.UCI[:2], To: res.UCI[2:4]},
	}
	if seat == White {
		pos.WhiteTimeMs = remaining
	} else {
		pos.BlackTimeMs = remaining
	}

	rec.Moves = append(rec.Moves, mv)
	rec.Position = pos

	switch {
	case res.IsCheckmate:
		finalize(rec, Result(seat), ReasonCheckmate, now)
	case res.IsStalemate:
		finalize(rec, ResultDraw, ReasonStalemate, now)
	case res.IsDraw:
		finalize(rec, ResultDraw, drawReasonToMatch(res.DrawReason), now)
	}
	return &MoveOutcome{Move: &mv}, nil
}

// Resign awards the win to the opponent.
func Resign(rec *Record, actorID string, now time.Time) error {
	if rec.Match.Status != StatusActive {
		return ErrGameNotActive
	}
	seat := rec.SeatOf(actorID)
	if seat == "" {
		return ErrNotAPlayer
	}
	finalize(rec, Result(seat.Opponent()), ReasonResignation, now)
	return nil
}

// FinalizeDraw completes the match as an agreed draw. The caller is
// responsible for having validated an outstanding offer; offers are
// transient and never part of the Record.
func FinalizeDraw(rec *Record, now time.Time) error {
	if rec.Match.Status != StatusActive {
		return ErrGameNotActive
	}
	finalize(rec, ResultDraw, ReasonDrawAgreed, now)
	return nil
}

// ClaimTimeout honors a client-reported flag fall only after
// re-deriving it from the Position and the wall clock. The reported
// loser must be the side whose clock actually ran out, regardless of
// who reports it.
func ClaimTimeout(rec *Record, actorID string, claimedLoser Color, now time.Time) error {
	if rec.Match.Status != StatusActive {
		return ErrGameNotActive
	}
	if rec.SeatOf(actorID) == "" {
		return ErrNotAPlayer
	}
	if claimedLoser != White && claimedLoser != Black {
		return ErrUnauthorizedTimeout
	}
	// Only the side on the move loses time.
	if claimedLoser != rec.Position.Turn {
		return ErrUnauthorizedTimeout
	}
	// Before the first move the clock has not started.
	if rec.Position.MoveIndex == 0 {
		return ErrUnauthorizedTimeout
	}
	_, fell := clock.Tick(sideTimeMs(rec, claimedLoser), rec.Match.TimeControl.IncrementMs, elapsedFor(rec, now))
	if !fell {
		return ErrUnauthorizedTimeout
	}
	setSideTimeMs(rec, claimedLoser, 0)
	finalize(rec, Result(claimedLoser.Opponent()), ReasonTimeout, now)
	return nil
}

// ExpireWaiting sweeps a stale waiting match to expired. Reports
// whether a transition happened.
func ExpireWaiting(rec *Record, now time.Time, maxAge time.Duration) bool {
	if rec.Match.Status != StatusWaiting {
		return false
	}
	if now.Sub(rec.Match.CreatedAt) < maxAge {
		return false
	}
	rec.Match.Status = StatusExpired
	return true
}

func elapsedFor(rec *Record, now time.Time) int64 {
	// First move is exempt from deduction.
	if rec.Position.MoveIndex == 0 || rec.Position.LastMoveAt.IsZero() {
		return 0
	}
	return now.Sub(rec.Position.LastMoveAt).Milliseconds()
}

func sideTimeMs(rec *Record, c Color) int64 {
	if c == White {
		return rec.Position.WhiteTimeMs
	}
	return rec.Position.BlackTimeMs
}

func setSideTimeMs(rec *Record, c Color, ms int64) {
	if c == White {
		rec.Position.WhiteTimeMs = ms
	} else {
		rec.Position.BlackTimeMs = ms
	}
}

func finalize(rec *Record, result Result, reason Reason, now time.Time) {
	rec.Match.Status = StatusCompleted
	rec.Match.Result = result
	rec.Match.ResultReason = reason
	rec.Match.EndedAt = now
}

func drawReasonToMatch(r engine.DrawReason) Reason {
	switch r {
	case engine.DrawThreefold:
		return ReasonThreefold
	case engine.DrawFiftyMove:
		return ReasonFiftyMove
	default:
		return ReasonInsufficient
	}
}

func coinFlip() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	return err == nil && n.Int64() == 1
}
