// Package match owns the canonical {Match, Position, MoveLog} triple
// and every validated state transition over it. Transitions are pure
// functions of a Record plus a wall-clock instant; the Manager wraps
// them for the in-process authoritative (host) path and the ledger
// package wraps the same functions for the shared-store variant.
package match

import (
	"time"

	"github.com/dkotl/peerchess/internal/clock"
	"github.com/dkotl/peerchess/internal/engine"
)

// Color identifies a seat.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opponent returns the other seat.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// ColorChoice is a seat preference for create/join.
type ColorChoice string

const (
	ChoiceWhite  ColorChoice = "white"
	ChoiceBlack  ColorChoice = "black"
	ChoiceRandom ColorChoice = "random"
)

// ParseColorChoice normalizes user input; anything unrecognized is
// treated as random.
func ParseColorChoice(s string) ColorChoice {
	switch s {
	case "white", "w":
		return ChoiceWhite
	case "black", "b":
		return ChoiceBlack
	default:
		return ChoiceRandom
	}
}

// Status is the match lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Result names the winning seat, or a draw.
type Result string

const (
	ResultWhite Result = "white"
	ResultBlack Result = "black"
	ResultDraw  Result = "draw"
)

// Reason explains a completed match.
type Reason string

const (
	ReasonCheckmate    Reason = "checkmate"
	ReasonTimeout      Reason = "timeout"
	ReasonResignation  Reason = "resignation"
	ReasonStalemate    Reason = "stalemate"
	ReasonDrawAgreed   Reason = "draw_agreement"
	ReasonInsufficient Reason = "insufficient_material"
	ReasonThreefold    Reason = "threefold_repetition"
	ReasonFiftyMove    Reason = "fifty_move_rule"
)

// PlayerRef is a seat occupant. PlayerID is the per-session identity
// used on the wire; a reconnecting player must present the same id to
// resume the seat. AccountID optionally links the external identity
// system.
type PlayerRef struct {
	PlayerID  string `json:"player_id"`
	AccountID string `json:"account_id,omitempty"`
}

// Match identifies one game instance. The ID doubles as the room name
// and the ledger key; callers supply it.
type Match struct {
	ID          string        `json:"id"`
	Status      Status        `json:"status"`
	TimeControl clock.Control `json:"time_control"`
	White       *PlayerRef    `json:"white,omitempty"`
	Black       *PlayerRef    `json:"black,omitempty"`

	Result       Result `json:"result,omitempty"`
	ResultReason Reason `json:"result_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// LastMove is kept for UI highlighting.
type LastMove struct {
	SAN  string `json:"san"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Position is the live board snapshot. It is replaced wholesale on
// every ply, never diffed.
type Position struct {
	FEN         string    `json:"fen"`
	MoveIndex   int       `json:"move_index"`
	Turn        Color     `json:"turn"`
	WhiteTimeMs int64     `json:"white_time_ms"`
	BlackTimeMs int64     `json:"black_time_ms"`
	LastMoveAt  time.Time `json:"last_move_at,omitempty"`

	IsCheck     bool              `json:"is_check"`
	IsCheckmate bool              `json:"is_checkmate"`
	IsStalemate bool              `json:"is_stalemate"`
	IsDraw      bool              `json:"is_draw"`
	DrawReason  engine.DrawReason `json:"draw_reason,omitempty"`

	LastMove *LastMove `json:"last_move,omitempty"`
}

// Move is one applied ply. Immutable once appended.
type Move struct {
	Index           int       `json:"index"`
	SAN             string    `json:"san"`
	UCI             string    `json:"uci"`
	FENAfter        string    `json:"fen_after"`
	PlayedBy        Color     `json:"played_by"`
	TimeRemainingMs int64     `json:"time_remaining_ms"`
	PlayedAt        time.Time `json:"played_at"`
}

// Record is the full authoritative triple. Guests hold read-only
// copies replaced wholesale on sync.
type Record struct {
	Match    Match    `json:"match"`
	Position Position `json:"position"`
	Moves    []Move   `json:"moves"`
}

// Clone returns a deep copy safe to hand outside the owning side.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Match.White != nil {
		w := *r.Match.White
		out.Match.White = &w
	}
	if r.Match.Black != nil {
		b := *r.Match.Black
		out.Match.Black = &b
	}
	if r.Position.LastMove != nil {
		lm := *r.Position.LastMove
		out.Position.LastMove = &lm
	}
	out.Moves = append([]Move(nil), r.Moves...)
	return &out
}

// SeatOf returns the color occupied by playerID, or "" when the id
// holds no seat.
func (r *Record) SeatOf(playerID string) Color {
	if r.Match.White != nil && r.Match.White.PlayerID == playerID {
		return White
	}
	if r.Match.Black != nil && r.Match.Black.PlayerID == playerID {
		return Black
	}
	return ""
}

// MoveHistory returns the UCI history for engine reconstruction.
func (r *Record) MoveHistory() []string {
	out := make([]string, 0, len(r.Moves))
	for _, m := range r.Moves {
		out = append(out, m.UCI)
	}
	return out
}

// CompletedEvent is emitted exactly once when a match completes, for
// the external rating/archival systems to consume.
type CompletedEvent struct {
	MatchID string
	Result  Result
	Reason  Reason
	Record  *Record
}
