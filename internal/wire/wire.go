// Package wire defines the peer-channel message protocol: a JSON
// tagged union, one message per transport frame. Decoding fails
// closed: unknown kinds and payloads of the wrong shape are reported
// as errors for the caller to drop.
package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dkotl/peerchess/internal/match"
)

// Kind discriminates the union.
type Kind string

const (
	KindSyncGame    Kind = "SYNC_GAME"
	KindJoinRequest Kind = "JOIN_REQUEST"
	KindMakeMove    Kind = "MAKE_MOVE"
	KindAction      Kind = "ACTION"
	KindChat        Kind = "CHAT"
	KindError       Kind = "ERROR"
)

var (
	ErrUnknownKind = errf("unknown message kind")
	ErrMalformed   = errf("malformed message payload")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

func errf(s string) error { return staticErr(s) }

// Envelope is the frame put on the wire.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SyncGame carries the full authoritative state. Guests replace their
// replica wholesale; nothing is ever merged.
type SyncGame struct {
	Match    match.Match    `json:"match"`
	Position match.Position `json:"position"`
	Moves    []match.Move   `json:"moves"`
}

// Record rebuilds the replica triple.
func (s *SyncGame) Record() *match.Record {
	return &match.Record{Match: s.Match, Position: s.Position, Moves: s.Moves}
}

type JoinRequest struct {
	PlayerID  string `json:"playerId"`
	Color     string `json:"color,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

type MakeMove struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// ActionName enumerates the non-move intents.
type ActionName string

const (
	ActionResign     ActionName = "resign"
	ActionOfferDraw  ActionName = "offer_draw"
	ActionAcceptDraw ActionName = "accept_draw"
	ActionTimeout    ActionName = "timeout"
)

type Action struct {
	Action   ActionName `json:"action"`
	PlayerID string     `json:"playerId"`
	// Loser names the side whose clock allegedly fell; only used with
	// the timeout action and re-derived by the authority regardless.
	Loser string `json:"loser,omitempty"`
}

type Chat struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorMsg struct {
	Message string `json:"message"`
}

// NewEnvelope marshals payload under the given kind.
func NewEnvelope(kind Kind, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: kind, Payload: raw}, nil
}

// NewSync wraps a record snapshot for broadcast.
func NewSync(rec *match.Record) (*Envelope, error) {
	return NewEnvelope(KindSyncGame, &SyncGame{
		Match:    rec.Match,
		Position: rec.Position,
		Moves:    rec.Moves,
	})
}

// NewError wraps a reason string for the offending connection.
func NewError(message string) *Envelope {
	raw, _ := json.Marshal(&ErrorMsg{Message: message})
	return &Envelope{Type: KindError, Payload: raw}
}

// DecodePayload parses the payload according to the envelope kind and
// validates required fields. ErrUnknownKind and ErrMalformed both mean
// "drop the frame".
func (e *Envelope) DecodePayload() (any, error) {
	switch e.Type {
	case KindSyncGame:
		var p SyncGame
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, ErrMalformed
		}
		return &p, nil
	case KindJoinRequest:
		var p JoinRequest
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, ErrMalformed
		}
		if strings.TrimSpace(p.PlayerID) == "" {
			return nil, ErrMalformed
		}
		return &p, nil
	case KindMakeMove:
		var p MakeMove
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, ErrMalformed
		}
		if strings.TrimSpace(p.From) == "" || strings.TrimSpace(p.To) == "" {
			return nil, ErrMalformed
		}
		return &p, nil
	case KindAction:
		var p Action
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, ErrMalformed
		}
		switch p.Action {
		case ActionResign, ActionOfferDraw, ActionAcceptDraw, ActionTimeout:
		default:
			return nil, ErrMalformed
		}
		if strings.TrimSpace(p.PlayerID) == "" {
			return nil, ErrMalformed
		}
		return &p, nil
	case KindChat:
		var p Chat
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, ErrMalformed
		}
		return &p, nil
	case KindError:
		var p ErrorMsg
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, ErrMalformed
		}
		return &p, nil
	default:
		return nil, ErrUnknownKind
	}
}
