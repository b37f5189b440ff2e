package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkotl/peerchess/internal/clock"
	"github.com/dkotl/peerchess/internal/engine"
	"github.com/dkotl/peerchess/internal/match"
)

func TestSyncRoundTrip(t *testing.T) {
	rec := match.NewRecord("m1",
		clock.Control{Name: "5+0", InitialMs: 300_000},
		match.ChoiceWhite,
		match.PlayerRef{PlayerID: "alice", AccountID: "acc-1"},
		time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	)
	env, err := NewSync(rec)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	payload, err := back.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	sync, ok := payload.(*SyncGame)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	got := sync.Record()
	if got.Match.ID != "m1" || got.Position.FEN != engine.StartFEN {
		t.Fatalf("record = %+v", got)
	}
	if got.Match.White == nil || got.Match.White.AccountID != "acc-1" {
		t.Fatalf("white seat lost: %+v", got.Match.White)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"EVIL","payload":{}}`), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := env.DecodePayload(); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestDecodeMakeMoveShape(t *testing.T) {
	cases := map[string]string{
		"numeric from": `{"type":"MAKE_MOVE","payload":{"from":42,"to":"e4"}}`,
		"missing to":   `{"type":"MAKE_MOVE","payload":{"from":"e2"}}`,
		"empty from":   `{"type":"MAKE_MOVE","payload":{"from":" ","to":"e4"}}`,
		"not an obj":   `{"type":"MAKE_MOVE","payload":"e2e4"}`,
	}
	for name, raw := range cases {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			t.Fatalf("%s: unmarshal: %v", name, err)
		}
		if _, err := env.DecodePayload(); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: err = %v, want ErrMalformed", name, err)
		}
	}

	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"MAKE_MOVE","payload":{"from":"e2","to":"e4","promotion":"q"}}`), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p, err := env.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	mv := p.(*MakeMove)
	if mv.From != "e2" || mv.To != "e4" || mv.Promotion != "q" {
		t.Fatalf("move = %+v", mv)
	}
}

func TestDecodeActionValidation(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"ACTION","payload":{"action":"explode","playerId":"p1"}}`), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := env.DecodePayload(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("unknown action accepted")
	}

	if err := json.Unmarshal([]byte(`{"type":"ACTION","payload":{"action":"timeout","playerId":"p1","loser":"white"}}`), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p, err := env.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	act := p.(*Action)
	if act.Action != ActionTimeout || act.Loser != "white" {
		t.Fatalf("action = %+v", act)
	}
}

func TestDecodeJoinRequestRequiresPlayerID(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"JOIN_REQUEST","payload":{"color":"white"}}`), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := env.DecodePayload(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("join without playerId accepted")
	}
}
