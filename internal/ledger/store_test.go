package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/dkotl/peerchess/internal/clock"
	"github.com/dkotl/peerchess/internal/match"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	url := fmt.Sprintf("redis://%s/0", mr.Addr())
	s, err := NewStoreFromURL(context.Background(), url)
	if err != nil {
		t.Fatalf("NewStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func fiveOh(t *testing.T) clock.Control {
	t.Helper()
	tc, err := clock.Parse("5+0")
	if err != nil {
		t.Fatalf("clock.Parse: %v", err)
	}
	return tc
}

func activeMatch(t *testing.T, s *Store, id string) *match.Record {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Create(ctx, id, fiveOh(t), match.ChoiceWhite, match.PlayerRef{PlayerID: "alice"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, rec, err := s.Join(ctx, id, match.PlayerRef{PlayerID: "bob"}, match.ChoiceRandom)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if rec.Match.Status != match.StatusActive {
		t.Fatalf("expected active match, got %s", rec.Match.Status)
	}
	return rec
}

func TestCreate_DuplicateRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "m1", fiveOh(t), match.ChoiceWhite, match.PlayerRef{PlayerID: "alice"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Create(ctx, "m1", fiveOh(t), match.ChoiceBlack, match.PlayerRef{PlayerID: "mallory"})
	if !errors.Is(err, match.ErrMatchExists) {
		t.Fatalf("expected ErrMatchExists, got %v", err)
	}

	// The losing insert must not have clobbered the winner's record.
	rec, err := s.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Match.White == nil || rec.Match.White.PlayerID != "alice" {
		t.Fatalf("creator seat lost: %+v", rec.Match)
	}
}

func TestJoin_SecondClaimOnSameSeatGetsOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "m1", fiveOh(t), match.ChoiceWhite, match.PlayerRef{PlayerID: "alice"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			pid := fmt.Sprintf("p%d", n)
			for {
				_, _, err := s.Join(ctx, "m1", match.PlayerRef{PlayerID: pid}, match.ChoiceBlack)
				if errors.Is(err, ErrConflict) {
					continue // lost the write race; retry against fresh state
				}
				if err == nil {
					mu.Lock()
					winners = append(winners, pid)
					mu.Unlock()
				}
				return
			}
		}(i)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one seat winner, got %v", winners)
	}
}

func TestMove_SyncThroughLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	activeMatch(t, s, "m1")

	out, rec, err := s.Move(ctx, "m1", "alice", "e2", "e4", "", 0)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if out.FlagFallen || rec.Position.MoveIndex != 1 {
		t.Fatalf("unexpected move outcome: %+v pos=%+v", out, rec.Position)
	}

	// A second client syncing from scratch sees the same triple.
	got, err := s.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Position.FEN != rec.Position.FEN || len(got.Moves) != 1 {
		t.Fatalf("loaded copy diverges: %+v", got.Position)
	}
	if got.Moves[0].SAN != "e4" {
		t.Fatalf("expected SAN e4, got %q", got.Moves[0].SAN)
	}
}

func TestMove_StaleIndexConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	activeMatch(t, s, "m1")

	if _, _, err := s.Move(ctx, "m1", "alice", "e2", "e4", "", 0); err != nil {
		t.Fatalf("Move: %v", err)
	}
	// A writer still holding index 0 lost the race.
	_, _, err := s.Move(ctx, "m1", "bob", "e7", "e5", "", 0)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale index, got %v", err)
	}
	// After refetch the same move goes through.
	if _, _, err := s.Move(ctx, "m1", "bob", "e7", "e5", "", 1); err != nil {
		t.Fatalf("Move after refetch: %v", err)
	}
}

func TestMove_ValidationErrorsPassThrough(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	activeMatch(t, s, "m1")

	if _, _, err := s.Move(ctx, "m1", "bob", "e7", "e5", "", 0); !errors.Is(err, match.ErrWrongTurn) {
		t.Fatalf("expected ErrWrongTurn, got %v", err)
	}
	if _, _, err := s.Move(ctx, "m1", "carol", "e2", "e4", "", 0); !errors.Is(err, match.ErrNotAPlayer) {
		t.Fatalf("expected ErrNotAPlayer, got %v", err)
	}
	if _, _, err := s.Move(ctx, "nope", "alice", "e2", "e4", "", 0); !errors.Is(err, match.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestSubscribe_DeliversRecordsOnWrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	activeMatch(t, s, "m1")

	ch, stop, err := s.Subscribe(ctx, "m1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if _, _, err := s.Move(ctx, "m1", "alice", "e2", "e4", "", 0); err != nil {
		t.Fatalf("Move: %v", err)
	}

	select {
	case rec := <-ch:
		if rec.Position.MoveIndex != 1 || rec.Position.Turn != match.Black {
			t.Fatalf("unexpected published record: %+v", rec.Position)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no record published within deadline")
	}
}

func TestDraw_OfferAndAccept(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	activeMatch(t, s, "m1")

	if _, err := s.AcceptDraw(ctx, "m1", "bob"); !errors.Is(err, match.ErrNoDrawOffer) {
		t.Fatalf("expected ErrNoDrawOffer, got %v", err)
	}
	seat, err := s.OfferDraw(ctx, "m1", "alice")
	if err != nil || seat != match.White {
		t.Fatalf("OfferDraw: seat=%s err=%v", seat, err)
	}
	rec, err := s.AcceptDraw(ctx, "m1", "bob")
	if err != nil {
		t.Fatalf("AcceptDraw: %v", err)
	}
	if rec.Match.Result != match.ResultDraw || rec.Match.ResultReason != match.ReasonDrawAgreed {
		t.Fatalf("unexpected result: %+v", rec.Match)
	}
	if mr.Exists(offerKey("m1")) {
		t.Fatalf("offer key should be cleared after acceptance")
	}
}

func TestDraw_OfferLapsesWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	activeMatch(t, s, "m1")

	if _, err := s.OfferDraw(ctx, "m1", "alice"); err != nil {
		t.Fatalf("OfferDraw: %v", err)
	}
	mr.FastForward(ttlOffer + time.Second)
	if _, err := s.AcceptDraw(ctx, "m1", "bob"); !errors.Is(err, match.ErrNoDrawOffer) {
		t.Fatalf("expected lapsed offer, got %v", err)
	}
}

func TestClaimTimeout_RequiresExhaustedClock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	activeMatch(t, s, "m1")
	if _, _, err := s.Move(ctx, "m1", "alice", "e2", "e4", "", 0); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if _, err := s.ClaimTimeout(ctx, "m1", "alice", match.Black); !errors.Is(err, match.ErrUnauthorizedTimeout) {
		t.Fatalf("expected rejection while clock remains, got %v", err)
	}

	// Stall long enough for black's 5 minute budget to run out.
	s.now = func() time.Time { return time.Now().Add(400 * time.Second) }
	rec, err := s.ClaimTimeout(ctx, "m1", "alice", match.Black)
	if err != nil {
		t.Fatalf("ClaimTimeout: %v", err)
	}
	if rec.Match.Result != match.ResultWhite || rec.Match.ResultReason != match.ReasonTimeout {
		t.Fatalf("unexpected result: %+v", rec.Match)
	}
	if rec.Position.BlackTimeMs != 0 {
		t.Fatalf("loser clock should read zero, got %d", rec.Position.BlackTimeMs)
	}
}

func TestExpire_WaitingMatchOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "m1", fiveOh(t), match.ChoiceWhite, match.PlayerRef{PlayerID: "alice"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	expired, err := s.Expire(ctx, "m1", 30*time.Minute)
	if err != nil || !expired {
		t.Fatalf("Expire: expired=%v err=%v", expired, err)
	}
	rec, err := s.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Match.Status != match.StatusExpired {
		t.Fatalf("expected expired, got %s", rec.Match.Status)
	}
	if _, _, err := s.Join(ctx, "m1", match.PlayerRef{PlayerID: "bob"}, match.ChoiceRandom); !errors.Is(err, match.ErrGameNotActive) {
		t.Fatalf("join on expired match should fail, got %v", err)
	}
}

func TestExpire_FreshMatchStaysQuiet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := s.Create(ctx, "m1", fiveOh(t), match.ChoiceWhite, match.PlayerRef{PlayerID: "alice"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ch, stop, err := s.Subscribe(ctx, "m1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	expired, err := s.Expire(ctx, "m1", 30*time.Minute)
	if err != nil || expired {
		t.Fatalf("Expire: expired=%v err=%v", expired, err)
	}

	// Nothing changed, so nothing may be written or announced.
	select {
	case rec := <-ch:
		t.Fatalf("no-op expiry published a record: %+v", rec.Match)
	case <-time.After(300 * time.Millisecond):
	}
	rec, err := s.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Match.Status != match.StatusWaiting {
		t.Fatalf("expected waiting, got %s", rec.Match.Status)
	}
}

func TestCompletedHookFiresOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	activeMatch(t, s, "m1")

	var events []match.CompletedEvent
	s.OnCompleted(func(ev match.CompletedEvent) { events = append(events, ev) })

	if _, err := s.Resign(ctx, "m1", "bob"); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one completion event, got %d", len(events))
	}
	if events[0].Result != match.ResultWhite || events[0].Reason != match.ReasonResignation {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}
