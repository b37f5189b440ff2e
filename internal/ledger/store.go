// Package ledger implements the shared-database variant of the match
// authority: instead of a resident host process, every client applies
// the same validated transitions against Redis under optimistic
// concurrency control, and change notification substitutes for peer
// broadcast. It also houses the Postgres archive that records
// completed games.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dkotl/peerchess/internal/clock"
	"github.com/dkotl/peerchess/internal/match"
	"github.com/dkotl/peerchess/internal/obslog"
)

// ErrConflict means a concurrent writer won the race; the caller must
// refetch and decide whether to resubmit. Resubmitting a move blindly
// is wrong once the move index has advanced.
var ErrConflict = errors.New("concurrent update lost the write race")

// errNoChange aborts an update before the write so nothing is stored
// or published.
var errNoChange = errors.New("no change")

const (
	ttlRecord = 7 * 24 * time.Hour
	ttlOffer  = 5 * time.Minute
)

// Store is the Redis-backed authority.
type Store struct {
	rdb         *redis.Client
	now         func() time.Time
	onCompleted func(match.CompletedEvent)
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

// NewStoreFromURL connects and pings before returning.
func NewStoreFromURL(ctx context.Context, redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url required for ledger store")
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewStore(rdb), nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// OnCompleted registers a hook fired after a terminal transition this
// store committed.
func (s *Store) OnCompleted(fn func(match.CompletedEvent)) { s.onCompleted = fn }

func recordKey(id string) string  { return "pc:match:" + strings.TrimSpace(id) }
func offerKey(id string) string   { return recordKey(id) + ":offer" }
func channelKey(id string) string { return recordKey(id) + ":events" }

// Create inserts the initial record. The SETNX is the race arbiter:
// whichever client's insert wins owns the creator seat.
func (s *Store) Create(ctx context.Context, id string, control clock.Control, pref match.ColorChoice, creator match.PlayerRef) (*match.Record, error) {
	rec := match.NewRecord(id, control, pref, creator, s.now())
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	ok, err := s.rdb.SetNX(ctx, recordKey(id), raw, ttlRecord).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, match.ErrMatchExists
	}
	s.publish(ctx, rec)
	obslog.L().Info("ledger_create",
		zap.String("match_id", id),
		zap.String("time_control", control.Name),
	)
	return rec, nil
}

// Load is the sync read: the full triple, replacing any local copy
// wholesale.
func (s *Store) Load(ctx context.Context, id string) (*match.Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, match.ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec match.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Join claims a seat under WATCH so two concurrent claims on the same
// seat produce exactly one winner.
func (s *Store) Join(ctx context.Context, id string, joiner match.PlayerRef, requested match.ColorChoice) (match.Color, *match.Record, error) {
	var seat match.Color
	rec, err := s.update(ctx, id, func(rec *match.Record) error {
		var jerr error
		seat, jerr = match.Join(rec, joiner, requested, s.now())
		return jerr
	})
	if err != nil {
		return "", nil, err
	}
	obslog.L().Info("ledger_join",
		zap.String("match_id", id),
		zap.String("player_id", joiner.PlayerID),
		zap.String("seat", string(seat)),
	)
	return seat, rec, nil
}

// Move applies one ply. expectedMoveIndex is the index the caller last
// observed; a mismatch means another write landed first and the caller
// must refetch (mandatory compare-and-swap guard on every
// read-then-write path).
func (s *Store) Move(ctx context.Context, id, moverID, from, to, promotion string, expectedMoveIndex int) (*match.MoveOutcome, *match.Record, error) {
	var out *match.MoveOutcome
	rec, err := s.update(ctx, id, func(rec *match.Record) error {
		if rec.Position.MoveIndex != expectedMoveIndex {
			return ErrConflict
		}
		var merr error
		out, merr = match.ApplyMove(rec, moverID, from, to, promotion, s.now())
		return merr
	})
	if err != nil {
		return nil, nil, err
	}
	obslog.L().Info("ledger_move",
		zap.String("match_id", id),
		zap.String("player_id", moverID),
		zap.Bool("flag_fallen", out.FlagFallen),
		zap.Int("move_index", rec.Position.MoveIndex),
	)
	return out, rec, nil
}

func (s *Store) Resign(ctx context.Context, id, actorID string) (*match.Record, error) {
	rec, err := s.update(ctx, id, func(rec *match.Record) error {
		return match.Resign(rec, actorID, s.now())
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("ledger_resign",
		zap.String("match_id", id),
		zap.String("player_id", actorID),
	)
	return rec, nil
}

// OfferDraw parks a transient offer in a side key. There is no
// resident process to hold it, so the TTL plays the role of "cleared
// when forgotten"; a reconnecting client loses an outstanding offer
// once it lapses.
func (s *Store) OfferDraw(ctx context.Context, id, actorID string) (match.Color, error) {
	rec, err := s.Load(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Match.Status != match.StatusActive {
		return "", match.ErrGameNotActive
	}
	seat := rec.SeatOf(actorID)
	if seat == "" {
		return "", match.ErrNotAPlayer
	}
	if err := s.rdb.Set(ctx, offerKey(id), string(seat), ttlOffer).Err(); err != nil {
		return "", err
	}
	return seat, nil
}

func (s *Store) AcceptDraw(ctx context.Context, id, actorID string) (*match.Record, error) {
	if _, err := s.rdb.Get(ctx, offerKey(id)).Result(); err == redis.Nil {
		return nil, match.ErrNoDrawOffer
	} else if err != nil {
		return nil, err
	}
	rec, err := s.update(ctx, id, func(rec *match.Record) error {
		if rec.SeatOf(actorID) == "" {
			return match.ErrNotAPlayer
		}
		return match.FinalizeDraw(rec, s.now())
	})
	if err != nil {
		return nil, err
	}
	_ = s.rdb.Del(ctx, offerKey(id)).Err()
	return rec, nil
}

func (s *Store) ClaimTimeout(ctx context.Context, id, actorID string, claimedLoser match.Color) (*match.Record, error) {
	rec, err := s.update(ctx, id, func(rec *match.Record) error {
		return match.ClaimTimeout(rec, actorID, claimedLoser, s.now())
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("ledger_timeout",
		zap.String("match_id", id),
		zap.String("loser", string(claimedLoser)),
	)
	return rec, nil
}

// Expire sweeps a stale waiting match. A match that is not stale is
// left untouched: no write, no published event.
func (s *Store) Expire(ctx context.Context, id string, maxAge time.Duration) (bool, error) {
	_, err := s.update(ctx, id, func(rec *match.Record) error {
		if !match.ExpireWaiting(rec, s.now(), maxAge) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = s.rdb.Del(ctx, offerKey(id)).Err()
	return true, nil
}

// Subscribe yields authoritative records as they change. The returned
// stop func must be called to release the subscription.
func (s *Store) Subscribe(ctx context.Context, id string) (<-chan *match.Record, func(), error) {
	sub := s.rdb.Subscribe(ctx, channelKey(id))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan *match.Record, 8)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var rec match.Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				obslog.L().Warn("ledger_event_malformed", zap.String("match_id", id), zap.Error(err))
				continue
			}
			select {
			case out <- &rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

// update runs fn against the current record under WATCH and persists
// the mutation atomically; an interleaved write aborts the transaction
// and surfaces as ErrConflict.
func (s *Store) update(ctx context.Context, id string, fn func(*match.Record) error) (*match.Record, error) {
	key := recordKey(id)
	var (
		rec          match.Record
		wasCompleted bool
	)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return match.ErrMatchNotFound
		}
		if err != nil {
			return err
		}
		rec = match.Record{}
		if jerr := json.Unmarshal(raw, &rec); jerr != nil {
			return jerr
		}
		wasCompleted = rec.Match.Status == match.StatusCompleted
		if err := fn(&rec); err != nil {
			return err
		}
		newRaw, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlRecord)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, ErrConflict
		}
		return nil, err
	}

	s.publish(ctx, &rec)
	if !wasCompleted && rec.Match.Status == match.StatusCompleted && s.onCompleted != nil {
		s.onCompleted(match.CompletedEvent{
			MatchID: rec.Match.ID,
			Result:  rec.Match.Result,
			Reason:  rec.Match.ResultReason,
			Record:  rec.Clone(),
		})
	}
	return &rec, nil
}

func (s *Store) publish(ctx context.Context, rec *match.Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, channelKey(rec.Match.ID), raw).Err(); err != nil {
		obslog.L().Warn("ledger_publish_error", zap.String("match_id", rec.Match.ID), zap.Error(err))
	}
}

// ParseRedisURL extracts client options from REDIS_URL. Exported so
// cmd can share one client between the ledger and the host election.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
