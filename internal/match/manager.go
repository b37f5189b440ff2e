package match

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dkotl/peerchess/internal/clock"
	"github.com/dkotl/peerchess/internal/obslog"
)

// Manager is the in-process authoritative store used by a HOST. All
// transitions run under one mutex, so intents are applied strictly one
// at a time against the current Record; callers never see a partial
// transition. Guests only ever receive Snapshot copies.
type Manager struct {
	mu      sync.Mutex
	matches map[string]*Record
	// Outstanding draw offers, keyed by match id. Transient: an offer
	// does not survive a host restart and is cleared by any terminal
	// transition.
	offers map[string]Color

	onCompleted func(CompletedEvent)
	now         func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		matches: make(map[string]*Record),
		offers:  make(map[string]Color),
		now:     time.Now,
	}
}

// OnCompleted registers a hook invoked exactly once per completed
// match, after the terminal transition is committed.
func (m *Manager) OnCompleted(fn func(CompletedEvent)) {
	m.mu.Lock()
	m.onCompleted = fn
	m.mu.Unlock()
}

// Create builds a new waiting match under id. Fails if id exists.
func (m *Manager) Create(id string, control clock.Control, pref ColorChoice, creator PlayerRef) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matches[id]; ok {
		return nil, ErrMatchExists
	}
	rec := NewRecord(id, control, pref, creator, m.now())
	m.matches[id] = rec
	obslog.L().Info("match_create",
		zap.String("match_id", id),
		zap.String("time_control", control.Name),
	)
	return rec.Clone(), nil
}

// Join claims a seat; claiming the second seat activates the match.
func (m *Manager) Join(id string, joiner PlayerRef, requested ColorChoice) (Color, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.matches[id]
	if !ok {
		return "", nil, ErrMatchNotFound
	}
	seat, err := Join(rec, joiner, requested, m.now())
	if err != nil {
		return "", nil, err
	}
	obslog.L().Info("match_join",
		zap.String("match_id", id),
		zap.String("player_id", joiner.PlayerID),
		zap.String("seat", string(seat)),
		zap.String("status", string(rec.Match.Status)),
	)
	return seat, rec.Clone(), nil
}

// Move applies one ply for moverID.
func (m *Manager) Move(id, moverID, from, to, promotion string) (*MoveOutcome, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.matches[id]
	if !ok {
		return nil, nil, ErrMatchNotFound
	}
	out, err := ApplyMove(rec, moverID, from, to, promotion, m.now())
	if err != nil {
		return nil, nil, err
	}
	if rec.Match.Status == StatusCompleted {
		m.completedLocked(rec)
	}
	obslog.L().Info("match_move",
		zap.String("match_id", id),
		zap.String("player_id", moverID),
		zap.Bool("flag_fallen", out.FlagFallen),
		zap.Int("move_index", rec.Position.MoveIndex),
		zap.String("status", string(rec.Match.Status)),
	)
	return out, rec.Clone(), nil
}

// Resign forfeits actorID's game.
func (m *Manager) Resign(id, actorID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	if err := Resign(rec, actorID, m.now()); err != nil {
		return nil, err
	}
	m.completedLocked(rec)
	obslog.L().Info("match_resign",
		zap.String("match_id", id),
		zap.String("player_id", actorID),
	)
	return rec.Clone(), nil
}

// OfferDraw records a transient offer from actorID's seat. Offering
// again simply refreshes the same offer.
func (m *Manager) OfferDraw(id, actorID string) (Color, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.matches[id]
	if !ok {
		return "", ErrMatchNotFound
	}
	if rec.Match.Status != StatusActive {
		return "", ErrGameNotActive
	}
	seat := rec.SeatOf(actorID)
	if seat == "" {
		return "", ErrNotAPlayer
	}
	m.offers[id] = seat
	obslog.L().Info("match_draw_offer",
		zap.String("match_id", id),
		zap.String("seat", string(seat)),
	)
	return seat, nil
}

// AcceptDraw completes the match as an agreed draw while an offer is
// outstanding. Either seat may accept, including the offerer, which
// allows accept intents that crossed the offer on the wire.
func (m *Manager) AcceptDraw(id, actorID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	if rec.SeatOf(actorID) == "" {
		return nil, ErrNotAPlayer
	}
	if _, pending := m.offers[id]; !pending {
		return nil, ErrNoDrawOffer
	}
	if err := FinalizeDraw(rec, m.now()); err != nil {
		return nil, err
	}
	m.completedLocked(rec)
	obslog.L().Info("match_draw_agreed", zap.String("match_id", id))
	return rec.Clone(), nil
}

// ClaimTimeout finalizes a flag fall reported by a participant, after
// independently recomputing it.
func (m *Manager) ClaimTimeout(id, actorID string, claimedLoser Color) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	if err := ClaimTimeout(rec, actorID, claimedLoser, m.now()); err != nil {
		return nil, err
	}
	m.completedLocked(rec)
	obslog.L().Info("match_timeout",
		zap.String("match_id", id),
		zap.String("loser", string(claimedLoser)),
	)
	return rec.Clone(), nil
}

// Snapshot returns a deep copy of the current Record for sync.
func (m *Manager) Snapshot(id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return rec.Clone(), nil
}

// ExpireStale sweeps waiting matches older than maxAge to expired and
// returns the ids it touched.
func (m *Manager) ExpireStale(maxAge time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	now := m.now()
	for id, rec := range m.matches {
		if ExpireWaiting(rec, now, maxAge) {
			delete(m.offers, id)
			expired = append(expired, id)
			obslog.L().Info("match_expired", zap.String("match_id", id))
		}
	}
	return expired
}

// completedLocked clears any outstanding offer and emits the
// completion event. Caller holds m.mu.
func (m *Manager) completedLocked(rec *Record) {
	delete(m.offers, rec.Match.ID)
	if m.onCompleted != nil {
		m.onCompleted(CompletedEvent{
			MatchID: rec.Match.ID,
			Result:  rec.Match.Result,
			Reason:  rec.Match.ResultReason,
			Record:  rec.Clone(),
		})
	}
}
