package peer

import (
	"sync"

	"github.com/dkotl/peerchess/internal/match"
)

// Guard binds transport sessions to player identities. The binding is
// fixed at join time; after that, every action is attributed to the
// session's bound player and any identity claimed inside a payload
// must agree with it. A session can never act for a player it did not
// join as.
type Guard struct {
	mu       sync.RWMutex
	bindings map[string]string // session id -> player id
}

func NewGuard() *Guard {
	return &Guard{bindings: make(map[string]string)}
}

// Bind fixes the session's identity. Re-binding with the same player
// is a no-op; switching identities on a live session is refused.
func (g *Guard) Bind(sessionID, playerID string) error {
	if sessionID == "" || playerID == "" {
		return match.ErrUnauthorizedAction
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if bound, ok := g.bindings[sessionID]; ok && bound != playerID {
		return match.ErrUnauthorizedAction
	}
	g.bindings[sessionID] = playerID
	return nil
}

// PlayerOf returns the identity bound to the session, if any.
func (g *Guard) PlayerOf(sessionID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pid, ok := g.bindings[sessionID]
	return pid, ok
}

// Verify checks a payload-claimed identity against the session
// binding. An unbound session is never authorized; an empty claim
// falls back to the binding itself.
func (g *Guard) Verify(sessionID, claimedPlayerID string) (string, error) {
	g.mu.RLock()
	bound, ok := g.bindings[sessionID]
	g.mu.RUnlock()
	if !ok {
		return "", match.ErrUnauthorizedAction
	}
	if claimedPlayerID != "" && claimedPlayerID != bound {
		return "", match.ErrUnauthorizedAction
	}
	return bound, nil
}

// Drop releases the binding when a session closes.
func (g *Guard) Drop(sessionID string) {
	g.mu.Lock()
	delete(g.bindings, sessionID)
	g.mu.Unlock()
}
