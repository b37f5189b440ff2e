package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/dkotl/peerchess/internal/match"
	"github.com/dkotl/peerchess/internal/obslog"
	"github.com/dkotl/peerchess/internal/wire"
)

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 16

	// localSession carries the host player's own intents through the
	// same apply loop as remote ones.
	localSession = "local"
)

// Host owns the authoritative record for one room and replicates it.
// All intents, local and remote, funnel through a single apply
// goroutine, so state transitions are strictly serial; per-session
// reader and writer goroutines only move bytes.
type Host struct {
	roomID string
	mgr    *match.Manager
	guard  *Guard

	intents chan intent

	sessMu   sync.Mutex
	sessions map[string]*session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type intent struct {
	sessionID string
	env       *wire.Envelope
	reply     chan error // nil for remote intents; errors go back as ERROR frames
}

type session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

func NewHost(roomID string, mgr *match.Manager) *Host {
	h := &Host{
		roomID:   roomID,
		mgr:      mgr,
		guard:    NewGuard(),
		intents:  make(chan intent, 64),
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Handler accepts guest websocket connections.
func (h *Host) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode:    websocket.CompressionNoContextTakeover,
			InsecureSkipVerify: true,
		})
		if err != nil {
			obslog.L().Warn("host_accept_error", zap.Error(err))
			return
		}
		h.serve(conn)
	})
}

func (h *Host) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		cancel: cancel,
	}
	h.sessMu.Lock()
	h.sessions[s.id] = s
	h.sessMu.Unlock()
	obslog.L().Info("host_session_open", zap.String("session_id", s.id))

	h.wg.Add(2)
	go h.writer(ctx, s)
	go h.reader(ctx, s)

	// A fresh connection gets the current state right away, before it
	// joins or anything else happens.
	if rec, err := h.mgr.Snapshot(h.roomID); err == nil {
		if env, err := wire.NewSync(rec); err == nil {
			if raw, err := json.Marshal(env); err == nil {
				select {
				case s.send <- raw:
				default:
				}
			}
		}
	}
}

func (h *Host) reader(ctx context.Context, s *session) {
	defer h.wg.Done()
	defer h.dropSession(s)
	for {
		_, raw, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			// Malformed frames are dropped, never applied.
			obslog.L().Warn("host_frame_malformed", zap.String("session_id", s.id))
			continue
		}
		select {
		case h.intents <- intent{sessionID: s.id, env: &env}:
		case <-h.stopCh:
			return
		}
	}
}

func (h *Host) writer(ctx context.Context, s *session) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-s.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				h.dropSession(s)
				return
			}
		}
	}
}

func (h *Host) dropSession(s *session) {
	h.sessMu.Lock()
	_, live := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.sessMu.Unlock()
	if !live {
		return
	}
	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	h.guard.Drop(s.id)
	obslog.L().Info("host_session_close", zap.String("session_id", s.id))
}

// run is the single apply loop. It is the only goroutine that mutates
// match state through the manager.
func (h *Host) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case in := <-h.intents:
			err := h.apply(in)
			if in.reply != nil {
				in.reply <- err
			} else if err != nil {
				h.sendError(in.sessionID, err)
			}
		}
	}
}

func (h *Host) apply(in intent) error {
	// Frames that fail to decode are logged and dropped; no reply.
	// Only semantic rejections of a well-formed intent go back as
	// ERROR frames.
	payload, err := in.env.DecodePayload()
	if err != nil {
		obslog.L().Warn("host_payload_malformed",
			zap.String("session_id", in.sessionID),
			zap.String("type", string(in.env.Type)),
			zap.Error(err),
		)
		return nil
	}

	switch p := payload.(type) {
	case *wire.JoinRequest:
		return h.applyJoin(in.sessionID, p)
	case *wire.MakeMove:
		return h.applyMove(in.sessionID, p)
	case *wire.Action:
		return h.applyAction(in.sessionID, p)
	case *wire.Chat:
		if env, err := wire.NewEnvelope(wire.KindChat, p); err == nil {
			h.broadcast(env)
		}
		return nil
	case *wire.ErrorMsg:
		obslog.L().Warn("host_peer_error", zap.String("session_id", in.sessionID), zap.String("message", p.Message))
		return nil
	case *wire.SyncGame:
		// Only the host emits sync; a guest sending one is dropped
		// like any other bad frame.
		obslog.L().Warn("host_frame_unexpected", zap.String("session_id", in.sessionID), zap.String("type", string(in.env.Type)))
		return nil
	default:
		obslog.L().Warn("host_frame_unexpected", zap.String("session_id", in.sessionID), zap.String("type", string(in.env.Type)))
		return nil
	}
}

func (h *Host) applyJoin(sessionID string, p *wire.JoinRequest) error {
	if err := h.guard.Bind(sessionID, p.PlayerID); err != nil {
		return err
	}
	seat, rec, err := h.mgr.Join(h.roomID, match.PlayerRef{PlayerID: p.PlayerID, AccountID: p.AccountID}, match.ParseColorChoice(p.Color))
	if err != nil {
		return err
	}
	obslog.L().Info("host_join",
		zap.String("session_id", sessionID),
		zap.String("player_id", p.PlayerID),
		zap.String("seat", string(seat)),
	)
	h.broadcastSync(rec)
	return nil
}

func (h *Host) applyMove(sessionID string, p *wire.MakeMove) error {
	playerID, ok := h.guard.PlayerOf(sessionID)
	if !ok {
		return match.ErrUnauthorizedAction
	}
	// Rejected moves produce no broadcast; only the origin learns why.
	_, rec, err := h.mgr.Move(h.roomID, playerID, p.From, p.To, p.Promotion)
	if err != nil {
		return err
	}
	h.broadcastSync(rec)
	return nil
}

func (h *Host) applyAction(sessionID string, p *wire.Action) error {
	playerID, err := h.guard.Verify(sessionID, p.PlayerID)
	if err != nil {
		return err
	}
	var rec *match.Record
	switch p.Action {
	case wire.ActionResign:
		rec, err = h.mgr.Resign(h.roomID, playerID)
	case wire.ActionOfferDraw:
		if _, err = h.mgr.OfferDraw(h.roomID, playerID); err != nil {
			return err
		}
		// An offer changes nothing in the record; the opponent learns
		// of it from the relayed action itself.
		if env, eerr := wire.NewEnvelope(wire.KindAction, &wire.Action{Action: wire.ActionOfferDraw, PlayerID: playerID}); eerr == nil {
			h.broadcast(env)
		}
		return nil
	case wire.ActionAcceptDraw:
		rec, err = h.mgr.AcceptDraw(h.roomID, playerID)
	case wire.ActionTimeout:
		rec, err = h.mgr.ClaimTimeout(h.roomID, playerID, match.Color(p.Loser))
	default:
		return wire.ErrMalformed
	}
	if err != nil {
		return err
	}
	h.broadcastSync(rec)
	return nil
}

// Local routes the host player's own intent through the apply loop
// and waits for the verdict.
func (h *Host) Local(ctx context.Context, env *wire.Envelope) error {
	reply := make(chan error, 1)
	select {
	case h.intents <- intent{sessionID: localSession, env: env, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopCh:
		return errors.New("host stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BindLocal fixes the host player's identity for the local session.
func (h *Host) BindLocal(playerID string) error {
	return h.guard.Bind(localSession, playerID)
}

// Snapshot returns a copy of the current record.
func (h *Host) Snapshot() (*match.Record, error) {
	return h.mgr.Snapshot(h.roomID)
}

func (h *Host) broadcastSync(rec *match.Record) {
	if rec == nil {
		return
	}
	env, err := wire.NewSync(rec)
	if err != nil {
		return
	}
	h.broadcast(env)
}

func (h *Host) broadcast(env *wire.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.sessMu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.sessMu.Unlock()
	for _, s := range targets {
		select {
		case s.send <- raw:
		default:
			// A receiver this far behind is not keeping the replica
			// anyway; cut it loose.
			obslog.L().Warn("host_send_queue_full", zap.String("session_id", s.id))
			h.dropSession(s)
		}
	}
}

func (h *Host) sendError(sessionID string, cause error) {
	if sessionID == localSession {
		return
	}
	h.sessMu.Lock()
	s, ok := h.sessions[sessionID]
	h.sessMu.Unlock()
	if !ok {
		return
	}
	raw, err := json.Marshal(wire.NewError(cause.Error()))
	if err != nil {
		return
	}
	select {
	case s.send <- raw:
	default:
	}
}

// Close drops every session and stops the apply loop.
func (h *Host) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.sessMu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.sessMu.Unlock()
	for _, s := range targets {
		h.dropSession(s)
	}
	h.wg.Wait()
}
