package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/dkotl/peerchess/internal/match"
	"github.com/dkotl/peerchess/internal/obslog"
	"github.com/dkotl/peerchess/internal/wire"
)

// Guest mirrors the host's record and forwards every intent to it.
// The replica is replaced wholesale on each SYNC_GAME; nothing is
// merged. When the link drops the guest does not reconnect on its
// own: it reports StateLost and leaves the decision to the caller.
type Guest struct {
	hostURL string

	conn   *websocket.Conn
	state  ConnState
	stateM sync.RWMutex

	replica  *match.Record
	replicaM sync.RWMutex

	onError func(string)
	onChat  func(wire.Chat)
	cbs     []StateCallback
	cbM     sync.RWMutex

	pingInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewGuest(hostURL string) *Guest {
	return &Guest{
		hostURL:      hostURL,
		state:        StateDisconnected,
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// OnStateChange registers a link observer.
func (g *Guest) OnStateChange(cb StateCallback) {
	g.cbM.Lock()
	g.cbs = append(g.cbs, cb)
	g.cbM.Unlock()
}

// OnError registers a handler for host-reported rejections.
func (g *Guest) OnError(fn func(string)) { g.onError = fn }

// OnChat registers a handler for relayed chat.
func (g *Guest) OnChat(fn func(wire.Chat)) { g.onChat = fn }

func (g *Guest) Connect(ctx context.Context) error {
	g.stateM.Lock()
	if g.state == StateConnected || g.state == StateConnecting {
		g.stateM.Unlock()
		return nil
	}
	g.stateM.Unlock()

	g.rootCtx, g.rootCancel = context.WithCancel(context.Background())
	g.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, g.hostURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		g.setState(StateLost)
		return err
	}
	g.conn = conn
	g.setState(StateConnected)

	g.wg.Add(2)
	go g.listen()
	go g.pingLoop()
	return nil
}

func (g *Guest) listen() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		default:
		}
		if g.conn == nil {
			return
		}
		var env wire.Envelope
		if err := wsjson.Read(g.rootCtx, g.conn, &env); err != nil {
			if g.isStopping() {
				return
			}
			g.markLost("read failure")
			return
		}
		g.dispatch(&env)
	}
}

func (g *Guest) dispatch(env *wire.Envelope) {
	payload, err := env.DecodePayload()
	if err != nil {
		obslog.L().Warn("guest_frame_malformed", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	switch p := payload.(type) {
	case *wire.SyncGame:
		rec := p.Record()
		g.replicaM.Lock()
		g.replica = rec
		g.replicaM.Unlock()
	case *wire.ErrorMsg:
		if g.onError != nil {
			g.onError(p.Message)
		}
	case *wire.Chat:
		if g.onChat != nil {
			g.onChat(*p)
		}
	case *wire.Action:
		// Relayed notices (draw offers). Surfaced through chat-less
		// callers via the replica poll; logged for now.
		obslog.L().Info("guest_action_notice", zap.String("action", string(p.Action)), zap.String("player_id", p.PlayerID))
	default:
		obslog.L().Warn("guest_frame_unexpected", zap.String("type", string(env.Type)))
	}
}

func (g *Guest) pingLoop() {
	defer g.wg.Done()
	t := time.NewTicker(g.pingInterval)
	defer t.Stop()
	consecutiveFailures := 0
	for {
		select {
		case <-g.stopCh:
			return
		case <-t.C:
			if g.conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(g.rootCtx, 3*time.Second)
			err := g.conn.Ping(ctx)
			cancel()
			if err != nil {
				consecutiveFailures++
				if consecutiveFailures >= 2 {
					if g.isStopping() {
						return
					}
					g.markLost("ping failure")
					return
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}

// Replica returns the last synced record, or nil before the first
// sync.
func (g *Guest) Replica() *match.Record {
	g.replicaM.RLock()
	defer g.replicaM.RUnlock()
	if g.replica == nil {
		return nil
	}
	return g.replica.Clone()
}

func (g *Guest) Join(ctx context.Context, playerID, accountID, color string) error {
	return g.send(ctx, wire.KindJoinRequest, &wire.JoinRequest{PlayerID: playerID, AccountID: accountID, Color: color})
}

func (g *Guest) Move(ctx context.Context, from, to, promotion string) error {
	return g.send(ctx, wire.KindMakeMove, &wire.MakeMove{From: from, To: to, Promotion: promotion})
}

func (g *Guest) Act(ctx context.Context, action wire.ActionName, playerID string, loser string) error {
	return g.send(ctx, wire.KindAction, &wire.Action{Action: action, PlayerID: playerID, Loser: loser})
}

func (g *Guest) Chat(ctx context.Context, sender, text string) error {
	return g.send(ctx, wire.KindChat, &wire.Chat{Sender: sender, Text: text, Timestamp: time.Now()})
}

func (g *Guest) send(ctx context.Context, kind wire.Kind, payload any) error {
	g.stateM.RLock()
	connected := g.state == StateConnected && g.conn != nil
	g.stateM.RUnlock()
	if !connected {
		return errors.New("not connected to host")
	}
	env, err := wire.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	dctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, writeTimeout)
		defer cancel()
	}
	return wsjson.Write(dctx, g.conn, env)
}

func (g *Guest) markLost(reason string) {
	g.setState(StateLost)
	_ = g.closeConn(websocket.StatusGoingAway, reason)
	obslog.L().Warn("guest_link_lost", zap.String("reason", reason))
}

func (g *Guest) Close(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	_ = g.closeConn(websocket.StatusNormalClosure, "close")

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if g.rootCancel != nil {
			g.rootCancel()
		}
		g.setState(StateDisconnected)
		return nil
	}
}

func (g *Guest) closeConn(code websocket.StatusCode, reason string) error {
	if g.conn == nil {
		return nil
	}
	defer func() { g.conn = nil }()
	return g.conn.Close(code, reason)
}

func (g *Guest) isStopping() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

func (g *Guest) setState(state ConnState) {
	g.stateM.Lock()
	g.state = state
	g.stateM.Unlock()

	g.cbM.RLock()
	cbs := make([]StateCallback, len(g.cbs))
	copy(cbs, g.cbs)
	g.cbM.RUnlock()
	for _, cb := range cbs {
		if cb != nil {
			cb(state)
		}
	}
}
