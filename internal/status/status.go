// Package status exposes a small HTTP surface for operators: liveness
// and a read-only view of the current match.
package status

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/dkotl/peerchess/internal/match"
	"github.com/dkotl/peerchess/internal/obslog"
	"github.com/dkotl/peerchess/internal/peer"
)

// Snapshotter yields the current record; both the host manager and the
// guest replica satisfy it through small adapters in cmd.
type Snapshotter func() (*match.Record, error)

type Server struct {
	addr     string
	role     peer.Role
	roomID   string
	snapshot Snapshotter
	srv      *fasthttp.Server
}

func NewServer(addr string, role peer.Role, roomID string, snapshot Snapshotter) *Server {
	s := &Server{addr: addr, role: role, roomID: roomID, snapshot: snapshot}
	s.srv = &fasthttp.Server{Handler: s.route, Name: "peerchess-status"}
	return s
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	obslog.L().Info("status_listen", zap.String("addr", s.addr))
	return s.srv.ListenAndServe(s.addr)
}

func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case "/match":
		s.handleMatch(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleMatch(ctx *fasthttp.RequestCtx) {
	rec, err := s.snapshot()
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	body, err := json.Marshal(struct {
		Role   peer.Role     `json:"role"`
		RoomID string        `json:"room_id"`
		Record *match.Record `json:"record"`
	}{s.role, s.roomID, rec})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
