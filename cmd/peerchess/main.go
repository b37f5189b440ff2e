package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/dkotl/peerchess/internal/config"
	"github.com/dkotl/peerchess/internal/clock"
	"github.com/dkotl/peerchess/internal/ledger"
	"github.com/dkotl/peerchess/internal/match"
	"github.com/dkotl/peerchess/internal/obslog"
	"github.com/dkotl/peerchess/internal/peer"
	"github.com/dkotl/peerchess/internal/status"
	"github.com/dkotl/peerchess/internal/wire"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	opts, err := ledger.ParseRedisURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping error: %v", err)
	}

	election := peer.NewElection(rdb, cfg.RoomID, cfg.AdvertiseAddr)
	role, hostAddr, err := election.Resolve(ctx)
	if err != nil {
		log.Fatalf("election error: %v", err)
	}
	obslog.L().Info("role_resolved",
		zap.String("room_id", cfg.RoomID),
		zap.String("role", string(role)),
		zap.String("host_addr", hostAddr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch role {
	case peer.RoleHost:
		err = runHost(ctx, cfg, election, sigCh)
	default:
		err = runGuest(ctx, cfg, hostAddr, sigCh)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func runHost(ctx context.Context, cfg *appcfg.AppConfig, election *peer.Election, sigCh chan os.Signal) error {
	defer election.Release(ctx)

	tc, err := clock.Parse(cfg.TimeControl)
	if err != nil {
		return fmt.Errorf("time control error: %w", err)
	}

	mgr := match.NewManager()

	// Completed games go to the archive when a DATABASE_URL is set;
	// the match never waits on it.
	if cfg.DatabaseURL != "" {
		arc, err := ledger.NewArchive(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("archive init error: %w", err)
		}
		defer arc.Close()
		mgr.OnCompleted(func(ev match.CompletedEvent) {
			go func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = arc.SaveCompleted(sctx, ev)
			}()
		})
	}

	creator := match.PlayerRef{PlayerID: cfg.PlayerID, AccountID: cfg.AccountID}
	if _, err := mgr.Create(cfg.RoomID, tc, match.ParseColorChoice(cfg.ColorChoice), creator); err != nil {
		return fmt.Errorf("match create error: %w", err)
	}

	h := peer.NewHost(cfg.RoomID, mgr)
	defer h.Close()
	if err := h.BindLocal(cfg.PlayerID); err != nil {
		return fmt.Errorf("bind local error: %w", err)
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: h.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Error("listen_error", zap.Error(err))
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	// Sweep the waiting match if nobody ever joins.
	sweepDone := make(chan struct{})
	defer close(sweepDone)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-t.C:
				mgr.ExpireStale(time.Duration(cfg.WaitingTTLSec) * time.Second)
			}
		}
	}()

	if cfg.StatusAddr != "" {
		st := status.NewServer(cfg.StatusAddr, peer.RoleHost, cfg.RoomID, h.Snapshot)
		go func() {
			if err := st.Serve(); err != nil {
				obslog.L().Error("status_listen_error", zap.Error(err))
			}
		}()
		defer func() { _ = st.Shutdown() }()
	}

	obslog.L().Info("host_ready",
		zap.String("room_id", cfg.RoomID),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("time_control", tc.Name),
	)
	<-sigCh
	obslog.L().Info("shutting_down")
	return nil
}

func runGuest(ctx context.Context, cfg *appcfg.AppConfig, hostAddr string, sigCh chan os.Signal) error {
	g := peer.NewGuest(hostAddr)
	g.OnStateChange(func(state peer.ConnState) {
		obslog.L().Info("link_state", zap.String("state", string(state)))
	})
	g.OnError(func(msg string) {
		obslog.L().Warn("host_rejected", zap.String("message", msg))
	})
	g.OnChat(func(c wire.Chat) {
		obslog.L().Info("chat", zap.String("sender", c.Sender), zap.String("text", c.Text))
	})

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := g.Connect(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("host connect error: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = g.Close(sctx)
	}()

	if err := g.Join(ctx, cfg.PlayerID, cfg.AccountID, cfg.ColorChoice); err != nil {
		return fmt.Errorf("join error: %w", err)
	}

	if cfg.StatusAddr != "" {
		st := status.NewServer(cfg.StatusAddr, peer.RoleGuest, cfg.RoomID, func() (*match.Record, error) {
			rec := g.Replica()
			if rec == nil {
				return nil, errors.New("no replica yet")
			}
			return rec, nil
		})
		go func() {
			if err := st.Serve(); err != nil {
				obslog.L().Error("status_listen_error", zap.Error(err))
			}
		}()
		defer func() { _ = st.Shutdown() }()
	}

	obslog.L().Info("guest_ready",
		zap.String("room_id", cfg.RoomID),
		zap.String("host_addr", hostAddr),
	)
	<-sigCh
	obslog.L().Info("shutting_down")
	return nil
}
