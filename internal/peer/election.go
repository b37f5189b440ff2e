package peer

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dkotl/peerchess/internal/obslog"
)

const (
	hostClaimTTL     = 45 * time.Second
	hostClaimRefresh = 15 * time.Second
)

func hostKey(roomID string) string { return "pc:room:" + roomID + ":host" }

// Election decides which process hosts a room. The first claim wins:
// a SETNX on the room's host key stores the winner's websocket
// address, and everyone who loses reads that address and connects as
// a guest. The claim carries a TTL so a crashed host frees the room.
type Election struct {
	rdb    *redis.Client
	roomID string
	addr   string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewElection(rdb *redis.Client, roomID, advertiseAddr string) *Election {
	return &Election{rdb: rdb, roomID: roomID, addr: advertiseAddr}
}

// Resolve runs the claim. Winning returns RoleHost and starts a
// background TTL refresh; losing returns RoleGuest and the standing
// host's address.
func (e *Election) Resolve(ctx context.Context) (Role, string, error) {
	won, err := e.rdb.SetNX(ctx, hostKey(e.roomID), e.addr, hostClaimTTL).Result()
	if err != nil {
		return "", "", err
	}
	if won {
		refreshCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.done = make(chan struct{})
		go e.refresh(refreshCtx)
		obslog.L().Info("election_won",
			zap.String("room_id", e.roomID),
			zap.String("advertise_addr", e.addr),
		)
		return RoleHost, e.addr, nil
	}
	hostAddr, err := e.rdb.Get(ctx, hostKey(e.roomID)).Result()
	if err == redis.Nil {
		// The claim lapsed between our SETNX and GET; try again.
		return e.Resolve(ctx)
	}
	if err != nil {
		return "", "", err
	}
	obslog.L().Info("election_lost",
		zap.String("room_id", e.roomID),
		zap.String("host_addr", hostAddr),
	)
	return RoleGuest, hostAddr, nil
}

func (e *Election) refresh(ctx context.Context) {
	defer close(e.done)
	t := time.NewTicker(hostClaimRefresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.rdb.Expire(ctx, hostKey(e.roomID), hostClaimTTL).Err(); err != nil {
				obslog.L().Warn("election_refresh_error", zap.String("room_id", e.roomID), zap.Error(err))
			}
		}
	}
}

// Release surrenders a won claim. Only our own claim is removed: the
// stored address is checked first so a newer host is left alone.
func (e *Election) Release(ctx context.Context) {
	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
	}
	cur, err := e.rdb.Get(ctx, hostKey(e.roomID)).Result()
	if err != nil || cur != e.addr {
		return
	}
	_ = e.rdb.Del(ctx, hostKey(e.roomID)).Err()
}
