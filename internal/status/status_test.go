package status

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/dkotl/peerchess/internal/clock"
	"github.com/dkotl/peerchess/internal/match"
	"github.com/dkotl/peerchess/internal/peer"
)

func serveTest(t *testing.T, snapshot Snapshotter) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(ln.Addr().String(), peer.RoleHost, "room1", snapshot)
	go func() { _ = s.srv.Serve(ln) }()
	t.Cleanup(func() { _ = s.Shutdown() })
	return "http://" + ln.Addr().String()
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	base := serveTest(t, func() (*match.Record, error) { return nil, fmt.Errorf("no match") })
	code, body := get(t, base+"/healthz")
	if code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: code=%d body=%q", code, body)
	}
}

func TestMatchSnapshot(t *testing.T) {
	tc, err := clock.Parse("5+0")
	if err != nil {
		t.Fatalf("clock.Parse: %v", err)
	}
	rec := match.NewRecord("room1", tc, match.ChoiceWhite, match.PlayerRef{PlayerID: "alice"}, time.Now())
	base := serveTest(t, func() (*match.Record, error) { return rec, nil })

	code, body := get(t, base+"/match")
	if code != http.StatusOK {
		t.Fatalf("match: code=%d", code)
	}
	var out struct {
		Role   peer.Role     `json:"role"`
		RoomID string        `json:"room_id"`
		Record *match.Record `json:"record"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Role != peer.RoleHost || out.RoomID != "room1" || out.Record.Match.ID != "room1" {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestMatchUnavailable(t *testing.T) {
	base := serveTest(t, func() (*match.Record, error) { return nil, fmt.Errorf("no match") })
	if code, _ := get(t, base+"/match"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestUnknownPath(t *testing.T) {
	base := serveTest(t, func() (*match.Record, error) { return nil, fmt.Errorf("no match") })
	if code, _ := get(t, base+"/nope"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}
