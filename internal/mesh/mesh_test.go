package mesh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BioHazard786/warpmesh/internal/bus"
	"github.com/BioHazard786/warpmesh/internal/leader"
	"github.com/BioHazard786/warpmesh/internal/peer/peertest"
	"github.com/BioHazard786/warpmesh/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRelay(t *testing.T) (*relay.Hub, string) {
	t.Helper()
	hub := relay.NewHub(testLogger())
	go hub.Run()
	srv := httptest.NewServer(relay.NewRouter(hub))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// origin is a set of contexts that share a bus and an election.
type origin struct {
	bus      *bus.Memory
	election leader.Election
}

func newOrigin() origin {
	return origin{bus: bus.NewMemory(), election: leader.NewMemory()}
}

func newLeaseOrigin(t *testing.T) (origin, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	election, err := leader.NewRedis(context.Background(), client, leader.RedisOptions{
		LeaseTTL:      300 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	return origin{bus: bus.NewMemory(), election: election}, mr
}

func newHub(t *testing.T, o origin, net *peertest.Network) *Hub {
	t.Helper()
	h, err := NewHub(HubConfig{
		Bus:              o.bus,
		Election:         o.election,
		NewTransport:     net.Factory,
		ReconnectBase:    10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		HandshakeTimeout: -1,
		Logger:           testLogger(),
	})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func mustCreate(t *testing.T, h *Hub, name string, urls []string, opts Options) *Coordinator {
	t.Helper()
	c, err := h.Create(name, urls, opts)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	return c
}

type inbox struct {
	mu   sync.Mutex
	msgs []MessageEvent
}

func (i *inbox) add(ev MessageEvent) {
	i.mu.Lock()
	i.msgs = append(i.msgs, ev)
	i.mu.Unlock()
}

func (i *inbox) from(id string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []string
	for _, m := range i.msgs {
		if m.PeerID == id {
			out = append(out, string(m.Data))
		}
	}
	return out
}

func connected(a, b *Coordinator) func() bool {
	return func() bool {
		return a.Synced() && b.Synced() &&
			slices.Equal(a.Peers(), []string{b.PeerID()}) &&
			slices.Equal(b.Peers(), []string{a.PeerID()})
	}
}

func TestNewHubRequiresBroadcast(t *testing.T) {
	if _, err := NewHub(HubConfig{}); !errors.Is(err, ErrNoBroadcast) {
		t.Fatalf("NewHub() error = %v, want ErrNoBroadcast", err)
	}
	if _, err := NewHub(HubConfig{Bus: bus.NewMemory()}); !errors.Is(err, ErrNoBroadcast) {
		t.Fatalf("NewHub() without election error = %v, want ErrNoBroadcast", err)
	}
}

func TestCreateDuplicateRoom(t *testing.T) {
	h := newHub(t, newOrigin(), peertest.NewNetwork())
	c := mustCreate(t, h, "room", nil, Options{})

	if _, err := h.Create("room", nil, Options{}); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("second Create error = %v, want ErrRoomExists", err)
	}

	c.Destroy()
	if _, ok := h.Room("room"); ok {
		t.Fatal("destroyed room still registered")
	}
	mustCreate(t, h, "room", nil, Options{})
}

func TestCreateAfterClose(t *testing.T) {
	h := newHub(t, newOrigin(), peertest.NewNetwork())
	h.Close()
	if _, err := h.Create("room", nil, Options{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Create after Close error = %v, want ErrClosed", err)
	}
}

func TestRoomsShareSignalingConnection(t *testing.T) {
	rl, url := startRelay(t)
	h := newHub(t, newOrigin(), peertest.NewNetwork())

	a := mustCreate(t, h, "alpha", []string{url}, Options{})
	b := mustCreate(t, h, "beta", []string{url, url}, Options{})
	waitFor(t, "leadership", func() bool { return a.IsLeader() && b.IsLeader() })
	waitFor(t, "connection", func() bool { return rl.Connected() == 1 })

	if got := h.Channels(); got != 1 {
		t.Fatalf("Channels() = %d, want 1", got)
	}
	if got := rl.Accepted(); got != 1 {
		t.Fatalf("relay accepted %d connections, want 1", got)
	}

	a.Destroy()
	if got := h.Channels(); got != 1 {
		t.Fatalf("Channels() after one room left = %d, want 1", got)
	}
	b.Destroy()
	waitFor(t, "disconnect", func() bool { return rl.Connected() == 0 })
}

func TestOnlyLeaderConnects(t *testing.T) {
	rl, url := startRelay(t)
	o := newOrigin()
	net := peertest.NewNetwork()
	c1 := mustCreate(t, newHub(t, o, net), "room", []string{url}, Options{})
	c2 := mustCreate(t, newHub(t, o, net), "room", []string{url}, Options{})

	waitFor(t, "one leader", func() bool { return c1.IsLeader() != c2.IsLeader() })
	waitFor(t, "connection", func() bool { return rl.Connected() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := rl.Accepted(); got != 1 {
		t.Fatalf("relay accepted %d connections, want 1", got)
	}
	waitFor(t, "sibling discovery", func() bool {
		return slices.Equal(c1.BCPeers(), []string{c2.PeerID()})
	})
}

func TestMeshAcrossOrigins(t *testing.T) {
	for _, password := range []string{"", "hunter2"} {
		t.Run("password="+password, func(t *testing.T) {
			_, url := startRelay(t)
			net := peertest.NewNetwork()
			a := mustCreate(t, newHub(t, newOrigin(), net), "room", []string{url}, Options{Password: password})
			b := mustCreate(t, newHub(t, newOrigin(), net), "room", []string{url}, Options{Password: password})

			var got inbox
			b.OnMessage(got.add)

			waitFor(t, "synced mesh", connected(a, b))
			if err := a.Send([]byte("hello")); err != nil {
				t.Fatalf("Send: %v", err)
			}
			waitFor(t, "message", func() bool {
				return slices.Equal(got.from(a.PeerID()), []string{"hello"})
			})
		})
	}
}

func TestMismatchedPasswordsNeverConnect(t *testing.T) {
	_, url := startRelay(t)
	net := peertest.NewNetwork()
	a := mustCreate(t, newHub(t, newOrigin(), net), "room", []string{url}, Options{Password: "one"})
	b := mustCreate(t, newHub(t, newOrigin(), net), "room", []string{url}, Options{Password: "two"})

	waitFor(t, "leadership", func() bool { return a.IsLeader() && b.IsLeader() })
	time.Sleep(100 * time.Millisecond)
	if len(a.Peers()) != 0 || len(b.Peers()) != 0 {
		t.Fatalf("peers = %v / %v, want none", a.Peers(), b.Peers())
	}
}

func TestLeaderTransfer(t *testing.T) {
	_, url := startRelay(t)
	net := peertest.NewNetwork()
	o := newOrigin()

	first := mustCreate(t, newHub(t, o, net), "room", []string{url}, Options{})
	waitFor(t, "first leader", first.IsLeader)
	second := mustCreate(t, newHub(t, o, net), "room", []string{url}, Options{})
	remote := mustCreate(t, newHub(t, newOrigin(), net), "room", []string{url}, Options{})
	waitFor(t, "initial mesh", connected(first, remote))

	var got, remoteGot inbox
	second.OnMessage(got.add)
	remote.OnMessage(remoteGot.add)
	if err := second.Send([]byte("via leader")); err != nil {
		t.Fatalf("follower Send: %v", err)
	}
	waitFor(t, "relayed send", func() bool {
		return slices.Equal(remoteGot.from(first.PeerID()), []string{"via leader"})
	})

	first.Destroy()
	waitFor(t, "second leader", second.IsLeader)
	waitFor(t, "mesh after transfer", connected(second, remote))

	if err := remote.Send([]byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "message at new leader", func() bool {
		return slices.Equal(got.from(remote.PeerID()), []string{"hi"})
	})
}

func TestListenerRemoval(t *testing.T) {
	_, url := startRelay(t)
	net := peertest.NewNetwork()
	a := mustCreate(t, newHub(t, newOrigin(), net), "room", []string{url}, Options{})
	b := mustCreate(t, newHub(t, newOrigin(), net), "room", []string{url}, Options{})

	var kept, removed inbox
	b.OnMessage(kept.add)
	off := b.OnMessage(removed.add)
	off()
	off()

	waitFor(t, "synced mesh", connected(a, b))
	if err := a.Send([]byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "message", func() bool { return len(kept.from(a.PeerID())) == 1 })
	if got := removed.from(a.PeerID()); len(got) != 0 {
		t.Fatalf("removed listener got %v", got)
	}
}

func TestDestroyEmitsDisconnected(t *testing.T) {
	h := newHub(t, newOrigin(), peertest.NewNetwork())
	c := mustCreate(t, h, "room", nil, Options{})

	var mu sync.Mutex
	var last *StatusEvent
	c.OnStatus(func(ev StatusEvent) {
		mu.Lock()
		last = &ev
		mu.Unlock()
	})
	waitFor(t, "leadership", c.IsLeader)
	c.Destroy()
	c.Destroy()

	mu.Lock()
	defer mu.Unlock()
	if last == nil || *last != (StatusEvent{}) {
		t.Fatalf("last status = %v, want disconnected", last)
	}
}

func TestLostLeaseReleasesSignaling(t *testing.T) {
	rl, url := startRelay(t)
	o, mr := newLeaseOrigin(t)
	h := newHub(t, o, peertest.NewNetwork())
	c := mustCreate(t, h, "room", []string{url}, Options{})

	waitFor(t, "leader with a channel", func() bool { return c.IsLeader() && h.Channels() == 1 })

	mr.Set(leader.KeyPrefix+"room", "other")
	waitFor(t, "channel release", func() bool { return !c.IsLeader() && h.Channels() == 0 })

	mr.Del(leader.KeyPrefix + "room")
	waitFor(t, "re-acquired channel", func() bool { return c.IsLeader() && h.Channels() == 1 })
	waitFor(t, "fresh connection", func() bool { return rl.Accepted() == 2 })
}
