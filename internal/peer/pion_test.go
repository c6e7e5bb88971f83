package peer

import (
	"testing"
	"time"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

// pipe forwards signals in order from one Conn to another.
func pipe(t *testing.T, to func() *Conn) (func(*Conn, *signaling.SignalPayload, float64), func()) {
	ch := make(chan *signaling.SignalPayload, 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				if err := to().Signal(sig); err != nil {
					t.Logf("signal %s: %v", sig.Type, err)
				}
			case <-done:
				return
			}
		}
	}()
	return func(_ *Conn, sig *signaling.SignalPayload, _ float64) { ch <- sig }, func() { close(done) }
}

func TestPionLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback test in short mode")
	}

	factory := NewPionFactory(PionOptions{IncludeLoopback: true, Logger: testLogger()})

	var a, b *Conn
	toA, stopA := pipe(t, func() *Conn { return a })
	toB, stopB := pipe(t, func() *Conn { return b })
	defer stopA()
	defer stopB()

	syncedA, syncedB := make(chan struct{}, 1), make(chan struct{}, 1)
	received := make(chan []byte, 1)

	a = New("b", true, factory, Handlers{
		OnSignal: toB,
		OnSynced: func(*Conn) { syncedA <- struct{}{} },
	}, Options{LocalID: "a", Logger: testLogger()})
	b = New("a", false, factory, Handlers{
		OnSignal: toA,
		OnSynced: func(*Conn) { syncedB <- struct{}{} },
		OnData:   func(_ *Conn, data []byte) { received <- data },
	}, Options{LocalID: "b", Logger: testLogger()})
	defer a.Destroy()
	defer b.Destroy()

	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}

	for name, ch := range map[string]chan struct{}{"a": syncedA, "b": syncedB} {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("%s never synced", name)
		}
	}

	if err := a.Send([]byte("over the wire")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != "over the wire" {
			t.Fatalf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("data never arrived")
	}
}

func TestPionConfiguration(t *testing.T) {
	if got := pionConfiguration(nil); len(got.ICEServers) != 0 {
		t.Fatalf("nil config produced ICE servers: %v", got.ICEServers)
	}

	cfg := &config.Config{
		STUNServer: "stun:stun.example.com:3478",
		TURNServer: "turn.example.com",
		TURNUser:   "user",
		TURNPass:   "pass",
		ForceRelay: true,
	}
	got := pionConfiguration(cfg)
	if len(got.ICEServers) != 2 {
		t.Fatalf("ICEServers = %v", got.ICEServers)
	}
	if got.ICEServers[1].Username != "user" || got.ICEServers[1].Credential != "pass" {
		t.Fatalf("TURN credentials = %+v", got.ICEServers[1])
	}
	if got.ICETransportPolicy.String() != "relay" {
		t.Fatalf("policy = %v, want relay", got.ICETransportPolicy)
	}
}
