package bus

import (
	"testing"
	"time"
)

func startTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(&HubConfig{Addr: "127.0.0.1:0"})
	if err := hub.Start(); err != nil {
		t.Fatalf("hub.Start() failed: %v", err)
	}
	t.Cleanup(func() { hub.Stop() })
	return hub
}

func waitForSignal(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal")
		return Signal{}
	}
}

func TestHub_RelaysBetweenPeers(t *testing.T) {
	hub := startTestHub(t)

	a, err := Connect(hub.Addr(), nil)
	if err != nil {
		t.Fatalf("Connect(a) failed: %v", err)
	}
	defer a.Close()

	b, err := Connect(hub.Addr(), nil)
	if err != nil {
		t.Fatalf("Connect(b) failed: %v", err)
	}
	defer b.Close()

	received := make(chan Signal, 1)
	b.SetHandler(func(sig Signal) { received <- sig })

	a.Publish(Signal{Keys: []string{"chapter-meta:abc"}})

	sig := waitForSignal(t, received)
	if len(sig.Keys) != 1 || sig.Keys[0] != "chapter-meta:abc" {
		t.Errorf("Keys = %v", sig.Keys)
	}
	if sig.Origin != a.ID() {
		t.Errorf("Origin = %q, want %q", sig.Origin, a.ID())
	}
}

func TestPeer_IgnoresOwnSignals(t *testing.T) {
	hub := startTestHub(t)

	a, err := Connect(hub.Addr(), nil)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer a.Close()

	received := make(chan Signal, 1)
	a.SetHandler(func(sig Signal) { received <- sig })

	a.Publish(Signal{Clear: true})

	select {
	case sig := <-received:
		t.Errorf("received own signal back: %+v", sig)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConnect_NoHub(t *testing.T) {
	if _, err := Connect("127.0.0.1:1", nil); err == nil {
		t.Error("Connect() to a dead address succeeded, want error")
	}
}

func TestNop(t *testing.T) {
	var b Bus = Nop{}
	b.SetHandler(func(Signal) { t.Error("nop bus delivered a signal") })
	b.Publish(Signal{Clear: true})
	if err := b.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}
