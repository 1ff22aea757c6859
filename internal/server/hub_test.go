package server

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHubBroadcastJSON(t *testing.T) {
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Shutdown)

	c := &client{hub: h, send: make(chan []byte, 4)}
	h.register <- c

	waitForClientCount(t, h, 1)

	h.BroadcastJSON(map[string]string{"hello": "world"})

	select {
	case msg := <-c.send:
		var got map[string]string
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode broadcast message: %v", err)
		}
		if got["hello"] != "world" {
			t.Errorf("expected hello=world, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Shutdown)

	c := &client{hub: h, send: make(chan []byte, 4)}
	h.register <- c
	waitForClientCount(t, h, 1)

	h.unregister <- c
	waitForClientCount(t, h, 0)

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected send channel to be closed after unregister")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send channel to close")
	}
}

func TestHubShutdownClosesAllClients(t *testing.T) {
	h := NewHub()
	go h.Run()

	c1 := &client{hub: h, send: make(chan []byte, 4)}
	c2 := &client{hub: h, send: make(chan []byte, 4)}
	h.register <- c1
	h.register <- c2
	waitForClientCount(t, h, 2)

	h.Shutdown()

	for _, c := range []*client{c1, c2} {
		select {
		case _, ok := <-c.send:
			if ok {
				t.Error("expected send channel to be closed after shutdown")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for send channel to close on shutdown")
		}
	}

	// Shutdown must be idempotent.
	h.Shutdown()
}

func waitForClientCount(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for client count %d, got %d", n, h.ClientCount())
}
