package ingest

import (
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	conn := &websocket.Conn{}

	r.Register("session-1", conn)

	if got := r.GetActive("session-1"); got != conn {
		t.Errorf("expected connection %v, got %v", conn, got)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 active feed, got %d", r.Count())
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	conn := &websocket.Conn{}

	r.Register("session-1", conn)
	r.Unregister("session-1", conn)

	if got := r.GetActive("session-1"); got != nil {
		t.Errorf("expected nil connection, got %v", got)
	}
}

func TestRegistryUnregisterStale(t *testing.T) {
	r := NewRegistry()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	r.Register("session-1", conn1)
	r.Register("session-2", conn2)

	r.Unregister("session-1", conn1)

	// A stale unregister for an already-removed conn must not disturb
	// other sessions.
	r.Unregister("session-1", conn1)

	if got := r.GetActive("session-2"); got != conn2 {
		t.Errorf("expected connection %v, got %v", conn2, got)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	go func() {
		for i := 0; i < 1000; i++ {
			r.Register("session-"+strconv.Itoa(i), &websocket.Conn{})
		}
	}()

	go func() {
		for i := 0; i < 1000; i++ {
			r.GetActive("session-" + strconv.Itoa(i))
		}
	}()

	time.Sleep(100 * time.Millisecond)
}
