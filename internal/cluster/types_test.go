package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegistryRegisterAndAddress(t *testing.T) {
	r := NewRegistry()
	r.Register(3, "127.0.0.1:7423")

	addr, err := r.Address(3)
	if err != nil {
		t.Fatalf("Address(3): %v", err)
	}
	if addr != "127.0.0.1:7423" {
		t.Fatalf("Address(3) = %q, want 127.0.0.1:7423", addr)
	}
}

func TestRegistryAddressUnknownServer(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Address(9); err == nil {
		t.Fatal("expected error for unregistered server")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(1, "127.0.0.1:1")
	r.Unregister(1)
	if _, err := r.Address(1); err == nil {
		t.Fatal("expected error after Unregister")
	}
}

func TestRegistryRegisterStartsUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register(2, "127.0.0.1:2")
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Status != StatusUnknown {
		t.Fatalf("expected a single unknown-status node, got %+v", snap)
	}
}

func TestRegistryMarkStatus(t *testing.T) {
	r := NewRegistry()
	r.Register(5, "127.0.0.1:5")
	r.MarkStatus(5, StatusHealthy)

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Status != StatusHealthy {
		t.Fatalf("expected healthy status, got %+v", snap)
	}
	if snap[0].LastHealthCheck.IsZero() {
		t.Fatal("expected LastHealthCheck to be set")
	}
}

func TestRegistryMarkStatusUnknownServerIsNoop(t *testing.T) {
	r := NewRegistry()
	r.MarkStatus(42, StatusHealthy)
	if len(r.Snapshot()) != 0 {
		t.Fatal("MarkStatus on an unregistered server must not create an entry")
	}
}

func TestRegistryPollHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	r := NewRegistry()
	r.Register(1, healthy.Listener.Addr().String())
	r.Register(2, "127.0.0.1:1") // nothing listening here

	r.PollHealth(context.Background(), "/healthz")

	byID := map[int]NodeInfo{}
	for _, n := range r.Snapshot() {
		byID[n.ServerID] = n
	}
	if byID[1].Status != StatusHealthy {
		t.Fatalf("expected server 1 healthy, got %q", byID[1].Status)
	}
	if byID[2].Status != StatusUnhealthy {
		t.Fatalf("expected server 2 unhealthy, got %q", byID[2].Status)
	}
}
