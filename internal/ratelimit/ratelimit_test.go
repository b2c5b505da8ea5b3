package ratelimit

import (
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	// global limits disabled; per-client: 2 conn/s, 5 req/s; burst: 3
	rl := New(Config{PerClientConnRate: 2, PerClientReqRate: 5, Burst: 3})

	client := "192.0.2.1"

	for i := 0; i < 3; i++ {
		if !rl.AllowConnection(client) {
			t.Errorf("Expected connection %d to be allowed for client %s", i, client)
		}
	}
	if rl.AllowConnection(client) {
		t.Error("Expected connection to be denied due to per-client limit")
	}

	for i := 0; i < 3; i++ {
		if !rl.AllowRequest(client) {
			t.Errorf("Expected request %d to be allowed for client %s", i, client)
		}
	}
	if rl.AllowRequest(client) {
		t.Error("Expected request to be denied due to per-client limit")
	}

	client2 := "192.0.2.2"
	if !rl.AllowConnection(client2) {
		t.Error("Expected connection to be allowed for different client")
	}
	if !rl.AllowRequest(client2) {
		t.Error("Expected request to be allowed for different client")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := New(Config{PerClientReqRate: 20, Burst: 1})
	if !rl.AllowRequest("c") {
		t.Fatal("Expected first request to be allowed")
	}
	if rl.AllowRequest("c") {
		t.Fatal("Expected second request to be denied")
	}
	time.Sleep(100 * time.Millisecond)
	if !rl.AllowRequest("c") {
		t.Error("Expected request to be allowed after refill")
	}
}

func TestRateLimiterWithGlobalLimits(t *testing.T) {
	rl := New(Config{GlobalConnRate: 2, GlobalReqRate: 2, Burst: 2})

	if !rl.AllowConnection("a") || !rl.AllowConnection("b") {
		t.Error("Expected global burst connections to be allowed")
	}
	if rl.AllowConnection("a") {
		t.Error("Expected connection to be denied due to global limit")
	}
	if !rl.AllowRequest("a") || !rl.AllowRequest("b") {
		t.Error("Expected global burst requests to be allowed")
	}
	if rl.AllowRequest("a") {
		t.Error("Expected request to be denied due to global limit")
	}
	if rl.Clients() != 0 {
		t.Errorf("Expected no per-client state, got %d", rl.Clients())
	}
}

func TestRateLimiterCleanupIdle(t *testing.T) {
	rl := New(Config{PerClientConnRate: 1, PerClientReqRate: 1, Burst: 1})
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.AllowConnection("client1")
	rl.AllowRequest("client2")
	if rl.Clients() != 2 {
		t.Fatalf("Expected 2 clients, got %d", rl.Clients())
	}

	now = now.Add(time.Minute)
	rl.AllowRequest("client1")
	if n := rl.CleanupIdle(30 * time.Second); n != 1 {
		t.Errorf("Expected 1 client cleaned up, got %d", n)
	}
	if _, ok := rl.clients["client1"]; !ok {
		t.Error("Expected client1 limiters to remain")
	}
	if _, ok := rl.clients["client2"]; ok {
		t.Error("Expected client2 limiters to be cleaned up")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := New(Config{Burst: 5})
	if rl.cfg.Enabled() {
		t.Error("Expected config to report disabled")
	}
	for i := 0; i < 100; i++ {
		if !rl.AllowConnection("c") {
			t.Errorf("Expected connection %d to be allowed when limits disabled", i)
		}
		if !rl.AllowRequest("c") {
			t.Errorf("Expected request %d to be allowed when limits disabled", i)
		}
	}
}
