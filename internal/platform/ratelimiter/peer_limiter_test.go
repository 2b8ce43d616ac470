package ratelimiter

import (
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *PeerLimiter
	if !l.Allow("peer-a", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if New(0, 10, time.Minute) != nil {
		t.Fatal("invalid rps should produce nil limiter")
	}
}

func TestBurstThenThrottlePerPeer(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := New(1, 2, time.Minute)
	if !l.Allow("peer-a", now) || !l.Allow("peer-a", now) {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("peer-a", now) {
		t.Fatal("third frame in the same instant should be throttled")
	}
	if !l.Allow("peer-b", now) {
		t.Fatal("throttling peer-a must not affect peer-b")
	}
	if !l.Allow("peer-a", now.Add(time.Second)) {
		t.Fatal("one token should refill after a second")
	}
}

func TestEmptyPeerIDBypassesLimiter(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	for i := 0; i < 5; i++ {
		if !l.Allow("  ", now) {
			t.Fatal("blank peer id must not be limited")
		}
	}
}
