package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerLimiter applies a token bucket per peer id and evicts buckets for
// peers that have gone quiet.
type PeerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byPeer map[string]*bucket
	hits   uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-peer limiter; returns nil (allow-all) on invalid args.
func New(rps float64, burst int, idleTTL time.Duration) *PeerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	return &PeerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byPeer:  make(map[string]*bucket),
	}
}

// Allow reports whether one inbound frame from the peer may be processed at now.
func (l *PeerLimiter) Allow(peerID string, now time.Time) bool {
	if l == nil {
		return true
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byPeer[peerID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byPeer[peerID] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for id, v := range l.byPeer {
			if v.lastSeen.Before(cutoff) {
				delete(l.byPeer, id)
			}
		}
	}

	return allowed
}
