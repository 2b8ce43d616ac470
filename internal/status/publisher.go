// Package status publishes mesh connection state to interested
// consumers. New subscribers immediately receive the current value, so
// a UI attaching late still renders the right state.
package status

import (
	"log/slog"
	"sync"

	"kinmesh/go-backend/pkg/models"
)

const subscriberBuffer = 16

type Publisher struct {
	log *slog.Logger

	mu      sync.Mutex
	current models.MeshStatus
	subs    map[int]chan models.MeshStatus
	nextID  int
}

func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		log:     logger,
		current: models.MeshStatus{Status: models.StatusDisconnected, Peers: []string{}},
		subs:    make(map[int]chan models.MeshStatus),
	}
}

// Current returns the last published status.
func (p *Publisher) Current() models.MeshStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers a consumer. The current status is replayed into
// the channel before any new update. The returned cancel function is
// idempotent and closes the channel.
func (p *Publisher) Subscribe() (<-chan models.MeshStatus, func()) {
	ch := make(chan models.MeshStatus, subscriberBuffer)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	ch <- p.current
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Set publishes a new status to every subscriber. A slow subscriber
// whose buffer is full misses the update instead of blocking the mesh.
func (p *Publisher) Set(s models.MeshStatus) {
	if s.Peers == nil {
		s.Peers = []string{}
	}

	p.mu.Lock()
	p.current = s
	for id, ch := range p.subs {
		select {
		case ch <- s:
		default:
			p.log.Warn("status subscriber is not draining", "subscriber", id)
		}
	}
	p.mu.Unlock()
}

func (p *Publisher) SetConnecting() {
	p.Set(models.MeshStatus{Status: models.StatusConnecting})
}

func (p *Publisher) SetConnected(nodeIP string, peerIDs []string) {
	p.Set(models.MeshStatus{Status: models.StatusConnected, NodeIP: nodeIP, Peers: peerIDs})
}

func (p *Publisher) SetDisconnected() {
	p.Set(models.MeshStatus{Status: models.StatusDisconnected})
}

// SetError reports a failure the mesh cannot recover from on its own.
func (p *Publisher) SetError(msg string) {
	p.Set(models.MeshStatus{Status: models.StatusError, Error: msg})
}
