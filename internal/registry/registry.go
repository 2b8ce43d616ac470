package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"kinmesh/go-backend/pkg/models"
)

const (
	// DefaultStaleTimeout is how long a peer may stay silent before it
	// is considered disconnected.
	DefaultStaleTimeout = 60 * time.Second
	// DefaultSweepInterval is the cadence of the staleness sweep.
	DefaultSweepInterval = 30 * time.Second
)

type EventType string

const (
	PeerConnected    EventType = "peerConnected"
	PeerDisconnected EventType = "peerDisconnected"
)

// Event is emitted exactly once per peer state transition.
type Event struct {
	Type EventType
	Peer models.PeerRecord
	At   time.Time
}

type Config struct {
	StaleTimeout  time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

func (c *Config) setDefaults() {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Registry tracks known peers and their liveness. A swept peer is
// removed outright; a later Observe re-admits it as a fresh record and
// fires peerConnected again.
type Registry struct {
	cfg  Config
	sink func(Event)
	log  *slog.Logger

	mu    sync.Mutex
	peers map[string]models.PeerRecord

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

func New(cfg Config, sink func(Event), logger *slog.Logger) *Registry {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		sink:   sink,
		log:    logger,
		peers:  make(map[string]models.PeerRecord),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Observe records activity from a peer. Idempotent: an already-active
// peer only gets its LastSeenAt refreshed, no new event.
func (r *Registry) Observe(peerID, meshIP, platform string) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return
	}
	now := r.cfg.Now().UTC()

	r.mu.Lock()
	record, known := r.peers[peerID]
	if known {
		record.LastSeenAt = now
		if meshIP != "" {
			record.MeshIP = meshIP
		}
		if platform != "" {
			record.Platform = platform
		}
		r.peers[peerID] = record
		r.mu.Unlock()
		return
	}
	record = models.PeerRecord{
		PeerID:      peerID,
		MeshIP:      meshIP,
		Platform:    platform,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	r.peers[peerID] = record
	activePeers.Set(float64(len(r.peers)))
	r.mu.Unlock()

	r.log.Debug("peer connected", "peer_id", peerID)
	r.emit(Event{Type: PeerConnected, Peer: record, At: now})
}

// Sweep removes every peer whose silence exceeds the stale timeout and
// fires peerDisconnected once for each. Failures here never halt the
// mesh; sweep is steady-state work.
func (r *Registry) Sweep(now time.Time) {
	now = now.UTC()

	r.mu.Lock()
	var dropped []models.PeerRecord
	for id, record := range r.peers {
		if now.Sub(record.LastSeenAt) > r.cfg.StaleTimeout {
			delete(r.peers, id)
			dropped = append(dropped, record)
		}
	}
	if len(dropped) > 0 {
		activePeers.Set(float64(len(r.peers)))
	}
	r.mu.Unlock()

	for _, record := range dropped {
		r.log.Debug("peer stale, removed", "peer_id", record.PeerID)
		r.emit(Event{Type: PeerDisconnected, Peer: record, At: now})
	}
}

// List returns a snapshot of known peers ordered by peer id.
func (r *Registry) List() []models.PeerRecord {
	r.mu.Lock()
	out := make([]models.PeerRecord, 0, len(r.peers))
	for _, record := range r.peers {
		out = append(out, record)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Lookup returns the record for one peer.
func (r *Registry) Lookup(peerID string) (models.PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.peers[peerID]
	return record, ok
}

// Start launches the periodic staleness sweep. Stop cancels it; the
// sweeper is the only background timer in this component.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Sweep(r.cfg.Now())
			}
		}
	}()
}

// Stop cancels the sweeper and waits for it to exit. Safe to call more
// than once and without a prior Start.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.doneCh
	}
}

func (r *Registry) emit(event Event) {
	if r.sink != nil {
		r.sink(event)
	}
}
