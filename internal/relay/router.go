package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"kinmesh/go-backend/internal/platform/ratelimiter"
	"kinmesh/go-backend/internal/registry"
	"kinmesh/go-backend/pkg/models"
)

type Role string

const (
	RoleHub   Role = "hub"
	RoleSpoke Role = "spoke"
)

var ErrPeerNotFound = errors.New("routing target peer is unknown")

const (
	presenceInterval = 20 * time.Second
	reconnectDelay   = 3 * time.Second
	acceptRetryDelay = 100 * time.Millisecond
)

// Handler processes one decrypted inbound message. Exactly one handler
// per message type; re-registering replaces the previous one.
type Handler func(msg models.RelayMessage)

type Config struct {
	DeviceID  string
	MeshIP    string
	HubMeshIP string
	Platform  string

	// Hub side.
	ListenPort int
	HubCipher  func(challenge []byte) (PayloadCipher, error)
	VerifyCert func(cert models.DeviceCertificate) error

	// Spoke side.
	HubAddress string
	HubPort    int
	Cipher     PayloadCipher
	Challenge  []byte
	Cert       *models.DeviceCertificate

	// Role forces the role instead of deriving it from the mesh IPs.
	// Used by a joining device before it has a mesh IP of its own.
	Role Role

	RateRPS   float64
	RateBurst int
	Now       func() time.Time
}

func (c *Config) setDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Router forwards messages between mesh peers. The device whose mesh IP
// equals the hub's acts as hub and fans out traffic; every other device
// forwards all outgoing traffic to the hub.
type Router struct {
	cfg     Config
	role    Role
	log     *slog.Logger
	reg     *registry.Registry
	limiter *ratelimiter.PeerLimiter

	mu       sync.Mutex
	handlers map[models.MessageType]Handler
	conns    map[string]*peerConn
	hubLink  *peerConn
	ln       net.Listener
	started  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, reg *registry.Registry, logger *slog.Logger) (*Router, error) {
	cfg.setDefaults()
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("device id is required")
	}
	if strings.TrimSpace(cfg.MeshIP) == "" || strings.TrimSpace(cfg.HubMeshIP) == "" {
		return nil, errors.New("mesh ip and hub mesh ip are required")
	}
	if reg == nil {
		return nil, errors.New("peer registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	role := cfg.Role
	if role == "" {
		role = RoleSpoke
		if cfg.MeshIP == cfg.HubMeshIP {
			role = RoleHub
		}
	}
	if role == RoleHub && cfg.HubCipher == nil {
		return nil, errors.New("hub cipher provider is required")
	}
	if role == RoleSpoke && cfg.Cipher == nil {
		return nil, errors.New("spoke payload cipher is required")
	}

	return &Router{
		cfg:      cfg,
		role:     role,
		log:      logger,
		reg:      reg,
		limiter:  ratelimiter.New(cfg.RateRPS, cfg.RateBurst, 0),
		handlers: make(map[models.MessageType]Handler),
		conns:    make(map[string]*peerConn),
		stopCh:   make(chan struct{}),
	}, nil
}

func (r *Router) Role() Role { return r.role }

// ListenPort reports the bound hub listener port, which differs from
// the configured one when the hub was started on port 0.
func (r *Router) ListenPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		if addr, ok := r.ln.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return r.cfg.ListenPort
}

// OnMessage registers the handler for a message type, replacing any
// previous registration.
func (r *Router) OnMessage(t models.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, t)
		return
	}
	r.handlers[t] = h
}

// Send routes one message. On the hub this delivers directly; on a
// spoke everything is forwarded to the hub, which performs the fan-out.
// A missing unicast target is reported but never halts the router.
func (r *Router) Send(msg models.RelayMessage) error {
	if msg.From == "" {
		msg.From = r.cfg.DeviceID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = r.cfg.Now().UnixMilli()
	}
	if r.role == RoleHub {
		return r.route(msg)
	}

	r.mu.Lock()
	link := r.hubLink
	r.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}
	return r.writeSealed(link, msg)
}

// Start brings the transport up: a listener on the hub, a maintained
// hub link on a spoke.
func (r *Router) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if r.role == RoleHub {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.ListenPort))
		if err != nil {
			r.mu.Lock()
			r.started = false
			r.mu.Unlock()
			return fmt.Errorf("relay listen: %w", err)
		}
		r.mu.Lock()
		r.ln = ln
		r.mu.Unlock()

		r.wg.Add(2)
		go r.acceptLoop(ln)
		go r.presenceLoop()
		r.log.Info("relay hub listening", "port", r.cfg.ListenPort)
		return nil
	}

	r.wg.Add(2)
	go r.maintainHubLink()
	go r.presenceLoop()
	return nil
}

// Stop tears the router down as a unit: listener, links and timers.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	ln := r.ln
	conns := make([]*peerConn, 0, len(r.conns)+1)
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	if r.hubLink != nil {
		conns = append(conns, r.hubLink)
	}
	started := r.started
	r.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	if started {
		r.wg.Wait()
	}
}

// Peers returns the ids of peers with a live link (hub only).
func (r *Router) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// route performs hub-side delivery of a plaintext message.
func (r *Router) route(msg models.RelayMessage) error {
	if msg.To == r.cfg.DeviceID || msg.To == models.HubAlias {
		r.dispatch(msg)
		return nil
	}
	if !msg.Broadcast() {
		r.mu.Lock()
		conn := r.conns[msg.To]
		r.mu.Unlock()
		if conn == nil {
			messagesDropped.WithLabelValues("peer_not_found").Inc()
			r.log.Warn("dropping message for unknown peer", "to_peer", msg.To, "type", string(msg.Type))
			return fmt.Errorf("%w: %s", ErrPeerNotFound, msg.To)
		}
		if err := r.writeSealed(conn, msg); err != nil {
			return err
		}
		messagesRouted.Inc()
		return nil
	}

	// Broadcast: every peer except the sender; the hub itself counts
	// as a peer too.
	r.mu.Lock()
	targets := make([]*peerConn, 0, len(r.conns))
	for id, conn := range r.conns {
		if id == msg.From {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	for _, conn := range targets {
		if err := r.writeSealed(conn, msg); err != nil {
			r.log.Warn("broadcast delivery failed", "to_peer", conn.peerID, "err", err)
			continue
		}
		messagesRouted.Inc()
	}
	if msg.From != r.cfg.DeviceID {
		r.dispatch(msg)
	}
	return nil
}

func (r *Router) writeSealed(conn *peerConn, msg models.RelayMessage) error {
	frame := wireFrame{
		Type:      msg.Type,
		From:      msg.From,
		To:        msg.To,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Data) > 0 {
		sealed, err := conn.cipher.Seal(msg.Data)
		if err != nil {
			return err
		}
		frame.Data = sealed
	}
	return conn.writeFrame(frame)
}

// dispatch hands a plaintext message to the registered handler. Unknown
// types are dropped; the type set is closed.
func (r *Router) dispatch(msg models.RelayMessage) {
	if !msg.Type.Known() {
		messagesDropped.WithLabelValues("unknown_type").Inc()
		return
	}
	r.mu.Lock()
	handler := r.handlers[msg.Type]
	r.mu.Unlock()
	if handler == nil {
		return
	}
	handler(msg)
}

func (r *Router) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// A transient failure such as fd exhaustion must not take
			// the listener down for good.
			r.log.Warn("relay accept failed", "err", err)
			select {
			case <-r.stopCh:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		r.wg.Add(1)
		go r.handleInbound(conn)
	}
}

// handleInbound admits one spoke: read the announce, verify membership,
// derive the spoke's payload cipher, then serve its frames.
func (r *Router) handleInbound(raw net.Conn) {
	defer r.wg.Done()

	_ = raw.SetReadDeadline(time.Now().Add(announceTimeout))
	pc := &peerConn{conn: raw}
	frame, err := pc.readFrame()
	if err != nil || frame.Type != models.MessageTypeAnnounce {
		r.log.Warn("rejecting link without announce", "err", err)
		pc.close()
		return
	}
	var ann announceFrame
	if err := json.Unmarshal(frame.Data, &ann); err != nil || strings.TrimSpace(ann.PeerID) == "" {
		r.log.Warn("rejecting malformed announce", "err", err)
		pc.close()
		return
	}
	// A spoke joining for the first time has no certificate yet; its
	// payloads are unreadable unless its announce challenge re-derives
	// a valid credential, so the link is still gated.
	if r.cfg.VerifyCert != nil && ann.Cert != nil {
		if err := r.cfg.VerifyCert(*ann.Cert); err != nil {
			r.log.Warn("rejecting announce with bad certificate", "peer_id", ann.PeerID, "err", err)
			pc.close()
			return
		}
	}
	cipher, err := r.cfg.HubCipher(ann.Challenge)
	if err != nil {
		r.log.Warn("cannot derive spoke cipher", "peer_id", ann.PeerID, "err", err)
		pc.close()
		return
	}
	_ = raw.SetReadDeadline(time.Time{})

	pc.peerID = ann.PeerID
	pc.meshIP = ann.MeshIP
	pc.cipher = cipher

	r.mu.Lock()
	if old := r.conns[pc.peerID]; old != nil {
		old.close()
	}
	r.conns[pc.peerID] = pc
	r.mu.Unlock()
	r.reg.Observe(ann.PeerID, ann.MeshIP, ann.Platform)
	r.log.Info("spoke link established", "peer_id", ann.PeerID)

	r.serveConn(pc, ann.Platform)

	r.mu.Lock()
	if r.conns[pc.peerID] == pc {
		delete(r.conns, pc.peerID)
	}
	r.mu.Unlock()
	pc.close()
}

// serveConn reads frames from one spoke until the link breaks.
func (r *Router) serveConn(pc *peerConn, platform string) {
	for {
		frame, err := pc.readFrame()
		if err != nil {
			select {
			case <-r.stopCh:
			default:
				r.log.Debug("spoke link closed", "peer_id", pc.peerID, "err", err)
			}
			return
		}
		now := r.cfg.Now()
		if !r.limiter.Allow(pc.peerID, now) {
			messagesDropped.WithLabelValues("rate_limited").Inc()
			continue
		}
		r.reg.Observe(pc.peerID, pc.meshIP, platform)

		msg, ok := r.openFrame(pc.cipher, frame)
		if !ok {
			continue
		}
		// The link identifies the sender; never trust the frame's claim.
		msg.From = pc.peerID
		if msg.Type == models.MessageTypePresence {
			continue
		}
		_ = r.route(msg)
	}
}

// openFrame decrypts one inbound frame. A decryption failure drops the
// message and is reported; the router keeps running.
func (r *Router) openFrame(cipher PayloadCipher, frame wireFrame) (models.RelayMessage, bool) {
	msg := models.RelayMessage{
		Type:      frame.Type,
		From:      frame.From,
		To:        frame.To,
		Timestamp: frame.Timestamp,
	}
	if len(frame.Data) > 0 {
		plain, err := cipher.Open(frame.Data)
		if err != nil {
			messagesDropped.WithLabelValues("decrypt_failed").Inc()
			r.log.Warn("dropping undecryptable message", "from_peer", frame.From, "err", err)
			return models.RelayMessage{}, false
		}
		msg.Data = plain
	}
	return msg, true
}

// maintainHubLink keeps a spoke connected to the hub, re-announcing
// after every reconnect.
func (r *Router) maintainHubLink() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		link, err := r.connectHub()
		if err != nil {
			r.log.Warn("hub connect failed", "err", err)
			select {
			case <-r.stopCh:
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}

		r.mu.Lock()
		r.hubLink = link
		r.mu.Unlock()
		r.log.Info("hub link established", "hub", r.cfg.HubAddress)

		r.readHubLink(link)

		r.mu.Lock()
		if r.hubLink == link {
			r.hubLink = nil
		}
		r.mu.Unlock()
		link.close()

		select {
		case <-r.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (r *Router) connectHub() (*peerConn, error) {
	addr := net.JoinHostPort(r.cfg.HubAddress, fmt.Sprintf("%d", r.cfg.HubPort))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	pc := &peerConn{peerID: "hub", cipher: r.cfg.Cipher, conn: conn}

	ann := announceFrame{
		PeerID:    r.cfg.DeviceID,
		MeshIP:    r.cfg.MeshIP,
		Platform:  r.cfg.Platform,
		Challenge: r.cfg.Challenge,
		Cert:      r.cfg.Cert,
	}
	raw, err := json.Marshal(ann)
	if err != nil {
		pc.close()
		return nil, err
	}
	frame := wireFrame{
		Type:      models.MessageTypeAnnounce,
		Data:      raw,
		From:      r.cfg.DeviceID,
		Timestamp: r.cfg.Now().UnixMilli(),
	}
	if err := pc.writeFrame(frame); err != nil {
		pc.close()
		return nil, err
	}
	return pc, nil
}

func (r *Router) readHubLink(link *peerConn) {
	for {
		frame, err := link.readFrame()
		if err != nil {
			select {
			case <-r.stopCh:
			default:
				r.log.Debug("hub link closed", "err", err)
			}
			return
		}
		msg, ok := r.openFrame(link.cipher, frame)
		if !ok {
			continue
		}
		if msg.Type == models.MessageTypePresence {
			var p models.PresencePayload
			if err := json.Unmarshal(msg.Data, &p); err == nil {
				r.reg.Observe(msg.From, p.MeshIP, "")
			}
			continue
		}
		r.reg.Observe(msg.From, "", "")
		r.dispatch(msg)
	}
}

// presenceLoop keeps liveness fresh: spokes beacon the hub, the hub
// beacons every spoke.
func (r *Router) presenceLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			payload, err := json.Marshal(models.PresencePayload{PeerID: r.cfg.DeviceID, MeshIP: r.cfg.MeshIP})
			if err != nil {
				continue
			}
			msg := models.RelayMessage{
				Type:      models.MessageTypePresence,
				Data:      payload,
				From:      r.cfg.DeviceID,
				Timestamp: r.cfg.Now().UnixMilli(),
			}
			if r.role == RoleHub {
				r.mu.Lock()
				targets := make([]*peerConn, 0, len(r.conns))
				for _, conn := range r.conns {
					targets = append(targets, conn)
				}
				r.mu.Unlock()
				for _, conn := range targets {
					_ = r.writeSealed(conn, msg)
				}
				continue
			}
			_ = r.Send(msg)
		}
	}
}
