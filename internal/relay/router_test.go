package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"kinmesh/go-backend/internal/registry"
	"kinmesh/go-backend/pkg/models"
)

const testHubMeshIP = "10.42.0.1"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// spokeCredential stands in for the pairing derivation: the hub test
// config re-derives the same credential from the announce challenge.
func spokeCredential(challenge []byte) []byte {
	return append([]byte("test-credential:"), challenge...)
}

func newTestHub(t *testing.T) *Router {
	t.Helper()
	reg := registry.New(registry.Config{}, nil, discardLogger())
	r, err := New(Config{
		DeviceID:   "dev1hub",
		MeshIP:     testHubMeshIP,
		HubMeshIP:  testHubMeshIP,
		ListenPort: 0,
		HubCipher: func(challenge []byte) (PayloadCipher, error) {
			return NewCredentialCipher(spokeCredential(challenge))
		},
	}, reg, discardLogger())
	if err != nil {
		t.Fatalf("new hub router: %v", err)
	}
	return r
}

func newTestSpoke(t *testing.T, id, meshIP string, hubPort int) *Router {
	t.Helper()
	challenge := []byte(id + "-challenge")
	cipher, err := NewCredentialCipher(spokeCredential(challenge))
	if err != nil {
		t.Fatalf("new spoke cipher: %v", err)
	}
	reg := registry.New(registry.Config{}, nil, discardLogger())
	r, err := New(Config{
		DeviceID:   id,
		MeshIP:     meshIP,
		HubMeshIP:  testHubMeshIP,
		HubAddress: "127.0.0.1",
		HubPort:    hubPort,
		Cipher:     cipher,
		Challenge:  challenge,
	}, reg, discardLogger())
	if err != nil {
		t.Fatalf("new spoke router: %v", err)
	}
	return r
}

func startRouter(t *testing.T, r *Router) {
	t.Helper()
	if err := r.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(r.Stop)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type msgCollector struct {
	mu   sync.Mutex
	msgs []models.RelayMessage
}

func (c *msgCollector) handler() Handler {
	return func(msg models.RelayMessage) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, msg)
	}
}

func (c *msgCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *msgCollector) first() models.RelayMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[0]
}

func hasPeer(r *Router, id string) func() bool {
	return func() bool {
		for _, p := range r.Peers() {
			if p == id {
				return true
			}
		}
		return false
	}
}

func TestRoleFromMeshIP(t *testing.T) {
	hub := newTestHub(t)
	if hub.Role() != RoleHub {
		t.Fatalf("hub role: got %q", hub.Role())
	}
	spoke := newTestSpoke(t, "dev1a", "10.42.0.2", 1)
	if spoke.Role() != RoleSpoke {
		t.Fatalf("spoke role: got %q", spoke.Role())
	}
}

func TestHubRoutesUnicastBetweenSpokes(t *testing.T) {
	hub := newTestHub(t)
	startRouter(t, hub)
	port := hub.ListenPort()

	a := newTestSpoke(t, "dev1a", "10.42.0.2", port)
	b := newTestSpoke(t, "dev1b", "10.42.0.3", port)

	var gotA, gotB msgCollector
	a.OnMessage(models.MessageTypeNotify, gotA.handler())
	b.OnMessage(models.MessageTypeNotify, gotB.handler())

	startRouter(t, a)
	startRouter(t, b)
	waitFor(t, "spoke a link", hasPeer(hub, "dev1a"))
	waitFor(t, "spoke b link", hasPeer(hub, "dev1b"))

	err := a.Send(models.RelayMessage{
		Type: models.MessageTypeNotify,
		To:   "dev1b",
		Data: []byte(`{"title":"ping"}`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "delivery to b", func() bool { return gotB.count() == 1 })
	msg := gotB.first()
	if msg.From != "dev1a" {
		t.Fatalf("sender: got %q, want dev1a", msg.From)
	}
	if string(msg.Data) != `{"title":"ping"}` {
		t.Fatalf("payload: got %q", msg.Data)
	}
	if gotA.count() != 0 {
		t.Fatalf("sender received its own unicast %d times", gotA.count())
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	hub := newTestHub(t)
	var gotHub msgCollector
	hub.OnMessage(models.MessageTypeNotify, gotHub.handler())
	startRouter(t, hub)
	port := hub.ListenPort()

	a := newTestSpoke(t, "dev1a", "10.42.0.2", port)
	b := newTestSpoke(t, "dev1b", "10.42.0.3", port)
	var gotA, gotB msgCollector
	a.OnMessage(models.MessageTypeNotify, gotA.handler())
	b.OnMessage(models.MessageTypeNotify, gotB.handler())

	startRouter(t, a)
	startRouter(t, b)
	waitFor(t, "spoke a link", hasPeer(hub, "dev1a"))
	waitFor(t, "spoke b link", hasPeer(hub, "dev1b"))

	err := a.Send(models.RelayMessage{
		Type: models.MessageTypeNotify,
		Data: []byte(`{"title":"all"}`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "delivery to hub", func() bool { return gotHub.count() == 1 })
	waitFor(t, "delivery to b", func() bool { return gotB.count() == 1 })
	time.Sleep(100 * time.Millisecond)
	if gotA.count() != 0 {
		t.Fatalf("broadcast echoed to the sender %d times", gotA.count())
	}
}

func TestUnicastToUnknownPeerIsNonFatal(t *testing.T) {
	hub := newTestHub(t)
	var got msgCollector
	hub.OnMessage(models.MessageTypeNotify, got.handler())
	startRouter(t, hub)

	err := hub.Send(models.RelayMessage{
		Type: models.MessageTypeNotify,
		To:   "dev1missing",
		Data: []byte(`{}`),
	})
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("send to unknown peer: got %v, want ErrPeerNotFound", err)
	}

	// The router keeps serving after the drop.
	err = hub.Send(models.RelayMessage{
		Type: models.MessageTypeNotify,
		To:   "dev1hub",
		Data: []byte(`{"title":"self"}`),
	})
	if err != nil {
		t.Fatalf("send to self after drop: %v", err)
	}
	if got.count() != 1 {
		t.Fatalf("local delivery count: got %d, want 1", got.count())
	}
}

func TestOnMessageReplacesHandler(t *testing.T) {
	hub := newTestHub(t)
	var first, second msgCollector
	hub.OnMessage(models.MessageTypeNotify, first.handler())
	hub.OnMessage(models.MessageTypeNotify, second.handler())

	err := hub.Send(models.RelayMessage{
		Type: models.MessageTypeNotify,
		To:   "dev1hub",
		Data: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if first.count() != 0 {
		t.Fatalf("replaced handler still invoked %d times", first.count())
	}
	if second.count() != 1 {
		t.Fatalf("active handler invoked %d times, want 1", second.count())
	}
}

func TestSpokeSendWithoutLink(t *testing.T) {
	spoke := newTestSpoke(t, "dev1a", "10.42.0.2", 1)
	err := spoke.Send(models.RelayMessage{Type: models.MessageTypeNotify, Data: []byte(`{}`)})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send without link: got %v, want ErrNotConnected", err)
	}
}

func TestUndecryptableMessageIsDropped(t *testing.T) {
	hub := newTestHub(t)
	var got msgCollector
	hub.OnMessage(models.MessageTypeNotify, got.handler())
	startRouter(t, hub)
	port := hub.ListenPort()

	// This spoke announces one challenge but encrypts with an
	// unrelated credential, so the hub can never open its payloads.
	bad := newTestSpoke(t, "dev1bad", "10.42.0.9", port)
	wrong, err := NewCredentialCipher([]byte("some-other-credential"))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	bad.cfg.Cipher = wrong
	startRouter(t, bad)
	waitFor(t, "bad spoke link", hasPeer(hub, "dev1bad"))

	if err := bad.Send(models.RelayMessage{Type: models.MessageTypeNotify, Data: []byte(`{}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got.count() != 0 {
		t.Fatalf("undecryptable message delivered %d times", got.count())
	}

	// A well-behaved spoke still gets through.
	good := newTestSpoke(t, "dev1good", "10.42.0.10", port)
	startRouter(t, good)
	waitFor(t, "good spoke link", hasPeer(hub, "dev1good"))
	if err := good.Send(models.RelayMessage{Type: models.MessageTypeNotify, Data: []byte(`{"title":"ok"}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "delivery from good spoke", func() bool { return got.count() == 1 })
}

func TestVoiceFramesKeepSenderOrder(t *testing.T) {
	hub := newTestHub(t)
	startRouter(t, hub)
	port := hub.ListenPort()

	a := newTestSpoke(t, "dev1a", "10.42.0.2", port)
	b := newTestSpoke(t, "dev1b", "10.42.0.3", port)
	var got msgCollector
	b.OnMessage(models.MessageTypeVoiceFrame, got.handler())

	startRouter(t, a)
	startRouter(t, b)
	waitFor(t, "spoke a link", hasPeer(hub, "dev1a"))
	waitFor(t, "spoke b link", hasPeer(hub, "dev1b"))

	const frames = 20
	for seq := uint64(0); seq < frames; seq++ {
		payload, err := json.Marshal(models.VoiceFramePayload{CallID: "call-1", Sequence: seq, Frame: []byte{byte(seq)}})
		if err != nil {
			t.Fatalf("marshal frame %d: %v", seq, err)
		}
		if err := a.Send(models.RelayMessage{Type: models.MessageTypeVoiceFrame, To: "dev1b", Data: payload}); err != nil {
			t.Fatalf("send frame %d: %v", seq, err)
		}
	}

	waitFor(t, "all frames delivered", func() bool { return got.count() == frames })
	got.mu.Lock()
	defer got.mu.Unlock()
	for i, msg := range got.msgs {
		var p models.VoiceFramePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if p.Sequence != uint64(i) {
			t.Fatalf("frame order broken: position %d carries sequence %d", i, p.Sequence)
		}
	}
}

// flakyListener fails the first Accept calls before behaving normally,
// the way a listener under fd pressure does.
type flakyListener struct {
	net.Listener
	mu       sync.Mutex
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return nil, errors.New("accept tcp: too many open files")
	}
	return l.Listener.Accept()
}

func TestHubSurvivesTransientAcceptErrors(t *testing.T) {
	hub := newTestHub(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fl := &flakyListener{Listener: ln, failures: 2}

	hub.mu.Lock()
	hub.ln = fl
	hub.started = true
	hub.mu.Unlock()
	hub.wg.Add(1)
	go hub.acceptLoop(fl)
	t.Cleanup(hub.Stop)

	spoke := newTestSpoke(t, "dev1a", "10.42.0.2", ln.Addr().(*net.TCPAddr).Port)
	startRouter(t, spoke)
	waitFor(t, "link after accept failures", hasPeer(hub, "dev1a"))
}

func TestSpokeReconnectsAfterHubRestart(t *testing.T) {
	hub := newTestHub(t)
	startRouter(t, hub)
	port := hub.ListenPort()

	spoke := newTestSpoke(t, "dev1a", "10.42.0.2", port)
	startRouter(t, spoke)
	waitFor(t, "initial link", hasPeer(hub, "dev1a"))

	hub.Stop()

	hub2 := newTestHub(t)
	hub2.cfg.ListenPort = port
	waitFor(t, "hub restart on same port", func() bool { return hub2.Start() == nil })
	t.Cleanup(hub2.Stop)
	waitFor(t, "re-announce to new hub", hasPeer(hub2, "dev1a"))
}
