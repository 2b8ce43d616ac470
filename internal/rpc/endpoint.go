package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kinmesh/go-backend/internal/relay"
	"kinmesh/go-backend/pkg/models"
)

var (
	ErrCallTimeout    = errors.New("rpc call timed out")
	ErrMethodNotFound = errors.New("rpc method not registered")
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultAckTimeout  = 15 * time.Second
)

// RemoteError is a peer-reported failure of an invoked method.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc method %s failed on peer: %s", e.Method, e.Message)
}

// MethodFunc handles one invocation. The returned value is marshalled
// into the response; an error is reported to the caller instead.
type MethodFunc func(from string, params json.RawMessage) (any, error)

// Transport carries rpc frames between peers.
type Transport interface {
	Send(msg models.RelayMessage) error
	OnMessage(t models.MessageType, h relay.Handler)
}

// Endpoint is both sides of the rpc layer: it invokes methods on peers
// and serves the methods registered locally. Responses correlate to
// requests by id; each pending call resolves exactly once.
type Endpoint struct {
	deviceID  string
	transport Transport
	log       *slog.Logger
	now       func() time.Time

	callTimeout time.Duration
	ackTimeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan models.RPCResponse
	methods map[string]MethodFunc
}

func New(deviceID string, transport Transport, logger *slog.Logger) (*Endpoint, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("device id is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Endpoint{
		deviceID:    deviceID,
		transport:   transport,
		log:         logger,
		now:         time.Now,
		callTimeout: defaultCallTimeout,
		ackTimeout:  defaultAckTimeout,
		pending:     make(map[string]chan models.RPCResponse),
		methods:     make(map[string]MethodFunc),
	}
	transport.OnMessage(models.MessageTypeRPCRequest, e.onRequest)
	transport.OnMessage(models.MessageTypeAckRequest, e.onRequest)
	transport.OnMessage(models.MessageTypeRPCResponse, e.onResponse)
	return e, nil
}

// RegisterMethod makes a method invocable by peers, replacing any
// previous registration under the same name.
func (e *Endpoint) RegisterMethod(name string, fn MethodFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		delete(e.methods, name)
		return
	}
	e.methods[name] = fn
}

// Call invokes a method on a peer and waits for its result.
func (e *Endpoint) Call(ctx context.Context, to, method string, params any) (json.RawMessage, error) {
	return e.roundTrip(ctx, to, method, params, models.MessageTypeRPCRequest, e.callTimeout)
}

// EmitWithAck delivers an event to a peer and waits for the delivery
// acknowledgement, with a shorter deadline than Call. The peer's
// handler result comes back like a Call result.
func (e *Endpoint) EmitWithAck(ctx context.Context, to, event string, params any) (json.RawMessage, error) {
	return e.roundTrip(ctx, to, event, params, models.MessageTypeAckRequest, e.ackTimeout)
}

// Notify invokes a method on a peer without waiting for anything. The
// empty correlation id tells the peer not to respond.
func (e *Endpoint) Notify(to, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return e.sendEnvelope(to, models.MessageTypeRPCRequest, models.RPCEnvelope{Method: method, Params: raw})
}

func (e *Endpoint) roundTrip(ctx context.Context, to, method string, params any, t models.MessageType, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan models.RPCResponse, 1)

	e.mu.Lock()
	e.pending[id] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	env := models.RPCEnvelope{Method: method, Params: raw, ID: id}
	if err := e.sendEnvelope(to, t, env); err != nil {
		callsTotal.WithLabelValues("send_failed").Inc()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		callsTotal.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	case <-timer.C:
		callsTotal.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: %s on %s", ErrCallTimeout, method, to)
	case resp := <-ch:
		if !resp.OK {
			callsTotal.WithLabelValues("remote_error").Inc()
			return nil, &RemoteError{Method: method, Message: resp.Error}
		}
		callsTotal.WithLabelValues("ok").Inc()
		return resp.Result, nil
	}
}

func (e *Endpoint) sendEnvelope(to string, t models.MessageType, env models.RPCEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.transport.Send(models.RelayMessage{
		Type:      t,
		Data:      data,
		From:      e.deviceID,
		To:        to,
		Timestamp: e.now().UnixMilli(),
	})
}

// onRequest serves one inbound invocation and, unless the request was
// fire-and-forget, replies to the sender.
func (e *Endpoint) onRequest(msg models.RelayMessage) {
	var env models.RPCEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		e.log.Warn("dropping malformed rpc request", "from_peer", msg.From, "err", err)
		return
	}

	e.mu.Lock()
	fn := e.methods[env.Method]
	e.mu.Unlock()

	resp := models.RPCResponse{ID: env.ID}
	if fn == nil {
		resp.Error = fmt.Sprintf("%v: %s", ErrMethodNotFound, env.Method)
	} else if result, err := fn(msg.From, env.Params); err != nil {
		resp.Error = err.Error()
	} else {
		raw, err := marshalParams(result)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Result = raw
		}
	}

	if env.ID == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	sendErr := e.transport.Send(models.RelayMessage{
		Type:      models.MessageTypeRPCResponse,
		Data:      data,
		From:      e.deviceID,
		To:        msg.From,
		Timestamp: e.now().UnixMilli(),
	})
	if sendErr != nil {
		e.log.Warn("rpc response delivery failed", "to_peer", msg.From, "err", sendErr)
	}
}

// onResponse resolves the matching pending call. A response whose call
// already timed out or resolved is dropped.
func (e *Endpoint) onResponse(msg models.RelayMessage) {
	var resp models.RPCResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		e.log.Warn("dropping malformed rpc response", "from_peer", msg.From, "err", err)
		return
	}

	e.mu.Lock()
	ch, ok := e.pending[resp.ID]
	if ok {
		delete(e.pending, resp.ID)
	}
	e.mu.Unlock()
	if !ok {
		e.log.Debug("ignoring late rpc response", "correlation_id", resp.ID)
		return
	}
	ch <- resp
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
