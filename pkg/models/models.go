package models

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType is the closed set of relay message kinds. The router only
// dispatches types it knows about; everything else is dropped.
type MessageType string

const (
	MessageTypeAnnounce    MessageType = "peer_announce"
	MessageTypePresence    MessageType = "peer_presence"
	MessageTypeRPCRequest  MessageType = "rpc_request"
	MessageTypeRPCResponse MessageType = "rpc_response"
	MessageTypeAckRequest  MessageType = "ack_request"
	MessageTypeNotify      MessageType = "notify"
	MessageTypeVoiceFrame  MessageType = "voice_frame"
)

func (t MessageType) Known() bool {
	switch t {
	case MessageTypeAnnounce, MessageTypePresence, MessageTypeRPCRequest,
		MessageTypeRPCResponse, MessageTypeAckRequest, MessageTypeNotify,
		MessageTypeVoiceFrame:
		return true
	}
	return false
}

// RelayMessage is the wire envelope exchanged between peers. Data carries
// the type-specific payload, encrypted on the wire for non-empty payloads.
// To empty means broadcast to every peer except From.
type RelayMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch ms
}

func (m RelayMessage) Broadcast() bool {
	return strings.TrimSpace(m.To) == ""
}

// HubAlias addresses the hub without knowing its device id; only the
// hub resolves it, and only for local dispatch.
const HubAlias = "hub"

// AnnouncePayload identifies a spoke to the hub on connect.
type AnnouncePayload struct {
	PeerID   string `json:"peer_id"`
	MeshIP   string `json:"mesh_ip"`
	Platform string `json:"platform,omitempty"`
}

// PresencePayload is a lightweight liveness beacon.
type PresencePayload struct {
	PeerID string `json:"peer_id"`
	MeshIP string `json:"mesh_ip"`
}

// NotifyPayload carries an application notification for on-device display.
type NotifyPayload struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

// VoiceFramePayload carries one opaque audio frame.
type VoiceFramePayload struct {
	CallID   string `json:"call_id"`
	Sequence uint64 `json:"sequence"`
	Frame    []byte `json:"frame"`
}

// RPCEnvelope is one outgoing call; it is matched against exactly one
// RPCResponse with the same ID.
type RPCEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id"`
}

type RPCResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PeerRecord is one known peer as tracked by the registry.
type PeerRecord struct {
	PeerID      string    `json:"peer_id"`
	MeshIP      string    `json:"mesh_ip"`
	Platform    string    `json:"platform,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Status values follow the lifecycle disconnected -> connecting ->
// connected, with error terminal for the current session.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusError        = "error"
)

// MeshStatus is the aggregate surface external collaborators observe.
// Peers carries device ids only; the richer registry records stay
// behind their own accessor.
type MeshStatus struct {
	Status string   `json:"status"`
	NodeIP string   `json:"nodeIP,omitempty"`
	Peers  []string `json:"peers"`
	Error  string   `json:"error,omitempty"`
}

// DeviceCertificate binds a device id to its mesh IP under a network's
// root key. Immutable after issuance; revocation replaces the network.
type DeviceCertificate struct {
	NetworkID string    `json:"network_id"`
	DeviceID  string    `json:"device_id"`
	MeshIP    string    `json:"mesh_ip"`
	PublicKey []byte    `json:"public_key"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	Signature []byte    `json:"signature"`
}
