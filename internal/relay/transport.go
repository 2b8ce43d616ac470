package relay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"kinmesh/go-backend/pkg/models"
)

const (
	// maxFrameSize bounds one relay frame; voice frames stay far below this.
	maxFrameSize = 1 << 20

	announceTimeout = 10 * time.Second
	dialTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
)

var (
	ErrFrameTooLarge = errors.New("relay frame exceeds max size")
	ErrNotConnected  = errors.New("relay link is not connected")
)

// wireFrame is the on-the-wire envelope. Data carries the sealed
// payload, base64 through encoding/json's []byte handling.
type wireFrame struct {
	Type      models.MessageType `json:"type"`
	Data      []byte             `json:"data,omitempty"`
	From      string             `json:"from,omitempty"`
	To        string             `json:"to,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// peerConn is one persistent link. Writes are serialized per
// connection, which preserves FIFO ordering per sender/receiver pair.
type peerConn struct {
	peerID string
	meshIP string
	cipher PayloadCipher
	conn   net.Conn

	writeMu sync.Mutex
	closed  sync.Once
}

func (p *peerConn) writeFrame(frame wireFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := p.conn.Write(header); err != nil {
		return err
	}
	_, err = p.conn.Write(payload)
	return err
}

func (p *peerConn) readFrame() (wireFrame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(p.conn, header); err != nil {
		return wireFrame{}, err
	}
	size := binary.BigEndian.Uint32(header)
	if size == 0 || size > maxFrameSize {
		return wireFrame{}, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(p.conn, payload); err != nil {
		return wireFrame{}, err
	}
	var frame wireFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return wireFrame{}, fmt.Errorf("malformed relay frame: %w", err)
	}
	return frame, nil
}

func (p *peerConn) close() {
	p.closed.Do(func() { _ = p.conn.Close() })
}

// announceFrame is the first, unencrypted frame on a new link. The
// challenge lets the hub re-derive the spoke's pairing credential; the
// certificate proves membership under the network root.
type announceFrame struct {
	PeerID    string                    `json:"peer_id"`
	MeshIP    string                    `json:"mesh_ip"`
	Platform  string                    `json:"platform,omitempty"`
	Challenge []byte                    `json:"challenge"`
	Cert      *models.DeviceCertificate `json:"cert,omitempty"`
}
