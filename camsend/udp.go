package camsend

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

var errFrameTooLarge = errors.New("frame exceeds one datagram")

// FrameSender sends one encoded frame per call, best effort.
type FrameSender interface {
	SendFrame(buf []byte) error
	Close() error
}

// UDPTransport sends each frame as a single datagram: the marker followed by
// the encoded bytes. No fragmentation, acknowledgement or retry.
type UDPTransport struct {
	marker  []byte
	timeout time.Duration
	conn    *net.UDPConn
	packet  []byte
	log     *zap.Logger
}

// NewUDPTransport opens the outbound socket towards the configured peer.
func NewUDPTransport(c TransportConfig, logger *zap.Logger) (*UDPTransport, error) {
	addr := net.JoinHostPort(c.PeerHost, strconv.Itoa(c.PeerPort))
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &TransportError{Op: "init", Err: err}
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, &TransportError{Op: "init", Err: err}
	}
	t := &UDPTransport{
		marker:  []byte(c.Marker),
		timeout: c.SendTimeout,
		conn:    conn,
		log:     orNop(logger).Named("transport"),
	}
	t.log.Info("udp socket ready", zap.String("peer", raddr.String()), zap.String("local", conn.LocalAddr().String()))
	return t, nil
}

func (t *UDPTransport) SendFrame(buf []byte) error {
	if n := len(t.marker) + len(buf); n > MaxDatagram {
		return &TransportError{Op: "send", Err: fmt.Errorf("%w: %d bytes", errFrameTooLarge, n)}
	}
	t.packet = append(append(t.packet[:0], t.marker...), buf...)
	if t.timeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
			return &TransportError{Op: "send", Err: err}
		}
	}
	if _, err := t.conn.Write(t.packet); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *UDPTransport) Close() error { return t.conn.Close() }
