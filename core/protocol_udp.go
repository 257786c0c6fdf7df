package core

import (
	"fmt"
	"net"
)

// udpMaxDatagram is the IPv4 UDP data limit the envelope format's maximum
// size is itself derived from.
const udpMaxDatagram = 65507

// UDPHandler implements the datagram protocol: send_message/recv_message,
// with payloads larger than the path MTU routed through the assembly
// buffer by the caller (network manager), not this handler.
type UDPHandler struct {
	conn *net.UDPConn
}

// NewUDPHandler binds a UDP socket at local.
func NewUDPHandler(local *net.UDPAddr) (*UDPHandler, error) {
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, newNetworkError("listen", err)
	}
	return &UDPHandler{conn: conn}, nil
}

// SendMessage writes one datagram to remote.
func (h *UDPHandler) SendMessage(payload []byte, remote *net.UDPAddr) error {
	if len(payload) > udpMaxDatagram {
		return &ProtocolError{Reason: fmt.Sprintf("udp payload %d exceeds max %d", len(payload), udpMaxDatagram)}
	}
	if _, err := h.conn.WriteToUDP(payload, remote); err != nil {
		return newNetworkError("write", err)
	}
	return nil
}

// RecvMessage reads one datagram into buf, returning its size and the
// flow it arrived on.
func (h *UDPHandler) RecvMessage(buf []byte) (int, Flow, error) {
	n, remote, err := h.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, Flow{}, newNetworkError("read", err)
	}
	local := h.conn.LocalAddr().(*net.UDPAddr)
	flow := Flow{
		Remote: PeerAddress{Addr: remote.IP, Port: uint16(remote.Port), Protocol: ProtocolUDP},
		Local:  PeerAddress{Addr: local.IP, Port: uint16(local.Port), Protocol: ProtocolUDP},
	}
	return n, flow, nil
}

// Close releases the UDP socket.
func (h *UDPHandler) Close() error { return h.conn.Close() }
