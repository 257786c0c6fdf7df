package core

import (
	"net"
	"testing"
)

func TestUDPSendRecvRoundTrip(t *testing.T) {
	serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := NewUDPHandler(serverAddr)
	if err != nil {
		t.Fatalf("NewUDPHandler (server): %v", err)
	}
	defer server.Close()

	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	client, err := NewUDPHandler(clientAddr)
	if err != nil {
		t.Fatalf("NewUDPHandler (client): %v", err)
	}
	defer client.Close()

	serverPort := server.conn.LocalAddr().(*net.UDPAddr).Port
	remote := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort}
	if err := client.SendMessage([]byte("ping"), remote); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	buf := make([]byte, 1500)
	n, flow, err := server.RecvMessage(buf)
	if err != nil {
		t.Fatalf("RecvMessage: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("received: got %q, want %q", buf[:n], "ping")
	}
	if flow.Remote.Protocol != ProtocolUDP {
		t.Fatalf("flow protocol: got %v, want udp", flow.Remote.Protocol)
	}
}

func TestUDPSendMessageRejectsOversizePayload(t *testing.T) {
	h, err := NewUDPHandler(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("NewUDPHandler: %v", err)
	}
	defer h.Close()

	oversize := make([]byte, udpMaxDatagram+1)
	remote := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9}
	if err := h.SendMessage(oversize, remote); err == nil {
		t.Fatal("expected error sending a datagram over the max size")
	}
}
