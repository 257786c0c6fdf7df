package core

import (
	"net"
	"testing"
	"time"
)

func newTestConnectionManager(t *testing.T, onRecv EnvelopeHandler) (*ConnectionManager, *ConnectionTable) {
	t.Helper()
	table, err := NewConnectionTable(map[ProtocolType]int{ProtocolTCP: 2, ProtocolWS: 8, ProtocolWSS: 8}, nil)
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}
	return NewConnectionManager(table, onRecv, nil), table
}

func TestConnectionManagerReceivesFramedMessages(t *testing.T) {
	received := make(chan []byte, 1)
	mgr, table := newTestConnectionManager(t, func(data []byte, _ Flow) {
		received <- append([]byte(nil), data...)
	})

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	conn := NewConnection(testFlow(t, 9001), ProtocolTCP, server)

	if err := mgr.OnAccepted(conn); err != nil {
		t.Fatalf("OnAccepted: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", table.Len())
	}

	if err := WriteTCPFrame(client, []byte("hello")); err != nil {
		t.Fatalf("WriteTCPFrame: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("received: got %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the receive loop to deliver a frame")
	}

	mgr.Shutdown()
}

func TestConnectionManagerReceiveLoopExitsOnConnClose(t *testing.T) {
	mgr, table := newTestConnectionManager(t, func([]byte, Flow) {})

	client, server := net.Pipe()
	conn := NewConnection(testFlow(t, 9002), ProtocolTCP, server)
	if err := mgr.OnAccepted(conn); err != nil {
		t.Fatalf("OnAccepted: %v", err)
	}

	_ = client.Close()

	// The receive loop should notice the closed pipe and remove the
	// connection from the table on its own, before Shutdown is called.
	deadline := time.Now().Add(time.Second)
	for table.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if table.Len() != 0 {
		t.Fatalf("Len after peer close: got %d, want 0", table.Len())
	}

	done := make(chan struct{})
	go func() {
		mgr.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return: receive loop appears stuck")
	}

	if table.Len() != 0 {
		t.Fatalf("Len after close: got %d, want 0", table.Len())
	}
}

func TestConnectionManagerOnAcceptedEvictsOldest(t *testing.T) {
	mgr, table := newTestConnectionManager(t, func([]byte, Flow) {})

	conns := make([]*Connection, 0, 3)
	for i := uint16(0); i < 3; i++ {
		client, server := net.Pipe()
		t.Cleanup(func() { _ = client.Close() })
		conn := NewConnection(testFlow(t, 9100+i), ProtocolTCP, server)
		conns = append(conns, conn)
		if err := mgr.OnAccepted(conn); err != nil {
			t.Fatalf("OnAccepted %d: %v", i, err)
		}
	}

	if table.Len() != 2 {
		t.Fatalf("Len after 3 accepts at capacity 2: got %d, want 2", table.Len())
	}
	if _, ok := table.GetByDescriptor(conns[0].Flow); ok {
		t.Fatal("expected the oldest connection evicted, still found in the table")
	}

	mgr.Shutdown()
}
