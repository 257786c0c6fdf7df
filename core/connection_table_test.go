package core

import (
	"net"
	"testing"
)

func testFlow(t *testing.T, remotePort uint16) Flow {
	t.Helper()
	return Flow{
		Remote: PeerAddress{Addr: net.ParseIP("203.0.113.1"), Port: remotePort, Protocol: ProtocolTCP},
		Local:  PeerAddress{Addr: net.ParseIP("203.0.113.2"), Port: 5150, Protocol: ProtocolTCP},
	}
}

func newTestConnection(t *testing.T, remotePort uint16) *Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	return NewConnection(testFlow(t, remotePort), ProtocolTCP, server)
}

func TestConnectionTableAddAndGet(t *testing.T) {
	table, err := NewConnectionTable(map[ProtocolType]int{ProtocolTCP: 8, ProtocolWS: 8, ProtocolWSS: 8}, nil)
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}

	conn := newTestConnection(t, 1000)
	if _, err := table.Add(conn); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", table.Len())
	}

	got, ok := table.GetByDescriptor(conn.Flow)
	if !ok || got.ID != conn.ID {
		t.Fatalf("GetByDescriptor: got %+v, ok=%v", got, ok)
	}
}

func TestConnectionTableRejectsDuplicateDescriptor(t *testing.T) {
	table, err := NewConnectionTable(map[ProtocolType]int{ProtocolTCP: 8, ProtocolWS: 8, ProtocolWSS: 8}, nil)
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}

	flow := testFlow(t, 1000)
	client1, server1 := net.Pipe()
	defer client1.Close()
	defer server1.Close()
	conn1 := NewConnection(flow, ProtocolTCP, server1)
	if _, err := table.Add(conn1); err != nil {
		t.Fatalf("first add: %v", err)
	}

	client2, server2 := net.Pipe()
	defer client2.Close()
	defer server2.Close()
	conn2 := NewConnection(flow, ProtocolTCP, server2)
	if _, err := table.Add(conn2); err != ErrAlreadyExists {
		t.Fatalf("second add: got %v, want ErrAlreadyExists", err)
	}
}

func TestConnectionTableLRUEviction(t *testing.T) {
	table, err := NewConnectionTable(map[ProtocolType]int{ProtocolTCP: 2, ProtocolWS: 8, ProtocolWSS: 8}, nil)
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}

	c1 := newTestConnection(t, 1001)
	c2 := newTestConnection(t, 1002)
	c3 := newTestConnection(t, 1003)

	if _, err := table.Add(c1); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if _, err := table.Add(c2); err != nil {
		t.Fatalf("add c2: %v", err)
	}
	evicted, err := table.Add(c3)
	if err != nil {
		t.Fatalf("add c3: %v", err)
	}
	if evicted == nil || evicted.ID != c1.ID {
		t.Fatalf("expected c1 evicted (oldest), got %+v", evicted)
	}
	if table.Len() != 2 {
		t.Fatalf("Len after eviction: got %d, want 2", table.Len())
	}
	if _, ok := table.GetByDescriptor(c1.Flow); ok {
		t.Fatal("evicted connection's descriptor is still indexed")
	}
}

func TestConnectionTableRemove(t *testing.T) {
	table, err := NewConnectionTable(map[ProtocolType]int{ProtocolTCP: 8, ProtocolWS: 8, ProtocolWSS: 8}, nil)
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}
	conn := newTestConnection(t, 2000)
	if _, err := table.Add(conn); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, ok := table.Remove(conn.ID)
	if !ok || got.ID != conn.ID {
		t.Fatalf("Remove: got %+v, ok=%v", got, ok)
	}
	if table.Len() != 0 {
		t.Fatalf("Len after remove: got %d, want 0", table.Len())
	}
	if _, ok := table.Remove(conn.ID); ok {
		t.Fatal("removing an already-removed connection should report not found")
	}
}

func TestConnectionTableAdmissionRejection(t *testing.T) {
	cfg := DefaultAddressFilterConfig()
	cfg.MaxConnectionsPerIP4 = 1
	cfg.MaxConnectionFrequency = 1000
	filter := NewAddressFilter(cfg)

	table, err := NewConnectionTable(map[ProtocolType]int{ProtocolTCP: 8, ProtocolWS: 8, ProtocolWSS: 8}, filter)
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}

	c1 := newTestConnection(t, 3000)
	if _, err := table.Add(c1); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	c2 := newTestConnection(t, 3001) // same remote IP, different port
	if _, err := table.Add(c2); err != ErrCountExceeded {
		t.Fatalf("add c2: got %v, want ErrCountExceeded", err)
	}
}

func TestParseConnectionIDRoundTrip(t *testing.T) {
	conn := newTestConnection(t, 4000)
	got, err := ParseConnectionID(conn.ID.String())
	if err != nil {
		t.Fatalf("ParseConnectionID: %v", err)
	}
	if got != conn.ID {
		t.Fatalf("round trip mismatch: got %v, want %v", got, conn.ID)
	}
	if _, err := ParseConnectionID("not-a-uuid"); err == nil {
		t.Fatal("expected error parsing an invalid connection id")
	}
}
