package core

import (
	"net"
	"testing"
	"time"
)

func TestTypedKeyEqualAndLess(t *testing.T) {
	a, err := NewTypedKey(CryptoKindVLD0, make([]byte, TypedKeyValueLength))
	if err != nil {
		t.Fatalf("NewTypedKey: %v", err)
	}
	bValue := make([]byte, TypedKeyValueLength)
	bValue[0] = 1
	b, err := NewTypedKey(CryptoKindVLD0, bValue)
	if err != nil {
		t.Fatalf("NewTypedKey: %v", err)
	}

	if a.Equal(b) {
		t.Fatal("expected different values to compare unequal")
	}
	if !a.Equal(a) {
		t.Fatal("expected a key to equal itself")
	}
	if !a.Less(b) {
		t.Fatal("expected the all-zero value to sort before the one with a nonzero leading byte")
	}
	if b.Less(a) {
		t.Fatal("Less must be antisymmetric: b must not also sort before a")
	}

	c, err := NewTypedKey(CryptoKindNone, make([]byte, TypedKeyValueLength))
	if err != nil {
		t.Fatalf("NewTypedKey: %v", err)
	}
	if !a.Less(c) {
		t.Fatal("expected CryptoKindVLD0 to sort before CryptoKindNone lexicographically")
	}
}

func TestNewTypedKeyRejectsWrongLength(t *testing.T) {
	if _, err := NewTypedKey(CryptoKindVLD0, make([]byte, 31)); err == nil {
		t.Fatal("expected an error for a value shorter than 32 bytes")
	}
	if _, err := NewTypedKey(CryptoKindVLD0, make([]byte, 33)); err == nil {
		t.Fatal("expected an error for a value longer than 32 bytes")
	}
}

func TestTypedKeyStringParseRoundTrip(t *testing.T) {
	value := make([]byte, TypedKeyValueLength)
	for i := range value {
		value[i] = byte(i)
	}
	tk, err := NewTypedKey(CryptoKindVLD0, value)
	if err != nil {
		t.Fatalf("NewTypedKey: %v", err)
	}

	s := tk.String()
	parsed, err := ParseTypedKey(s)
	if err != nil {
		t.Fatalf("ParseTypedKey(%q): %v", s, err)
	}
	if !parsed.Equal(tk) {
		t.Fatalf("round trip: got %v, want %v", parsed, tk)
	}
}

func TestParseTypedKeyRejectsMalformedInput(t *testing.T) {
	if _, err := ParseTypedKey("no-colon-here"); err == nil {
		t.Fatal("expected an error for input with no kind/value separator")
	}
	if _, err := ParseTypedKey("TOOLONGKIND:AAAA"); err == nil {
		t.Fatal("expected an error for a kind longer than 4 bytes")
	}
	if _, err := ParseTypedKey("VLD0:not base64!!"); err == nil {
		t.Fatal("expected an error for a malformed base64 value")
	}
}

func TestNodeIDGroupContainsAndBest(t *testing.T) {
	var empty NodeIDGroup
	if _, ok := empty.Best(); ok {
		t.Fatal("expected Best on an empty group to report false")
	}

	a, _ := NewTypedKey(CryptoKindVLD0, make([]byte, TypedKeyValueLength))
	b, _ := NewTypedKey(CryptoKindVLD1, make([]byte, TypedKeyValueLength))
	group := NodeIDGroup{a, b}

	if !group.Contains(a) || !group.Contains(b) {
		t.Fatal("expected the group to contain both its members")
	}
	other, _ := NewTypedKey(CryptoKindNone, make([]byte, TypedKeyValueLength))
	if group.Contains(other) {
		t.Fatal("expected the group not to contain an unrelated key")
	}
	best, ok := group.Best()
	if !ok || !best.Equal(a) {
		t.Fatalf("Best: got %v, ok=%v, want the first-preference id %v", best, ok, a)
	}
}

func TestProtocolTypeStringAndIsStream(t *testing.T) {
	cases := []struct {
		proto    ProtocolType
		want     string
		isStream bool
	}{
		{ProtocolUDP, "udp", false},
		{ProtocolTCP, "tcp", true},
		{ProtocolWS, "ws", true},
		{ProtocolWSS, "wss", true},
	}
	for _, c := range cases {
		if got := c.proto.String(); got != c.want {
			t.Fatalf("String(%d): got %q, want %q", c.proto, got, c.want)
		}
		if got := c.proto.IsStream(); got != c.isStream {
			t.Fatalf("IsStream(%d): got %v, want %v", c.proto, got, c.isStream)
		}
	}
	if got := ProtocolType(255).String(); got != "unknown" {
		t.Fatalf("String of an undefined protocol: got %q, want %q", got, "unknown")
	}
}

func TestPeerAddressAndFlowString(t *testing.T) {
	addr := PeerAddress{Addr: net.ParseIP("127.0.0.1"), Port: 8080, Protocol: ProtocolTCP}
	if got, want := addr.String(), "tcp://127.0.0.1:8080"; got != want {
		t.Fatalf("PeerAddress.String: got %q, want %q", got, want)
	}

	flow := Flow{Remote: addr, Local: PeerAddress{Addr: net.ParseIP("10.0.0.1"), Port: 9, Protocol: ProtocolTCP}}
	if got, want := flow.String(), "tcp://127.0.0.1:8080<-tcp://10.0.0.1:9"; got != want {
		t.Fatalf("Flow.String: got %q, want %q", got, want)
	}
}

func TestDialInfoStringIncludesPathOnlyForWS(t *testing.T) {
	tcp := DialInfo{Protocol: ProtocolTCP, Address: net.ParseIP("127.0.0.1"), Port: 1234}
	if got, want := tcp.String(), "tcp://127.0.0.1:1234"; got != want {
		t.Fatalf("TCP DialInfo.String: got %q, want %q", got, want)
	}

	ws := DialInfo{Protocol: ProtocolWS, Address: net.ParseIP("127.0.0.1"), Port: 1234, Path: "/rpc"}
	if got, want := ws.String(), "ws://127.0.0.1:1234/rpc"; got != want {
		t.Fatalf("WS DialInfo.String: got %q, want %q", got, want)
	}
}

func TestEntryStateString(t *testing.T) {
	cases := map[EntryState]string{
		EntryStateReliable:   "reliable",
		EntryStateUnreliable: "unreliable",
		EntryStateDead:       "dead",
		EntryState(99):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("String(%d): got %q, want %q", state, got, want)
		}
	}
}

func TestPeerStatsRecordLatencyBoundsWindow(t *testing.T) {
	var s PeerStats
	for i := 0; i < 5; i++ {
		s.RecordLatency(time.Duration(i)*time.Millisecond, 3)
	}
	if len(s.LatencySamples) != 3 {
		t.Fatalf("LatencySamples length: got %d, want 3", len(s.LatencySamples))
	}
	want := []time.Duration{2 * time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond}
	for i, d := range want {
		if s.LatencySamples[i] != d {
			t.Fatalf("LatencySamples[%d]: got %v, want %v", i, s.LatencySamples[i], d)
		}
	}
}

func TestNewBucketEntryStartsUnreliable(t *testing.T) {
	ids := NodeIDGroup{}
	entry := NewBucketEntry(ids)
	if entry.State != EntryStateUnreliable {
		t.Fatalf("State: got %v, want EntryStateUnreliable", entry.State)
	}
	if entry.NodeInfo == nil || entry.Flows == nil {
		t.Fatal("expected NewBucketEntry to initialize both maps")
	}
}
