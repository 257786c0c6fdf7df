package core

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestNetworkManager(t *testing.T, self KeyPair, registry *CryptoRegistry, rt *RoutingTable, handler Handler) *NetworkManager {
	t.Helper()
	table, err := NewConnectionTable(map[ProtocolType]int{ProtocolTCP: 8, ProtocolWS: 8, ProtocolWSS: 8}, nil)
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}
	cfg := DefaultNetworkManagerConfig(NodeIDGroup{self.Public}, map[CryptoKind]TypedKey{self.Public.Kind: self.Secret})
	nm, err := NewNetworkManager(cfg, registry, rt, table, handler, nil, nil)
	if err != nil {
		t.Fatalf("NewNetworkManager: %v", err)
	}
	t.Cleanup(func() { _ = nm.Close() })
	return nm
}

func TestNewNetworkManagerRejectsEmptySelfIDs(t *testing.T) {
	registry := NewCryptoRegistry(NewEd25519Suite())
	table, err := NewConnectionTable(map[ProtocolType]int{ProtocolTCP: 8}, nil)
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}
	cfg := NetworkManagerConfig{}
	if _, err := NewNetworkManager(cfg, registry, nil, table, nil, nil, nil); err == nil {
		t.Fatal("expected an error constructing a network manager with no self ids")
	}
}

func TestNetworkManagerSendDataDeliversEndToEnd(t *testing.T) {
	suite := NewEd25519Suite()
	selfA, err := suite.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair A: %v", err)
	}
	selfB, err := suite.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair B: %v", err)
	}

	registryA := NewCryptoRegistry(NewEd25519Suite())
	registryB := NewCryptoRegistry(NewEd25519Suite())
	rtA := NewRoutingTable(registryA, NodeIDGroup{selfA.Public}, DefaultRoutingTableConfig())
	rtB := NewRoutingTable(registryB, NodeIDGroup{selfB.Public}, DefaultRoutingTableConfig())
	if _, err := rtA.RegisterNode(peerInfoFor(selfB.Public, 9000), true); err != nil {
		t.Fatalf("RegisterNode B into A: %v", err)
	}

	received := make(chan struct {
		detail any
		sender NodeID
	}, 1)
	handlerB := func(_ context.Context, op Operation, sender NodeID) (*Operation, error) {
		received <- struct {
			detail any
			sender NodeID
		}{op.Detail, sender}
		return nil, nil
	}

	nmA := newTestNetworkManager(t, selfA, registryA, rtA, nil)
	nmB := newTestNetworkManager(t, selfB, registryB, rtB, handlerB)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	flowAtoB := Flow{Remote: PeerAddress{Protocol: ProtocolTCP, Port: 9000}, Local: PeerAddress{Protocol: ProtocolTCP, Port: 1}}
	flowBtoA := Flow{Remote: PeerAddress{Protocol: ProtocolTCP, Port: 1}, Local: PeerAddress{Protocol: ProtocolTCP, Port: 9000}}

	if err := nmA.Accept(NewConnection(flowAtoB, ProtocolTCP, clientConn)); err != nil {
		t.Fatalf("Accept (A side): %v", err)
	}
	if err := nmB.Accept(NewConnection(flowBtoA, ProtocolTCP, serverConn)); err != nil {
		t.Fatalf("Accept (B side): %v", err)
	}

	entry, ok := rtA.GetEntry(selfB.Public)
	if !ok {
		t.Fatal("expected B to be registered in A's routing table")
	}
	entry.Flows[RoutingDomainPublicInternet] = FlowRecord{Flow: flowAtoB, Seen: time.Now()}

	if err := nmA.SendData(context.Background(), selfB.Public, []byte("hello from A")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	select {
	case got := <-received:
		plaintext, ok := got.detail.([]byte)
		if !ok {
			t.Fatalf("handler detail type: got %T, want []byte", got.detail)
		}
		if string(plaintext) != "hello from A" {
			t.Fatalf("delivered plaintext: got %q, want %q", plaintext, "hello from A")
		}
		if !got.sender.Equal(selfA.Public) {
			t.Fatalf("sender: got %v, want %v", got.sender, selfA.Public)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for B to receive and decrypt A's envelope")
	}
}

// TestNetworkManagerClassifiesInboundEnvelopeBySendersActualKind exercises
// the registry's multi-kind dispatch from the one path that matters: a
// live receive on a connection the manager has not yet attributed to any
// kind. A's primary id is ed25519 (VLD0), but this envelope is addressed
// to A's secondary, deterministic-suite id (NONE) — A must classify and
// verify it under NONE, not assume every peer (or every one of its own
// ids) signs under its default kind.
func TestNetworkManagerClassifiesInboundEnvelopeBySendersActualKind(t *testing.T) {
	selfAEd, err := NewEd25519Suite().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair A (ed25519): %v", err)
	}
	selfANone, err := NewNoneSuite().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair A (none): %v", err)
	}
	peerNone, err := NewNoneSuite().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair peer (none): %v", err)
	}

	registryA := NewCryptoRegistry(NewEd25519Suite(), NewNoneSuite())
	rtA := NewRoutingTable(registryA, NodeIDGroup{selfAEd.Public, selfANone.Public}, DefaultRoutingTableConfig())

	received := make(chan NodeID, 1)
	handlerA := func(_ context.Context, op Operation, sender NodeID) (*Operation, error) {
		received <- sender
		return nil, nil
	}

	table, err := NewConnectionTable(map[ProtocolType]int{ProtocolTCP: 8}, nil)
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}
	cfg := DefaultNetworkManagerConfig(
		NodeIDGroup{selfAEd.Public, selfANone.Public},
		map[CryptoKind]TypedKey{CryptoKindVLD0: selfAEd.Secret, CryptoKindNone: selfANone.Secret},
	)
	nmA, err := NewNetworkManager(cfg, registryA, rtA, table, handlerA, nil, nil)
	if err != nil {
		t.Fatalf("NewNetworkManager: %v", err)
	}
	t.Cleanup(func() { _ = nmA.Close() })

	dh, err := NewDHCache(registryA, selfAEd.Public, 16)
	if err != nil {
		t.Fatalf("NewDHCache: %v", err)
	}
	encoded, err := ToEncryptedData(peerNone.Public, selfANone.Public, peerNone.Secret, []byte("hello from the NONE-kind peer"), dh, registryA)
	if err != nil {
		t.Fatalf("ToEncryptedData: %v", err)
	}

	flow := Flow{Remote: PeerAddress{Protocol: ProtocolTCP, Port: 1}, Local: PeerAddress{Protocol: ProtocolTCP, Port: 2}}
	if err := SplitMessage(encoded, DefaultFragmentMTU, func(frame []byte) error {
		nmA.onRecvEnvelope(frame, flow)
		return nil
	}); err != nil {
		t.Fatalf("SplitMessage: %v", err)
	}

	select {
	case sender := <-received:
		if !sender.Equal(peerNone.Public) {
			t.Fatalf("sender: got %v, want %v", sender, peerNone.Public)
		}
		if sender.Kind != CryptoKindNone {
			t.Fatalf("sender kind: got %v, want %v — must classify by the sender's actual kind, not a fixed default", sender.Kind, CryptoKindNone)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for A to receive and verify the NONE-kind envelope")
	}
}

func TestNetworkManagerSendDataFailsForUnknownNode(t *testing.T) {
	suite := NewEd25519Suite()
	selfA, err := suite.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	other, err := suite.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	registry := NewCryptoRegistry(NewEd25519Suite())
	rt := NewRoutingTable(registry, NodeIDGroup{selfA.Public}, DefaultRoutingTableConfig())
	nm := newTestNetworkManager(t, selfA, registry, rt, nil)

	if err := nm.SendData(context.Background(), other.Public, []byte("x")); err == nil {
		t.Fatal("expected an error since the target node has no routing table entry or dial info")
	}
}

func TestNetworkManagerResolveFlowPrefersPublicInternet(t *testing.T) {
	suite := NewEd25519Suite()
	self, err := suite.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	peer, err := suite.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	registry := NewCryptoRegistry(NewEd25519Suite())
	rt := NewRoutingTable(registry, NodeIDGroup{self.Public}, DefaultRoutingTableConfig())
	if _, err := rt.RegisterNode(peerInfoFor(peer.Public, 1234), true); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	nm := newTestNetworkManager(t, self, registry, rt, nil)

	if _, ok := nm.ResolveFlow(peer.Public); ok {
		t.Fatal("expected no flow recorded yet")
	}

	entry, _ := rt.GetEntry(peer.Public)
	want := Flow{Remote: PeerAddress{Protocol: ProtocolTCP, Port: 5}}
	entry.Flows[RoutingDomainPublicInternet] = FlowRecord{Flow: want}
	entry.Flows[RoutingDomainLocalNetwork] = FlowRecord{Flow: Flow{Remote: PeerAddress{Protocol: ProtocolTCP, Port: 6}}}

	got, ok := nm.ResolveFlow(peer.Public)
	if !ok {
		t.Fatal("expected a resolved flow")
	}
	if got.String() != want.String() {
		t.Fatalf("ResolveFlow: got %+v, want the public-internet flow %+v", got, want)
	}
}

func TestNetworkManagerRunTickThenRepeatedCloseSucceeds(t *testing.T) {
	suite := NewEd25519Suite()
	self, err := suite.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	registry := NewCryptoRegistry(NewEd25519Suite())
	rt := NewRoutingTable(registry, NodeIDGroup{self.Public}, DefaultRoutingTableConfig())
	nm := newTestNetworkManager(t, self, registry, rt, nil)

	nm.RunTick(5 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if err := nm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// A second Close must not panic (tickOnce guards the channel close).
	if err := nm.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
