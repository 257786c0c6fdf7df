package core

import (
	"testing"
	"time"
)

func newNoneKeyPair(t *testing.T) KeyPair {
	t.Helper()
	kp, err := NewNoneSuite().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

func peerInfoFor(id NodeID, port uint16) PeerInfo {
	return PeerInfo{
		NodeIDs: NodeIDGroup{id},
		NodeInfo: SignedNodeInfo{
			NodeIDs:          NodeIDGroup{id},
			DialInfo:         []DialInfo{{Protocol: ProtocolUDP, Port: port}},
			EnvelopeVersions: [2]uint8{0, 0},
			Timestamp:        time.Now(),
		},
	}
}

func TestRoutingTableRegisterAndLen(t *testing.T) {
	self := newNoneKeyPair(t)
	registry := NewCryptoRegistry(NewNoneSuite())
	rt := NewRoutingTable(registry, NodeIDGroup{self.Public}, DefaultRoutingTableConfig())

	peer := newNoneKeyPair(t)
	if _, err := rt.RegisterNode(peerInfoFor(peer.Public, 1000), true); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if rt.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", rt.Len())
	}

	entry, ok := rt.GetEntry(peer.Public)
	if !ok || !entry.NodeIDs[0].Equal(peer.Public) {
		t.Fatalf("GetEntry: got %+v, ok=%v", entry, ok)
	}
}

func TestRoutingTableRefusesOwnID(t *testing.T) {
	self := newNoneKeyPair(t)
	registry := NewCryptoRegistry(NewNoneSuite())
	rt := NewRoutingTable(registry, NodeIDGroup{self.Public}, DefaultRoutingTableConfig())

	if _, err := rt.RegisterNode(peerInfoFor(self.Public, 1000), true); err == nil {
		t.Fatal("expected error registering this node's own id")
	}
}

func TestRoutingTableFindPreferredClosestNodes(t *testing.T) {
	self := newNoneKeyPair(t)
	registry := NewCryptoRegistry(NewNoneSuite())
	rt := NewRoutingTable(registry, NodeIDGroup{self.Public}, DefaultRoutingTableConfig())

	var peers []KeyPair
	for i := 0; i < 10; i++ {
		peer := newNoneKeyPair(t)
		if _, err := rt.RegisterNode(peerInfoFor(peer.Public, uint16(1000+i)), true); err != nil {
			t.Fatalf("RegisterNode %d: %v", i, err)
		}
		peers = append(peers, peer)
	}

	target := peers[0].Public
	found, err := rt.FindPreferredClosestNodes(3, target, nil)
	if err != nil {
		t.Fatalf("FindPreferredClosestNodes: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("found: got %d entries, want 3", len(found))
	}
	if !found[0].NodeIDs[0].Equal(target) {
		t.Fatalf("closest entry should be the target itself (distance 0), got %v", found[0].NodeIDs[0])
	}
}

func TestRoutingTableBucketOccupancy(t *testing.T) {
	self := newNoneKeyPair(t)
	registry := NewCryptoRegistry(NewNoneSuite())
	rt := NewRoutingTable(registry, NodeIDGroup{self.Public}, DefaultRoutingTableConfig())

	occ := rt.BucketOccupancy()
	if occ[CryptoKindNone] != 0 {
		t.Fatalf("empty table occupancy: got %d, want 0", occ[CryptoKindNone])
	}

	peer := newNoneKeyPair(t)
	if _, err := rt.RegisterNode(peerInfoFor(peer.Public, 1000), true); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	occ = rt.BucketOccupancy()
	if occ[CryptoKindNone] != 1 {
		t.Fatalf("occupancy after one register: got %d, want 1", occ[CryptoKindNone])
	}
}

func TestRoutingTableRejectsStaleNodeInfo(t *testing.T) {
	self := newNoneKeyPair(t)
	registry := NewCryptoRegistry(NewNoneSuite())
	rt := NewRoutingTable(registry, NodeIDGroup{self.Public}, DefaultRoutingTableConfig())

	peer := newNoneKeyPair(t)
	fresh := peerInfoFor(peer.Public, 1000)
	if _, err := rt.RegisterNode(fresh, true); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}

	stale := peerInfoFor(peer.Public, 1001)
	stale.NodeInfo.Timestamp = fresh.NodeInfo.Timestamp.Add(-time.Hour)
	if _, err := rt.RegisterNode(stale, true); err == nil {
		t.Fatal("expected error registering node info older than what's already known")
	}
}
