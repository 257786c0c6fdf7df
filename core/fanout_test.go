package core

import (
	"context"
	"testing"
	"time"
)

func newTestRoutingTableWithPeers(t *testing.T, n int) (*RoutingTable, []KeyPair) {
	t.Helper()
	self := newNoneKeyPair(t)
	registry := NewCryptoRegistry(NewNoneSuite())
	rt := NewRoutingTable(registry, NodeIDGroup{self.Public}, DefaultRoutingTableConfig())

	peers := make([]KeyPair, 0, n)
	for i := 0; i < n; i++ {
		peer := newNoneKeyPair(t)
		if _, err := rt.RegisterNode(peerInfoFor(peer.Public, uint16(2000+i)), true); err != nil {
			t.Fatalf("RegisterNode %d: %v", i, err)
		}
		peers = append(peers, peer)
	}
	return rt, peers
}

func TestRunFanoutFindsTargetImmediately(t *testing.T) {
	rt, peers := newTestRoutingTableWithPeers(t, 6)
	target := peers[0].Public

	cfg := FanoutConfig{
		NodeCount: 6,
		Fanout:    2,
		Timeout:   time.Second,
		CallRoutine: func(_ context.Context, entry *BucketEntry) FanoutCallResult {
			return FanoutCallResult{}
		},
		CheckDone: func(closest []*BucketEntry) (any, bool) {
			for _, e := range closest {
				if e.NodeIDs[0].Equal(target) {
					return "found", true
				}
			}
			return nil, false
		},
	}

	result, err := RunFanout(context.Background(), rt, target, cfg)
	if err != nil {
		t.Fatalf("RunFanout: %v", err)
	}
	if result != "found" {
		t.Fatalf("RunFanout result: got %v, want %q", result, "found")
	}
}

func TestRunFanoutTimesOutWithoutCheckDoneSuccess(t *testing.T) {
	rt, peers := newTestRoutingTableWithPeers(t, 4)
	target := peers[0].Public

	cfg := FanoutConfig{
		NodeCount: 4,
		Fanout:    2,
		Timeout:   30 * time.Millisecond,
		CallRoutine: func(_ context.Context, entry *BucketEntry) FanoutCallResult {
			time.Sleep(time.Millisecond)
			return FanoutCallResult{}
		},
		CheckDone: func(closest []*BucketEntry) (any, bool) { return nil, false },
	}

	result, err := RunFanout(context.Background(), rt, target, cfg)
	if err != nil {
		t.Fatalf("RunFanout: %v", err)
	}
	if result != nil {
		t.Fatalf("expected a nil result on timeout with no CheckDone success, got %v", result)
	}
}

// TestRunFanoutCheckDoneSeesUnprobedDiscoveredPeer mirrors the seeded-peer
// E2E scenario where the target is surfaced in a probed node's returned
// peer list: CheckDone must fire against that probe's updated working set
// immediately, without the target itself ever being dequeued and probed.
func TestRunFanoutCheckDoneSeesUnprobedDiscoveredPeer(t *testing.T) {
	rt, _ := newTestRoutingTableWithPeers(t, 10)
	target := newNoneKeyPair(t) // never seeded directly into the routing table

	var targetProbed bool
	cfg := FanoutConfig{
		NodeCount: 10,
		Fanout:    1, // serialize probes so CheckDone runs right after the discovering probe, before any other dequeue
		Timeout:   time.Second,
		CallRoutine: func(_ context.Context, entry *BucketEntry) FanoutCallResult {
			if entry.NodeIDs[0].Equal(target.Public) {
				targetProbed = true
				return FanoutCallResult{}
			}
			return FanoutCallResult{Peers: []PeerInfo{peerInfoFor(target.Public, 4000)}}
		},
		CheckDone: func(closest []*BucketEntry) (any, bool) {
			for _, e := range closest {
				if e.NodeIDs[0].Equal(target.Public) {
					return "found", true
				}
			}
			return nil, false
		},
	}

	result, err := RunFanout(context.Background(), rt, target.Public, cfg)
	if err != nil {
		t.Fatalf("RunFanout: %v", err)
	}
	if result != "found" {
		t.Fatalf("RunFanout result: got %v, want %q", result, "found")
	}
	if targetProbed {
		t.Fatal("expected CheckDone to fire as soon as the target appeared in the working set, before the target itself was ever probed")
	}
}

func TestRunFanoutDiscoversNewPeersFromResults(t *testing.T) {
	rt, peers := newTestRoutingTableWithPeers(t, 2)
	extra := newNoneKeyPair(t)
	target := peers[0].Public

	var probedExtra bool
	cfg := FanoutConfig{
		NodeCount: 2,
		Fanout:    1,
		Timeout:   150 * time.Millisecond,
		CallRoutine: func(_ context.Context, entry *BucketEntry) FanoutCallResult {
			if entry.NodeIDs[0].Equal(extra.Public) {
				probedExtra = true
				return FanoutCallResult{}
			}
			return FanoutCallResult{Peers: []PeerInfo{peerInfoFor(extra.Public, 3000)}}
		},
		CheckDone: func(closest []*BucketEntry) (any, bool) { return nil, false },
	}

	_, err := RunFanout(context.Background(), rt, target, cfg)
	if err != nil {
		t.Fatalf("RunFanout: %v", err)
	}
	if !probedExtra {
		t.Fatal("expected the newly-discovered peer to be registered and probed within the timeout")
	}
}
