package core

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"
)

// RoutingTableConfig bounds bucket size and the liveness thresholds that
// derive an entry's reliability state from its stats.
type RoutingTableConfig struct {
	BucketLimit int

	// An entry is reliable if it has answered at least once, was last
	// seen within ReliableWindow, and either has lost no questions or has
	// at least ReliableLossRatio answers per lost question; otherwise it
	// is unreliable.
	ReliableLossRatio float64
	ReliableWindow    time.Duration
	// An entry whose losses dominate becomes dead once it has not been
	// heard from within UnreliableWindow; any entry becomes dead after
	// DeadWindow without being heard from, or on an explicit
	// failed-route-test report.
	UnreliableWindow time.Duration
	DeadWindow       time.Duration

	LatencyWindowSize int
}

// DefaultRoutingTableConfig matches the spec's illustrative thresholds.
func DefaultRoutingTableConfig() RoutingTableConfig {
	return RoutingTableConfig{
		BucketLimit:       20,
		ReliableLossRatio: 2.0,
		ReliableWindow:    5 * time.Minute,
		UnreliableWindow:  15 * time.Minute,
		DeadWindow:        time.Hour,
		LatencyWindowSize: 16,
	}
}

// BucketFilter is a composable predicate over (table, entry) used by
// find_preferred_closest_nodes and related queries.
type BucketFilter func(rt *RoutingTable, entry *BucketEntry) bool

type bucketSlot struct {
	entries []*BucketEntry
}

// RoutingTable is an array of buckets per crypto kind, indexed by leading-
// zero count of the distance between this node's id (in that kind) and a
// peer's. A node's own id is never in its own table; every entry is
// shared across the kind-indexed arrays for the same physical peer.
type RoutingTable struct {
	cfg      RoutingTableConfig
	registry *CryptoRegistry
	selfIDs  NodeIDGroup

	mu      sync.RWMutex
	buckets map[CryptoKind][]bucketSlot // index 0..256, by leading-zero count
	entries map[string]*BucketEntry     // canonical group key -> shared entry

	pauseMu sync.Mutex // held for the duration of a paused-tick configuration change
}

// NewRoutingTable builds an empty routing table for selfIDs.
func NewRoutingTable(registry *CryptoRegistry, selfIDs NodeIDGroup, cfg RoutingTableConfig) *RoutingTable {
	rt := &RoutingTable{
		cfg:      cfg,
		registry: registry,
		selfIDs:  selfIDs,
		buckets:  make(map[CryptoKind][]bucketSlot),
		entries:  make(map[string]*BucketEntry),
	}
	for _, kind := range registry.Kinds() {
		rt.buckets[kind] = make([]bucketSlot, 257)
	}
	return rt
}

func groupKey(ids NodeIDGroup) string {
	sorted := append(NodeIDGroup(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	s := ""
	for _, id := range sorted {
		s += id.String() + ";"
	}
	return s
}

func leadingZeroBucketIndex(dist *big.Int, bitLen int) int {
	if dist.Sign() == 0 {
		return bitLen
	}
	return bitLen - dist.BitLen()
}

// selfIDFor returns this node's id of the given kind, if any.
func (rt *RoutingTable) selfIDFor(kind CryptoKind) (NodeID, bool) {
	for _, id := range rt.selfIDs {
		if id.Kind == kind {
			return id, true
		}
	}
	return NodeID{}, false
}

// RegisterNode verifies every signature on every node id in the group,
// then finds or creates a single entry shared across all kinds of the
// peer's id group. Conflicting node info (same id, older signed
// timestamp) is rejected.
func (rt *RoutingTable) RegisterNode(info PeerInfo, allowUnsigned bool) (*BucketEntry, error) {
	if !allowUnsigned {
		if err := rt.verifySignedNodeInfo(info.NodeInfo); err != nil {
			return nil, err
		}
	}
	for _, id := range info.NodeIDs {
		for _, self := range rt.selfIDs {
			if id.Equal(self) {
				return nil, fmt.Errorf("core: routing table: refusing to register own node id")
			}
		}
	}

	key := groupKey(info.NodeIDs)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	entry, exists := rt.entries[key]
	if exists {
		for domain, existing := range entry.NodeInfo {
			if newInfo, ok := pickNodeInfoForDomain(info, domain); ok {
				if !newInfo.Timestamp.After(existing.Timestamp) {
					return nil, &ProtocolError{Reason: "conflicting node info: not newer than known signed info"}
				}
			}
		}
		entry.NodeInfo[RoutingDomainPublicInternet] = info.NodeInfo
		entry.EnvelopeVersions = info.NodeInfo.EnvelopeVersions
		entry.Stats.LastSeen = time.Now()
		return entry, nil
	}

	entry = NewBucketEntry(info.NodeIDs)
	entry.NodeInfo[RoutingDomainPublicInternet] = info.NodeInfo
	entry.EnvelopeVersions = info.NodeInfo.EnvelopeVersions
	entry.Stats.LastSeen = time.Now()
	rt.entries[key] = entry

	for _, id := range info.NodeIDs {
		slots, ok := rt.buckets[id.Kind]
		if !ok {
			continue
		}
		selfID, ok := rt.selfIDFor(id.Kind)
		if !ok {
			continue
		}
		suite, err := rt.registry.Get(id.Kind)
		if err != nil {
			continue
		}
		dist := suite.Distance(selfID, id)
		idx := leadingZeroBucketIndex(dist, 256)
		slot := &slots[idx]
		slot.entries = append(slot.entries, entry)
		if len(slot.entries) > rt.cfg.BucketLimit {
			rt.evictOneLocked(slot)
		}
	}
	return entry, nil
}

func pickNodeInfoForDomain(info PeerInfo, domain RoutingDomain) (SignedNodeInfo, bool) {
	if domain == RoutingDomainPublicInternet {
		return info.NodeInfo, true
	}
	return SignedNodeInfo{}, false
}

// verifySignedNodeInfo checks every per-kind signature in info against
// the corresponding node id's public key.
func (rt *RoutingTable) verifySignedNodeInfo(info SignedNodeInfo) error {
	if len(info.NodeIDs) == 0 {
		return &ProtocolError{Reason: "empty node id group"}
	}
	canonical := canonicalNodeInfoBytes(info)
	for _, id := range info.NodeIDs {
		sig, ok := info.Signatures[id.Kind]
		if !ok {
			return &ProtocolError{Reason: fmt.Sprintf("missing signature for kind %s", id.Kind)}
		}
		suite, err := rt.registry.Get(id.Kind)
		if err != nil {
			return err
		}
		okSig, err := suite.Verify(id, canonical, sig)
		if err != nil {
			return newCryptoError("verify node info", err)
		}
		if !okSig {
			return &ProtocolError{Reason: fmt.Sprintf("bad signature for kind %s", id.Kind)}
		}
	}
	return nil
}

// canonicalNodeInfoBytes produces the bytes signed over a SignedNodeInfo:
// node ids, dial info, capabilities, envelope versions, network class and
// timestamp, concatenated in a fixed field order.
func canonicalNodeInfoBytes(info SignedNodeInfo) []byte {
	var buf []byte
	for _, id := range info.NodeIDs {
		buf = append(buf, id.Kind[:]...)
		buf = append(buf, id.Value[:]...)
	}
	for _, d := range info.DialInfo {
		buf = append(buf, byte(d.Protocol))
		buf = append(buf, d.Address...)
		buf = append(buf, byte(d.Port>>8), byte(d.Port))
		buf = append(buf, []byte(d.Path)...)
	}
	for _, c := range info.Capabilities {
		buf = append(buf, []byte(c)...)
	}
	buf = append(buf, info.EnvelopeVersions[0], info.EnvelopeVersions[1])
	buf = append(buf, byte(info.NetworkClass))
	ts := info.Timestamp.UnixMicro()
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(ts>>(8*i)))
	}
	return buf
}

// scoreLocked ranks an entry for eviction purposes: lower score evicts
// first (dead < unreliable < reliable), ties broken by oldest last-seen.
func scoreLocked(e *BucketEntry) (int, time.Time) {
	switch e.State {
	case EntryStateDead:
		return 0, e.Stats.LastSeen
	case EntryStateUnreliable:
		return 1, e.Stats.LastSeen
	default:
		return 2, e.Stats.LastSeen
	}
}

// evictOneLocked removes the lowest-scoring entry from slot: dead first,
// then unreliable, then least-recently-seen. Caller holds rt.mu.
func (rt *RoutingTable) evictOneLocked(slot *bucketSlot) {
	if len(slot.entries) == 0 {
		return
	}
	worst := 0
	worstScore, worstSeen := scoreLocked(slot.entries[0])
	for i := 1; i < len(slot.entries); i++ {
		s, seen := scoreLocked(slot.entries[i])
		if s < worstScore || (s == worstScore && seen.Before(worstSeen)) {
			worst, worstScore, worstSeen = i, s, seen
		}
	}
	victim := slot.entries[worst]
	slot.entries = append(slot.entries[:worst], slot.entries[worst+1:]...)

	key := groupKey(victim.NodeIDs)
	stillPresent := false
	for _, kindSlots := range rt.buckets {
		for i := range kindSlots {
			for _, e := range kindSlots[i].entries {
				if e == victim {
					stillPresent = true
				}
			}
		}
	}
	if !stillPresent {
		delete(rt.entries, key)
	}
}

// FindPreferredClosestNodes returns up to n entries passing every filter,
// sorted by distance to target in target.Kind, stable-broken by
// reliability state, most-recently-seen, then id.
func (rt *RoutingTable) FindPreferredClosestNodes(n int, target TypedKey, filters []BucketFilter) ([]*BucketEntry, error) {
	suite, err := rt.registry.Get(target.Kind)
	if err != nil {
		return nil, err
	}

	rt.mu.RLock()
	slots, ok := rt.buckets[target.Kind]
	if !ok {
		rt.mu.RUnlock()
		return nil, fmt.Errorf("core: routing table: no buckets for kind %s", target.Kind)
	}
	candidates := make([]*BucketEntry, 0, n*2)
	for i := range slots {
		candidates = append(candidates, slots[i].entries...)
	}
	rt.mu.RUnlock()

	filtered := candidates[:0]
	for _, e := range candidates {
		ok := true
		for _, f := range filters {
			if !f(rt, e) {
				ok = false
				break
			}
		}
		if ok {
			filtered = append(filtered, e)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return closerLess(filtered[i], filtered[j], target, suite)
	})

	if len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered, nil
}

func closerLess(a, b *BucketEntry, target TypedKey, suite CryptoSuite) bool {
	idA, okA := bestIDForKind(a, target.Kind)
	idB, okB := bestIDForKind(b, target.Kind)
	if okA && okB {
		da := suite.Distance(idA, target)
		db := suite.Distance(idB, target)
		if cmp := da.Cmp(db); cmp != 0 {
			return cmp < 0
		}
	}
	if a.State != b.State {
		return stateRank(a.State) < stateRank(b.State)
	}
	if !a.Stats.LastSeen.Equal(b.Stats.LastSeen) {
		return a.Stats.LastSeen.After(b.Stats.LastSeen)
	}
	return groupKey(a.NodeIDs) < groupKey(b.NodeIDs)
}

func stateRank(s EntryState) int {
	switch s {
	case EntryStateReliable:
		return 0
	case EntryStateUnreliable:
		return 1
	default:
		return 2
	}
}

func bestIDForKind(e *BucketEntry, kind CryptoKind) (TypedKey, bool) {
	for _, id := range e.NodeIDs {
		if id.Kind == kind {
			return id, true
		}
	}
	return TypedKey{}, false
}

// FindPreferredPeersCloserToKey is like FindPreferredClosestNodes but
// excludes entries not strictly closer than this node to target.
func (rt *RoutingTable) FindPreferredPeersCloserToKey(n int, target TypedKey, requiredCapabilities []string) ([]PeerInfo, error) {
	suite, err := rt.registry.Get(target.Kind)
	if err != nil {
		return nil, err
	}
	selfID, ok := rt.selfIDFor(target.Kind)
	if !ok {
		return nil, fmt.Errorf("core: routing table: no self id for kind %s", target.Kind)
	}
	selfDist := suite.Distance(selfID, target)

	closerFilter := BucketFilter(func(rt *RoutingTable, e *BucketEntry) bool {
		id, ok := bestIDForKind(e, target.Kind)
		if !ok {
			return false
		}
		return suite.Distance(id, target).Cmp(selfDist) < 0
	})
	capFilter := BucketFilter(func(rt *RoutingTable, e *BucketEntry) bool {
		if len(requiredCapabilities) == 0 {
			return true
		}
		info, ok := e.NodeInfo[RoutingDomainPublicInternet]
		if !ok {
			return false
		}
		have := make(map[string]bool, len(info.Capabilities))
		for _, c := range info.Capabilities {
			have[c] = true
		}
		for _, want := range requiredCapabilities {
			if !have[want] {
				return false
			}
		}
		return true
	})

	entries, err := rt.FindPreferredClosestNodes(n, target, []BucketFilter{closerFilter, capFilter})
	if err != nil {
		return nil, err
	}
	out := make([]PeerInfo, 0, len(entries))
	for _, e := range entries {
		info, ok := e.NodeInfo[RoutingDomainPublicInternet]
		if !ok {
			continue
		}
		out = append(out, PeerInfo{NodeIDs: e.NodeIDs, NodeInfo: info})
	}
	return out, nil
}

// RecordQuestionSent updates send-path stats for entry.
func (rt *RoutingTable) RecordQuestionSent(entry *BucketEntry) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry.Stats.QuestionsSent++
	entry.Stats.LastQuestionTime = time.Now()
}

// RecordAnswer updates receive-path stats for entry on a completed round
// trip, including a latency sample.
func (rt *RoutingTable) RecordAnswer(entry *BucketEntry, latency time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry.Stats.AnswersRecv++
	entry.Stats.LastSeen = time.Now()
	entry.Stats.RecordLatency(latency, rt.cfg.LatencyWindowSize)
}

// RecordQuestionLost marks a question as lost (no answer within timeout).
func (rt *RoutingTable) RecordQuestionLost(entry *BucketEntry) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry.Stats.QuestionsLost++
}

// RecordFailedRouteTest marks an entry dead outright, per an explicit
// failed-route-test report.
func (rt *RoutingTable) RecordFailedRouteTest(entry *BucketEntry) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry.State = EntryStateDead
}

// Tick recomputes every entry's reliability state from its stats and the
// current time; NetworkManager.RunTick drives it periodically. It takes
// the pause guard, so it waits while PauseForConfig is running.
func (rt *RoutingTable) Tick(now time.Time) {
	rt.pauseMu.Lock()
	defer rt.pauseMu.Unlock()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, entry := range rt.entries {
		entry.State = rt.deriveState(entry, now)
	}
}

func (rt *RoutingTable) deriveState(e *BucketEntry, now time.Time) EntryState {
	if e.State == EntryStateDead {
		return EntryStateDead // explicit failed-route-test is sticky until re-registration
	}
	lastSeen := e.Stats.LastSeen
	if lastSeen.IsZero() {
		lastSeen = e.Created
	}
	age := now.Sub(lastSeen)
	if age > rt.cfg.DeadWindow {
		return EntryStateDead
	}
	losses := float64(e.Stats.QuestionsLost)
	answers := float64(e.Stats.AnswersRecv)
	if losses > 0 && answers < losses*rt.cfg.ReliableLossRatio {
		if age > rt.cfg.UnreliableWindow {
			return EntryStateDead
		}
		return EntryStateUnreliable
	}
	if answers == 0 {
		return EntryStateUnreliable
	}
	if age > rt.cfg.ReliableWindow {
		return EntryStateUnreliable
	}
	return EntryStateReliable
}

// PauseForConfig acquires the pause guard for the duration of fn,
// serializing it against Tick; fn must not call Tick itself.
func (rt *RoutingTable) PauseForConfig(fn func()) {
	rt.pauseMu.Lock()
	defer rt.pauseMu.Unlock()
	fn()
}

// GetEntry returns the shared bucket entry for any node id in id's group,
// if known. Used by the network manager to resolve dial info when no
// live flow exists for the destination.
func (rt *RoutingTable) GetEntry(id NodeID) (*BucketEntry, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, entry := range rt.entries {
		for _, known := range entry.NodeIDs {
			if known.Equal(id) {
				return entry, true
			}
		}
	}
	return nil, false
}

// Len returns the total number of distinct entries in the table.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.entries)
}

// BucketOccupancy reports, per crypto kind, the number of bucket slots
// holding at least one entry, for the /metrics surface.
func (rt *RoutingTable) BucketOccupancy() map[CryptoKind]int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make(map[CryptoKind]int, len(rt.buckets))
	for kind, slots := range rt.buckets {
		occupied := 0
		for _, slot := range slots {
			if len(slot.entries) > 0 {
				occupied++
			}
		}
		out[kind] = occupied
	}
	return out
}
