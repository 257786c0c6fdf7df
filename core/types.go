package core

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"time"
)

// CryptoKindLength is the byte width of a crypto kind tag.
const CryptoKindLength = 4

// TypedKeyValueLength is the byte width of a typed key's value.
const TypedKeyValueLength = 32

// CryptoKind tags the cryptosystem a typed key belongs to.
type CryptoKind [CryptoKindLength]byte

func (k CryptoKind) String() string { return string(bytes.TrimRight(k[:], "\x00")) }

var (
	// CryptoKindVLD0 selects ed25519.
	CryptoKindVLD0 = CryptoKind{'V', 'L', 'D', '0'}
	// CryptoKindVLD1 selects BLS12-381.
	CryptoKindVLD1 = CryptoKind{'V', 'L', 'D', '1'}
	// CryptoKindVLD2 selects the post-quantum Dilithium suite.
	CryptoKindVLD2 = CryptoKind{'V', 'L', 'D', '2'}
	// CryptoKindNone is the deterministic test variant.
	CryptoKindNone = CryptoKind{'N', 'O', 'N', 'E'}
)

// TypedKey is a 4-byte cryptosystem tag plus a 32-byte value. All public
// keys, secret keys, node ids, hashes, shared secrets, route ids and DHT
// keys are typed keys of one kind or another.
type TypedKey struct {
	Kind  CryptoKind
	Value [TypedKeyValueLength]byte
}

// Equal reports whether two typed keys have matching kind and value.
func (k TypedKey) Equal(o TypedKey) bool {
	return k.Kind == o.Kind && k.Value == o.Value
}

// Less orders typed keys lexicographically by (kind, value).
func (k TypedKey) Less(o TypedKey) bool {
	if k.Kind != o.Kind {
		return bytes.Compare(k.Kind[:], o.Kind[:]) < 0
	}
	return bytes.Compare(k.Value[:], o.Value[:]) < 0
}

func (k TypedKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind.String(), base64.RawURLEncoding.EncodeToString(k.Value[:]))
}

// NewTypedKey builds a typed key from a kind and a 32-byte value slice.
func NewTypedKey(kind CryptoKind, value []byte) (TypedKey, error) {
	var tk TypedKey
	if len(value) != TypedKeyValueLength {
		return tk, fmt.Errorf("core: typed key value must be %d bytes, got %d", TypedKeyValueLength, len(value))
	}
	tk.Kind = kind
	copy(tk.Value[:], value)
	return tk, nil
}

// ParseTypedKey parses the "KIND:base64" form produced by TypedKey.String.
func ParseTypedKey(s string) (TypedKey, error) {
	var tk TypedKey
	parts := bytes.SplitN([]byte(s), []byte(":"), 2)
	if len(parts) != 2 {
		return tk, fmt.Errorf("core: malformed typed key %q", s)
	}
	if len(parts[0]) > CryptoKindLength {
		return tk, fmt.Errorf("core: typed key kind %q too long", parts[0])
	}
	copy(tk.Kind[:], parts[0])
	value, err := base64.RawURLEncoding.DecodeString(string(parts[1]))
	if err != nil {
		return tk, fmt.Errorf("core: malformed typed key value: %w", err)
	}
	return NewTypedKey(tk.Kind, value)
}

// NodeID is a typed key whose kind selects the cryptosystem used to sign
// envelopes addressed to or from that node.
type NodeID = TypedKey

// NodeIDGroup is the set of a node's ids, one per supported crypto kind,
// ordered by kind preference (index 0 is the most preferred).
type NodeIDGroup []NodeID

// Contains reports whether the group has an id equal to the argument.
func (g NodeIDGroup) Contains(id NodeID) bool {
	for _, existing := range g {
		if existing.Equal(id) {
			return true
		}
	}
	return false
}

// Best returns the most-preferred id, or the zero value and false if empty.
func (g NodeIDGroup) Best() (NodeID, bool) {
	if len(g) == 0 {
		return NodeID{}, false
	}
	return g[0], true
}

// ProtocolType tags the wire protocol a peer address uses.
type ProtocolType uint8

const (
	ProtocolUDP ProtocolType = iota
	ProtocolTCP
	ProtocolWS
	ProtocolWSS
)

func (p ProtocolType) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolWS:
		return "ws"
	case ProtocolWSS:
		return "wss"
	default:
		return "unknown"
	}
}

// IsStream reports whether the protocol is connection-oriented.
func (p ProtocolType) IsStream() bool { return p != ProtocolUDP }

// PeerAddress pairs a socket address with a protocol tag.
type PeerAddress struct {
	Addr     net.IP
	Port     uint16
	Protocol ProtocolType
}

func (a PeerAddress) String() string {
	return fmt.Sprintf("%s://%s", a.Protocol, net.JoinHostPort(a.Addr.String(), fmt.Sprint(a.Port)))
}

// Flow pairs a remote peer address with a local socket address. It is the
// connection-table key for stream protocols and the addressing tuple for
// datagram protocols.
type Flow struct {
	Remote PeerAddress
	Local  PeerAddress
}

func (f Flow) String() string { return fmt.Sprintf("%s<-%s", f.Remote, f.Local) }

// NetworkClass classes a dial info by NAT-friendliness.
type NetworkClass uint8

const (
	NetworkClassDirect NetworkClass = iota
	NetworkClassPortRestrictedNAT
	NetworkClassAddressRestrictedNAT
	NetworkClassSymmetricNAT
	NetworkClassOutboundOnly
	NetworkClassUnknown
)

// DialInfo is enough information to initiate contact with a peer.
type DialInfo struct {
	Protocol ProtocolType
	Address  net.IP
	Port     uint16
	Path     string // WS/WSS only
	Class    NetworkClass
}

func (d DialInfo) String() string {
	hostport := net.JoinHostPort(d.Address.String(), fmt.Sprint(d.Port))
	if d.Protocol == ProtocolWS || d.Protocol == ProtocolWSS {
		return fmt.Sprintf("%s://%s%s", d.Protocol, hostport, d.Path)
	}
	return fmt.Sprintf("%s://%s", d.Protocol, hostport)
}

// RoutingDomain scopes reachability: a peer's reachability differs between
// the public internet and a local network.
type RoutingDomain uint8

const (
	RoutingDomainPublicInternet RoutingDomain = iota
	RoutingDomainLocalNetwork
)

// SignedNodeInfo is a node's signed advertisement of dial info,
// capabilities, envelope versions and network class. It is the unit of
// peer exchange; a receiver revalidates every signature against the
// advertised node ids before trusting it.
type SignedNodeInfo struct {
	NodeIDs          NodeIDGroup
	DialInfo         []DialInfo
	Capabilities     []string
	EnvelopeVersions [2]uint8 // [min, max]
	NetworkClass     NetworkClass
	RelayNodeID      *NodeID
	Timestamp        time.Time
	Signatures       map[CryptoKind][]byte // one signature per node id kind, over the canonical encoding
}

// PeerInfo is a node id group plus a signed node info.
type PeerInfo struct {
	NodeIDs  NodeIDGroup
	NodeInfo SignedNodeInfo
}

// PeerStats tracks RPC counters, latency and transfer rolling windows used
// to derive a bucket entry's reliability state.
type PeerStats struct {
	QuestionsSent    uint64
	QuestionsLost    uint64
	AnswersRecv      uint64
	LastQuestionTime time.Time
	LastSeen         time.Time
	LatencySamples   []time.Duration
	BytesSent        uint64
	BytesRecv        uint64
}

// RecordLatency appends a latency sample, bounding the rolling window.
func (s *PeerStats) RecordLatency(d time.Duration, window int) {
	s.LatencySamples = append(s.LatencySamples, d)
	if len(s.LatencySamples) > window {
		s.LatencySamples = s.LatencySamples[len(s.LatencySamples)-window:]
	}
}

// EntryState is the derived reliability state of a bucket entry.
type EntryState uint8

const (
	EntryStateReliable EntryState = iota
	EntryStateUnreliable
	EntryStateDead
)

func (s EntryState) String() string {
	switch s {
	case EntryStateReliable:
		return "reliable"
	case EntryStateUnreliable:
		return "unreliable"
	case EntryStateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// FlowRecord remembers one flow a peer was last seen on, per routing domain.
type FlowRecord struct {
	Flow Flow
	Seen time.Time
}

// BucketEntry is one known peer: its node id group, most recent signed
// node info per routing domain, flow history, envelope-version set, peer
// stats and derived reliability state.
type BucketEntry struct {
	NodeIDs          NodeIDGroup
	NodeInfo         map[RoutingDomain]SignedNodeInfo
	Flows            map[RoutingDomain]FlowRecord
	EnvelopeVersions [2]uint8
	Stats            PeerStats
	State            EntryState
	Created          time.Time
	RelayForUs       bool
	RelayExpiry      time.Time
}

// NewBucketEntry creates an entry in the unreliable-by-default state: a
// freshly observed peer has no answer/loss history yet to derive
// reliability from, so it starts unreliable and is promoted to reliable
// only after stats (e.g. a completed round trip) say so.
func NewBucketEntry(ids NodeIDGroup) *BucketEntry {
	now := time.Now()
	return &BucketEntry{
		NodeIDs:  ids,
		NodeInfo: make(map[RoutingDomain]SignedNodeInfo),
		Flows:    make(map[RoutingDomain]FlowRecord),
		State:    EntryStateUnreliable,
		Created:  now,
	}
}
