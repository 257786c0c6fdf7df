package core

import (
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"
)

// ConnectionID identifies one live connection-table entry.
type ConnectionID uuid.UUID

func newConnectionID() ConnectionID { return ConnectionID(uuid.New()) }

func (id ConnectionID) String() string { return uuid.UUID(id).String() }

// ParseConnectionID parses a connection id's string form, for CLI use.
func ParseConnectionID(s string) (ConnectionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ConnectionID{}, err
	}
	return ConnectionID(u), nil
}

// Connection is one connection-table entry: it owns a send half (the
// underlying net.Conn) and is paired with a receive-loop task spawned by
// the connection manager. Dropping the entry closes both.
type Connection struct {
	ID          ConnectionID
	Flow        Flow
	Protocol    ProtocolType
	Conn        net.Conn
	Established time.Time

	closeOnce sync.Once
	stop      chan struct{}

	kindMu     sync.Mutex
	remoteKind CryptoKind // zero value until the peer's crypto kind is known
}

// NewConnection wraps a live net.Conn as a connection-table entry.
func NewConnection(flow Flow, protocol ProtocolType, conn net.Conn) *Connection {
	return &Connection{
		ID:          newConnectionID(),
		Flow:        flow,
		Protocol:    protocol,
		Conn:        conn,
		Established: time.Now(),
		stop:        make(chan struct{}),
	}
}

// Close closes the underlying socket and signals the receive loop to
// stop; idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.Conn.Close()
	})
	return err
}

// Stopped is closed when the connection has been told to shut down.
func (c *Connection) Stopped() <-chan struct{} { return c.stop }

// RemoteKind returns the crypto kind this connection's peer is known to
// use, and false if no envelope has been attributed to it yet. Set once
// an outbound dial targets a specific node id, or once an inbound
// connection's first envelope verifies under some registered kind.
func (c *Connection) RemoteKind() (CryptoKind, bool) {
	c.kindMu.Lock()
	defer c.kindMu.Unlock()
	return c.remoteKind, c.remoteKind != (CryptoKind{})
}

// SetRemoteKind records the crypto kind this connection's peer uses.
func (c *Connection) SetRemoteKind(kind CryptoKind) {
	c.kindMu.Lock()
	defer c.kindMu.Unlock()
	c.remoteKind = kind
}

// ErrAlreadyExists is returned by ConnectionTable.Add when the
// descriptor (flow) is already present — the descriptor→id map is
// injective.
var ErrAlreadyExists = fmt.Errorf("core: connection table: descriptor already exists")

type protocolTable struct {
	cache *lru.Cache[ConnectionID, *Connection]
	// lastEvicted is set by the eviction callback just before Add
	// returns, giving add() a synchronous handle on what was pushed out.
	lastEvicted *Connection
}

// ConnectionTable is three LRU caches, one per stream protocol, plus a
// descriptor→id index and a peer-address→ids index, gated by an address
// filter on admission.
type ConnectionTable struct {
	mu       sync.Mutex
	tables   map[ProtocolType]*protocolTable
	byFlow   map[string]ConnectionID // keyed by Flow.String(): Flow embeds net.IP, which is a slice and not a valid map key
	byRemote map[string][]ConnectionID
	filter   *AddressFilter
}

// NewConnectionTable builds a connection table with the given per-protocol
// capacities (TCP, WS, WSS) and address filter.
func NewConnectionTable(capacities map[ProtocolType]int, filter *AddressFilter) (*ConnectionTable, error) {
	t := &ConnectionTable{
		tables:   make(map[ProtocolType]*protocolTable),
		byFlow:   make(map[string]ConnectionID),
		byRemote: make(map[string][]ConnectionID),
		filter:   filter,
	}
	for _, proto := range []ProtocolType{ProtocolTCP, ProtocolWS, ProtocolWSS} {
		size := capacities[proto]
		if size <= 0 {
			size = 256
		}
		pt := &protocolTable{}
		cache, err := lru.NewWithEvict[ConnectionID, *Connection](size, func(_ ConnectionID, c *Connection) {
			pt.lastEvicted = c
		})
		if err != nil {
			return nil, err
		}
		pt.cache = cache
		t.tables[proto] = pt
	}
	return t, nil
}

func (t *ConnectionTable) tableFor(proto ProtocolType) (*protocolTable, error) {
	pt, ok := t.tables[proto]
	if !ok {
		return nil, fmt.Errorf("core: connection table: protocol %s is not connection-oriented", proto)
	}
	return pt, nil
}

// Add inserts conn into the table for its protocol. It returns the
// evicted connection (if the insert pushed the table past capacity) or
// nil, or an error if the descriptor already exists or the address
// filter rejects the remote IP.
func (t *ConnectionTable) Add(conn *Connection) (evicted *Connection, err error) {
	pt, err := t.tableFor(conn.Protocol)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byFlow[conn.Flow.String()]; exists {
		return nil, ErrAlreadyExists
	}

	if t.filter != nil {
		if err := t.filter.Add(conn.Flow.Remote.Addr); err != nil {
			return nil, err
		}
	}

	pt.lastEvicted = nil
	pt.cache.Add(conn.ID, conn)
	evicted = pt.lastEvicted
	pt.lastEvicted = nil

	t.byFlow[conn.Flow.String()] = conn.ID
	remoteKey := conn.Flow.Remote.String()
	t.byRemote[remoteKey] = append(t.byRemote[remoteKey], conn.ID)

	if evicted != nil {
		t.removeIndexesLocked(evicted)
		if t.filter != nil {
			_ = t.filter.Remove(evicted.Flow.Remote.Addr)
		}
	}
	return evicted, nil
}

// removeIndexesLocked removes conn from byFlow/byRemote; caller holds mu.
func (t *ConnectionTable) removeIndexesLocked(conn *Connection) {
	delete(t.byFlow, conn.Flow.String())
	remoteKey := conn.Flow.Remote.String()
	ids := t.byRemote[remoteKey]
	for i, id := range ids {
		if id == conn.ID {
			t.byRemote[remoteKey] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.byRemote[remoteKey]) == 0 {
		delete(t.byRemote, remoteKey)
	}
}

// GetByDescriptor looks up a live connection by its flow (descriptor),
// touching its LRU position.
func (t *ConnectionTable) GetByDescriptor(flow Flow) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byFlow[flow.String()]
	if !ok {
		return nil, false
	}
	for _, pt := range t.tables {
		if c, ok := pt.cache.Get(id); ok {
			return c, true
		}
	}
	return nil, false
}

// GetLastByRemote returns the most recently established connection to a given
// remote peer address, for send-path lookups.
func (t *ConnectionTable) GetLastByRemote(remote PeerAddress) (*Connection, bool) {
	t.mu.Lock()
	ids := append([]ConnectionID(nil), t.byRemote[remote.String()]...)
	t.mu.Unlock()

	var best *Connection
	for _, id := range ids {
		for _, pt := range t.tables {
			if c, ok := pt.cache.Get(id); ok {
				if best == nil || c.Established.After(best.Established) {
					best = c
				}
			}
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// Remove removes a connection by id and returns it; it does not close it.
func (t *ConnectionTable) Remove(id ConnectionID) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pt := range t.tables {
		if c, ok := pt.cache.Peek(id); ok {
			pt.cache.Remove(id)
			t.removeIndexesLocked(c)
			if t.filter != nil {
				_ = t.filter.Remove(c.Flow.Remote.Addr)
			}
			return c, true
		}
	}
	return nil, false
}

// DrainMatching removes and returns every connection matching predicate,
// for bulk close (e.g. on network-class change).
func (t *ConnectionTable) DrainMatching(predicate func(*Connection) bool) []*Connection {
	t.mu.Lock()
	var matched []*Connection
	for _, pt := range t.tables {
		for _, id := range pt.cache.Keys() {
			c, ok := pt.cache.Peek(id)
			if !ok || !predicate(c) {
				continue
			}
			pt.cache.Remove(id)
			t.removeIndexesLocked(c)
			if t.filter != nil {
				_ = t.filter.Remove(c.Flow.Remote.Addr)
			}
			matched = append(matched, c)
		}
	}
	t.mu.Unlock()
	return matched
}

// Len returns the total number of live connections across all protocols.
func (t *ConnectionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, pt := range t.tables {
		n += pt.cache.Len()
	}
	return n
}

// LenProtocol returns the number of live connections for one protocol.
func (t *ConnectionTable) LenProtocol(proto ProtocolType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.tables[proto]
	if !ok {
		return 0
	}
	return pt.cache.Len()
}
