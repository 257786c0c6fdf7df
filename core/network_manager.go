package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NetworkManagerConfig parameterizes the top-level glue object.
type NetworkManagerConfig struct {
	SelfIDs         NodeIDGroup
	SelfSecrets     map[CryptoKind]TypedKey // secret matching each self id's kind
	DialTimeout     time.Duration
	KeepAlive       time.Duration
	ReplayMaxBehind time.Duration
	ReplayMaxAhead  time.Duration
	AssemblyMTU     int
}

// DefaultNetworkManagerConfig mirrors the envelope replay window and
// fragment MTU defaults used elsewhere in the stack.
func DefaultNetworkManagerConfig(selfIDs NodeIDGroup, selfSecrets map[CryptoKind]TypedKey) NetworkManagerConfig {
	return NetworkManagerConfig{
		SelfIDs:         selfIDs,
		SelfSecrets:     selfSecrets,
		DialTimeout:     10 * time.Second,
		KeepAlive:       30 * time.Second,
		ReplayMaxBehind: 5 * time.Minute,
		ReplayMaxAhead:  10 * time.Second,
		AssemblyMTU:     DefaultFragmentMTU,
	}
}

// NetworkManager is the top-level object: it owns the connection
// manager, the routing table, and the crypto suite, and is referenced by
// RPC dispatch and by the private route engine. Per the dependency
// order that breaks the construction cycle between these three, the
// routing table and dispatcher hold no back-reference to the manager;
// the manager holds both of them directly.
type NetworkManager struct {
	cfg      NetworkManagerConfig
	registry *CryptoRegistry
	rt       *RoutingTable
	dh       *DHCache
	table    *ConnectionTable
	connMgr  *ConnectionManager
	assembly *AssemblyBuffer
	dispatch *Dispatcher
	tcp      *TCPHandler
	ws       *WSHandler

	log *logrus.Logger

	tickStop chan struct{}
	tickOnce sync.Once
}

// NewNetworkManager wires a manager over an existing routing table and
// connection table, installing its onRecvEnvelope as the connection
// manager's envelope handler; the dispatcher it builds holds no
// reference back to the manager.
func NewNetworkManager(cfg NetworkManagerConfig, registry *CryptoRegistry, rt *RoutingTable, table *ConnectionTable, handler Handler, penalize func(NodeID), log *logrus.Logger) (*NetworkManager, error) {
	if log == nil {
		log = logrus.New()
	}
	if len(cfg.SelfIDs) == 0 {
		return nil, fmt.Errorf("core: network manager: no self ids configured")
	}
	dh, err := NewDHCache(registry, cfg.SelfIDs[0], 1024)
	if err != nil {
		return nil, err
	}

	nm := &NetworkManager{
		cfg:      cfg,
		registry: registry,
		rt:       rt,
		dh:       dh,
		table:    table,
		assembly: NewAssemblyBuffer(DefaultAssemblyBufferConfig()),
		tcp:      NewTCPHandler(cfg.DialTimeout, cfg.KeepAlive),
		ws:       NewWSHandler(false, cfg.DialTimeout, nil),
		log:      log.WithField("component", "network_manager").Logger,
		tickStop: make(chan struct{}),
	}
	nm.dispatch = NewDispatcher(rt, handler, penalize)
	nm.connMgr = NewConnectionManager(table, nm.onRecvEnvelope, log)
	return nm, nil
}

// Dispatcher exposes the RPC dispatcher for callers building operations.
func (nm *NetworkManager) Dispatcher() *Dispatcher { return nm.dispatch }

// RoutingTable exposes the routing table for callers running fanouts.
func (nm *NetworkManager) RoutingTable() *RoutingTable { return nm.rt }

// ConnectionTable exposes the live connection table, for metrics and CLI
// inspection.
func (nm *NetworkManager) ConnectionTable() *ConnectionTable { return nm.table }

// Accept admits an inbound connection accepted by a protocol listener
// into the connection table and starts its receive loop. Callers (the
// daemon's TCP/WS accept loops) wrap a raw net.Conn as a *Connection
// before calling this.
func (nm *NetworkManager) Accept(conn *Connection) error {
	return nm.connMgr.OnAccepted(conn)
}

// TCPHandler exposes the manager's TCP protocol handler, for a daemon's
// listen loop to frame-read accepted connections consistently with
// outbound dials.
func (nm *NetworkManager) TCPHandler() *TCPHandler { return nm.tcp }

// WSHandler exposes the manager's WS/WSS protocol handler, for a
// daemon's HTTP upgrade handler.
func (nm *NetworkManager) WSHandler() *WSHandler { return nm.ws }

// selfSecretFor returns this node's secret key for kind, used to decrypt
// an envelope body addressed to the matching self id.
func (nm *NetworkManager) selfSecretFor(kind CryptoKind) (TypedKey, bool) {
	sk, ok := nm.cfg.SelfSecrets[kind]
	return sk, ok
}

// selfIDFor returns this node's own id of the given kind.
func (nm *NetworkManager) selfIDFor(kind CryptoKind) (NodeID, bool) {
	for _, id := range nm.cfg.SelfIDs {
		if id.Kind == kind {
			return id, true
		}
	}
	return NodeID{}, false
}

// ResolveFlow implements the Sender interface the dispatcher depends on:
// it looks up the most recent flow recorded for node, preferring the
// public-internet routing domain.
func (nm *NetworkManager) ResolveFlow(node NodeID) (Flow, bool) {
	entry, ok := nm.rt.GetEntry(node)
	if !ok {
		return Flow{}, false
	}
	if rec, ok := entry.Flows[RoutingDomainPublicInternet]; ok {
		return rec.Flow, true
	}
	if rec, ok := entry.Flows[RoutingDomainLocalNetwork]; ok {
		return rec.Flow, true
	}
	return Flow{}, false
}

// SendToFlow implements Sender: it writes body, as given, as one frame on
// the connection already associated with flow, and returns an error if
// there is no such connection.
func (nm *NetworkManager) SendToFlow(flow Flow, body []byte) error {
	conn, ok := nm.table.GetByDescriptor(flow)
	if !ok {
		return fmt.Errorf("core: network manager: no connection for flow %s", flow)
	}
	return nm.writeFrame(conn, body)
}

// SendRouteStatement implements Sender: it writes blob (already encoded
// as a route statement by the private/safety route engine) to whatever
// connection is on file for nextHop, dialing one if needed.
func (nm *NetworkManager) SendRouteStatement(nextHop NodeID, blob []byte) error {
	conn, err := nm.connectionFor(nextHop)
	if err != nil {
		return err
	}
	return nm.writeFrame(conn, blob)
}

// connectionFor reuses a recorded flow to node, or dials a new one using
// the best dial info its routing-table entry advertises.
func (nm *NetworkManager) connectionFor(node NodeID) (*Connection, error) {
	if flow, ok := nm.ResolveFlow(node); ok {
		if conn, ok := nm.table.GetByDescriptor(flow); ok {
			return conn, nil
		}
	}
	entry, ok := nm.rt.GetEntry(node)
	if !ok {
		return nil, fmt.Errorf("core: network manager: node %s unknown to routing table", node)
	}
	info, ok := entry.NodeInfo[RoutingDomainPublicInternet]
	if !ok || len(info.DialInfo) == 0 {
		return nil, fmt.Errorf("core: network manager: node %s has no dial info", node)
	}
	conn, err := nm.dial(info.DialInfo[0])
	if err != nil {
		return nil, err
	}
	// We dialed this node by id, so its crypto kind is known up front —
	// no need to wait for an inbound envelope to learn it.
	conn.SetRemoteKind(node.Kind)
	return conn, nil
}

// dial opens a fresh connection per di's protocol and admits it into the
// connection table / connection manager.
func (nm *NetworkManager) dial(di DialInfo) (*Connection, error) {
	remote := PeerAddress{Addr: di.Address, Port: di.Port, Protocol: di.Protocol}
	switch di.Protocol {
	case ProtocolTCP:
		local := PeerAddress{Protocol: ProtocolTCP}
		netConn, err := nm.tcp.Connect(local, remote)
		if err != nil {
			return nil, err
		}
		flow := Flow{Remote: remote, Local: localAddressOf(netConn, ProtocolTCP)}
		conn := NewConnection(flow, ProtocolTCP, netConn)
		if err := nm.connMgr.OnAccepted(conn); err != nil {
			_ = netConn.Close()
			return nil, err
		}
		return conn, nil
	case ProtocolWS, ProtocolWSS:
		wsConn, err := nm.ws.Connect(di)
		if err != nil {
			return nil, err
		}
		flow := Flow{Remote: remote, Local: localAddressOf(wsConn.UnderlyingConn(), di.Protocol)}
		conn := NewConnection(flow, di.Protocol, wsConn.UnderlyingConn())
		if err := nm.connMgr.OnAccepted(conn); err != nil {
			_ = wsConn.Close()
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("core: network manager: dialing protocol %s not supported", di.Protocol)
	}
}

func localAddressOf(conn net.Conn, proto ProtocolType) PeerAddress {
	if conn == nil {
		return PeerAddress{Protocol: proto}
	}
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return PeerAddress{Addr: tcpAddr.IP, Port: uint16(tcpAddr.Port), Protocol: proto}
	}
	return PeerAddress{Protocol: proto}
}

// writeFrame frames and writes a pre-built body on conn's wire protocol.
func (nm *NetworkManager) writeFrame(conn *Connection, body []byte) error {
	switch conn.Protocol {
	case ProtocolTCP:
		return WriteTCPFrame(conn.Conn, body)
	default:
		return fmt.Errorf("core: network manager: write not implemented for protocol %s", conn.Protocol)
	}
}

// SendData implements send_data(node_ref, data): reuse a recorded flow
// if one exists, otherwise dial using the node's best advertised dial
// info, then wrap data in a fresh envelope and send it through the
// resulting flow.
func (nm *NetworkManager) SendData(ctx context.Context, node NodeID, data []byte) error {
	selfID, ok := nm.selfIDFor(node.Kind)
	if !ok {
		return fmt.Errorf("core: network manager: no self id of kind %s to send from", node.Kind)
	}
	selfSecret, ok := nm.selfSecretFor(node.Kind)
	if !ok {
		return fmt.Errorf("core: network manager: no secret for kind %s", node.Kind)
	}

	conn, err := nm.connectionFor(node)
	if err != nil {
		return err
	}

	encoded, err := ToEncryptedData(selfID, node, selfSecret, data, nm.dh, nm.registry)
	if err != nil {
		return err
	}
	return nm.assembly.Send(conn.Flow.Remote.String(), encoded, nm.cfg.AssemblyMTU, func(frame []byte) error {
		return nm.writeFrame(conn, frame)
	})
}

// onRecvEnvelope implements on_recv_envelope(bytes, flow): parse, check
// replay window, relay-or-drop on mismatched recipient, decrypt, and
// hand the plaintext to RPC dispatch. Parse/crypto failures are
// absorbed here per the error taxonomy's propagation rule; nothing
// above this call sees them.
func (nm *NetworkManager) onRecvEnvelope(data []byte, flow Flow) {
	message, ok := nm.assembly.Receive(data, flow.Remote.String())
	if !ok {
		return
	}

	// The wire format carries only the sender id's 32-byte value, not its
	// kind (see FromSignedData). A connection we dialed ourselves already
	// knows its peer's kind (connectionFor sets it from the target node
	// id); an inbound connection learns it from whichever registered kind
	// its first envelope verifies under, and that classification sticks
	// for the life of the connection.
	env, _, err := nm.parseInboundEnvelope(message, flow)
	if err != nil {
		nm.log.WithError(err).Debug("dropping unparseable envelope")
		return
	}
	if !WithinReplayWindow(env.Timestamp, time.Now(), nm.cfg.ReplayMaxBehind, nm.cfg.ReplayMaxAhead) {
		if entry, ok := nm.rt.GetEntry(env.SenderID); ok {
			nm.rt.RecordFailedRouteTest(entry)
		}
		nm.log.WithField("sender", env.SenderID.String()).Debug("dropping envelope outside replay window")
		return
	}

	isForUs := false
	for _, id := range nm.cfg.SelfIDs {
		if env.RecipientID.Equal(id) {
			isForUs = true
			break
		}
	}
	if !isForUs {
		nm.relayIfEligible(env, flow)
		return
	}

	secret, ok := nm.selfSecretFor(env.RecipientID.Kind)
	if !ok {
		return
	}
	plaintext, err := env.DecryptBody(secret, nm.dh, nm.registry)
	if err != nil {
		nm.log.WithError(err).Debug("dropping envelope with bad decryption")
		return
	}

	nm.handlePlaintext(plaintext, env.SenderID)
}

// parseInboundEnvelope resolves the crypto kind to parse message under
// and verifies it. A connection already attributed to a kind (outbound
// dials are attributed up front; inbound connections once their first
// envelope verifies) is parsed directly under that kind. An
// unattributed inbound connection tries every registered kind, in the
// registry's unspecified order, and sticks with whichever one verifies.
func (nm *NetworkManager) parseInboundEnvelope(message []byte, flow Flow) (*Envelope, CryptoKind, error) {
	conn, hasConn := nm.table.GetByDescriptor(flow)
	if hasConn {
		if kind, known := conn.RemoteKind(); known {
			env, err := FromSignedData(message, kind, nm.registry)
			return env, kind, err
		}
	}

	var lastErr error
	for _, kind := range nm.registry.Kinds() {
		env, err := FromSignedData(message, kind, nm.registry)
		if err == nil {
			if hasConn {
				conn.SetRemoteKind(kind)
			}
			return env, kind, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = newParseError("envelope", "no registered crypto kind")
	}
	return nil, CryptoKind{}, lastErr
}

// relayIfEligible forwards an envelope addressed to a peer we relay for,
// unchanged, to that peer. Anything else is dropped.
func (nm *NetworkManager) relayIfEligible(env *Envelope, _ Flow) {
	entry, ok := nm.rt.GetEntry(env.RecipientID)
	if !ok || !entry.RelayForUs || time.Now().After(entry.RelayExpiry) {
		return
	}
	if err := nm.SendRouteStatement(env.RecipientID, env.Body); err != nil {
		nm.log.WithError(err).Debug("relay forward failed")
	}
}

// handlePlaintext is the boundary between the envelope layer and RPC
// dispatch; actual operation decoding is owned by the caller wiring this
// manager together (the operation wire format is outside this package's
// concern), so this hook is intentionally left to the caller to install
// via NewNetworkManager's Handler parameter for anything the dispatcher
// doesn't already match as a pending answer.
func (nm *NetworkManager) handlePlaintext(plaintext []byte, sender NodeID) {
	_, _ = nm.dispatch.Deliver(context.Background(), Operation{Detail: plaintext}, sender)
}

// RunTick starts the routing table's periodic state-derivation tick
// until Close is called.
func (nm *NetworkManager) RunTick(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				nm.rt.Tick(time.Now())
			case <-nm.tickStop:
				return
			}
		}
	}()
}

// Close performs the shutdown ordering: stop the tick, then shut down the
// connection manager, which stops its receive loops and closes and
// clears every connection in the table.
func (nm *NetworkManager) Close() error {
	nm.tickOnce.Do(func() { close(nm.tickStop) })
	nm.connMgr.Shutdown()
	return nil
}
