package core

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Route hop statement tags: a one-byte discriminator inside a decrypted
// route layer.
const (
	routeTagHop         byte = 0 // more layers remain; forward to NextHop
	routeTagTerminalStub byte = 1 // this hop is the private/safety route boundary
)

// MaxRouteHopCount bounds the hop count carried in a route statement.
const MaxRouteHopCount = 8

// RouteHopStatement is the plaintext a hop decrypts from its onion layer:
// either "forward to NextHop with Inner still encrypted for it" or the
// terminal stub.
type RouteHopStatement struct {
	Tag      byte
	HopCount uint8
	NextHop  *NodeID
	Inner    []byte
}

// encodeRouteHopStatement serializes a statement: tag, hop count, next
// hop (36 bytes, present only for routeTagHop), 2-byte inner length, inner.
func encodeRouteHopStatement(s RouteHopStatement) []byte {
	buf := []byte{s.Tag, s.HopCount}
	if s.Tag == routeTagHop {
		buf = append(buf, s.NextHop.Kind[:]...)
		buf = append(buf, s.NextHop.Value[:]...)
	}
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(s.Inner)))
	buf = append(buf, lenBuf...)
	buf = append(buf, s.Inner...)
	return buf
}

// decodeRouteHopStatement parses a statement produced by
// encodeRouteHopStatement, enforcing the hop-count invariant.
func decodeRouteHopStatement(data []byte) (RouteHopStatement, error) {
	if len(data) < 2 {
		return RouteHopStatement{}, &ProtocolError{Reason: "route statement too short"}
	}
	s := RouteHopStatement{Tag: data[0], HopCount: data[1]}
	if s.HopCount > MaxRouteHopCount {
		return RouteHopStatement{}, &ProtocolError{Reason: "hop count exceeds maximum"}
	}
	pos := 2
	switch s.Tag {
	case routeTagTerminalStub:
		if s.HopCount != 0 {
			return RouteHopStatement{}, &ProtocolError{Reason: "terminal stub with non-zero hop count"}
		}
	case routeTagHop:
		if len(data) < pos+CryptoKindLength+TypedKeyValueLength {
			return RouteHopStatement{}, &ProtocolError{Reason: "route statement truncated next-hop"}
		}
		var next NodeID
		copy(next.Kind[:], data[pos:pos+CryptoKindLength])
		pos += CryptoKindLength
		copy(next.Value[:], data[pos:pos+TypedKeyValueLength])
		pos += TypedKeyValueLength
		s.NextHop = &next
	default:
		return RouteHopStatement{}, &ProtocolError{Reason: "unknown route statement tag"}
	}
	if len(data) < pos+2 {
		return RouteHopStatement{}, &ProtocolError{Reason: "route statement truncated inner length"}
	}
	innerLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if len(data) < pos+innerLen {
		return RouteHopStatement{}, &ProtocolError{Reason: "route statement truncated inner"}
	}
	s.Inner = data[pos : pos+innerLen]

	// A zero hop count paired with a non-empty next hop, or a non-zero
	// count with an empty next hop, is a protocol error.
	if s.Tag == routeTagHop {
		if s.HopCount == 0 {
			return RouteHopStatement{}, &ProtocolError{Reason: "route-hop with zero remaining hop count"}
		}
	}
	return s, nil
}

// wrapForHop encrypts plaintext for hop using DH(hop.pk, routeSecret)
// through the DH cache, prepending the fresh nonce so the recipient can
// decrypt without out-of-band nonce transport.
func wrapForHop(hop NodeID, routeSecret TypedKey, plaintext []byte, dh *DHCache, registry *CryptoRegistry) ([]byte, error) {
	suite, err := registry.Get(hop.Kind)
	if err != nil {
		return nil, err
	}
	shared, err := dh.CachedDH(hop, routeSecret)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	ciphertext := suite.StreamCrypt(shared, nonce, plaintext)
	return append(append([]byte{}, nonce[:]...), ciphertext...), nil
}

// unwrapAsHop decrypts a blob received by thisNode using DH(routePK,
// thisNodeSecret), reversing wrapForHop.
func unwrapAsHop(routePK, thisNodeSecret TypedKey, blob []byte, dh *DHCache, registry *CryptoRegistry) ([]byte, error) {
	if len(blob) < 24 {
		return nil, &ProtocolError{Reason: "route blob too short for nonce"}
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	ciphertext := blob[24:]

	suite, err := registry.Get(routePK.Kind)
	if err != nil {
		return nil, err
	}
	shared, err := dh.CachedDH(routePK, thisNodeSecret)
	if err != nil {
		return nil, err
	}
	return suite.StreamCrypt(shared, nonce, ciphertext), nil
}

// PrivateRoute is the sendable result of BuildPrivateRoute: the blob
// addressed to FirstHop, plus the route's own public key (carried
// alongside so every hop can derive DH(routePK, its own secret)).
type PrivateRoute struct {
	RouteKey TypedKey
	FirstHop NodeID
	HopCount int
	Blob     []byte
}

// BuildPrivateRoute constructs an onion-wrapped route over hops (ordered
// first hop to last/innermost hop): starts from an empty terminal stub
// and wraps outward, one DH+stream-encrypt per hop.
func BuildPrivateRoute(hops []NodeID, routeKeys KeyPair, dh *DHCache, registry *CryptoRegistry) (*PrivateRoute, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("core: private route: no hops")
	}
	if len(hops) > MaxRouteHopCount {
		return nil, &ProtocolError{Reason: "too many hops"}
	}

	current := encodeRouteHopStatement(RouteHopStatement{Tag: routeTagTerminalStub})
	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]
		if i < len(hops)-1 {
			next := hops[i+1]
			current = encodeRouteHopStatement(RouteHopStatement{
				Tag:      routeTagHop,
				HopCount: uint8(len(hops) - 1 - i),
				NextHop:  &next,
				Inner:    current,
			})
		}
		wrapped, err := wrapForHop(hop, routeKeys.Secret, current, dh, registry)
		if err != nil {
			return nil, err
		}
		current = wrapped
	}

	return &PrivateRoute{
		RouteKey: routeKeys.Public,
		FirstHop: hops[0],
		HopCount: len(hops),
		Blob:     current,
	}, nil
}

// SafetyRoute wraps a private route so that even the first hop of the
// private route learns nothing about the sender.
type SafetyRoute struct {
	RouteKey TypedKey
	FirstHop NodeID
	HopCount int
	Blob     []byte
}

// BuildSafetyRoute applies the same onion construction over safetyHops,
// with the embedded private route (its blob plus first-hop identity) as
// the innermost layer instead of a terminal stub.
func BuildSafetyRoute(safetyHops []NodeID, safetyKeys KeyPair, inner *PrivateRoute, dh *DHCache, registry *CryptoRegistry) (*SafetyRoute, error) {
	if len(safetyHops) == 0 {
		return nil, fmt.Errorf("core: safety route: no hops")
	}
	if len(safetyHops)+inner.HopCount > MaxRouteHopCount*2 {
		return nil, &ProtocolError{Reason: "too many combined hops"}
	}

	current := encodeRouteHopStatement(RouteHopStatement{
		Tag:      routeTagHop,
		HopCount: uint8(inner.HopCount),
		NextHop:  &inner.FirstHop,
		Inner:    inner.Blob,
	})
	for i := len(safetyHops) - 1; i >= 0; i-- {
		hop := safetyHops[i]
		if i < len(safetyHops)-1 {
			next := safetyHops[i+1]
			current = encodeRouteHopStatement(RouteHopStatement{
				Tag:      routeTagHop,
				HopCount: uint8(len(safetyHops) - 1 - i),
				NextHop:  &next,
				Inner:    current,
			})
		}
		wrapped, err := wrapForHop(hop, safetyKeys.Secret, current, dh, registry)
		if err != nil {
			return nil, err
		}
		current = wrapped
	}

	return &SafetyRoute{
		RouteKey: safetyKeys.Public,
		FirstHop: safetyHops[0],
		HopCount: len(safetyHops),
		Blob:     current,
	}, nil
}

// ForwardResult is what an intermediate hop does with a decoded route
// statement.
type ForwardResult struct {
	// Terminal is true if this hop is the route's destination: the
	// caller should dispatch the routed RPC locally.
	Terminal bool
	// NextHop and NextBlob are set when Terminal is false: forward
	// NextBlob to NextHop unchanged (it is still encrypted for it).
	NextHop  *NodeID
	NextBlob []byte
}

// ForwardRouteStatement decrypts one onion layer with thisNodeSecret and
// decides whether to forward or terminate, per the hard hop-count limits.
func ForwardRouteStatement(routePK, thisNodeSecret TypedKey, blob []byte, dh *DHCache, registry *CryptoRegistry) (ForwardResult, error) {
	plaintext, err := unwrapAsHop(routePK, thisNodeSecret, blob, dh, registry)
	if err != nil {
		return ForwardResult{}, err
	}
	stmt, err := decodeRouteHopStatement(plaintext)
	if err != nil {
		return ForwardResult{}, err
	}
	if stmt.Tag == routeTagTerminalStub {
		return ForwardResult{Terminal: true}, nil
	}
	return ForwardResult{Terminal: false, NextHop: stmt.NextHop, NextBlob: stmt.Inner}, nil
}
