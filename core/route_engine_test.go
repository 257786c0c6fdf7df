package core

import (
	"bytes"
	"testing"
)

func routeEngineTestSetup(t *testing.T) (*CryptoRegistry, *DHCache) {
	t.Helper()
	registry := NewCryptoRegistry(NewNoneSuite())
	anchor := newNoneKeyPair(t)
	dh, err := NewDHCache(registry, anchor.Public, 32)
	if err != nil {
		t.Fatalf("NewDHCache: %v", err)
	}
	return registry, dh
}

func TestBuildPrivateRouteForwardsThroughEveryHop(t *testing.T) {
	registry, dh := routeEngineTestSetup(t)
	hopA := newNoneKeyPair(t)
	hopB := newNoneKeyPair(t)
	routeKeys := newNoneKeyPair(t)

	route, err := BuildPrivateRoute([]NodeID{hopA.Public, hopB.Public}, routeKeys, dh, registry)
	if err != nil {
		t.Fatalf("BuildPrivateRoute: %v", err)
	}
	if !route.FirstHop.Equal(hopA.Public) {
		t.Fatalf("FirstHop: got %v, want %v", route.FirstHop, hopA.Public)
	}
	if route.HopCount != 2 {
		t.Fatalf("HopCount: got %d, want 2", route.HopCount)
	}

	atA, err := ForwardRouteStatement(route.RouteKey, hopA.Secret, route.Blob, dh, registry)
	if err != nil {
		t.Fatalf("ForwardRouteStatement at hop A: %v", err)
	}
	if atA.Terminal {
		t.Fatal("hop A should not be terminal with two hops configured")
	}
	if atA.NextHop == nil || !atA.NextHop.Equal(hopB.Public) {
		t.Fatalf("hop A next hop: got %v, want %v", atA.NextHop, hopB.Public)
	}

	atB, err := ForwardRouteStatement(route.RouteKey, hopB.Secret, atA.NextBlob, dh, registry)
	if err != nil {
		t.Fatalf("ForwardRouteStatement at hop B: %v", err)
	}
	if !atB.Terminal {
		t.Fatal("hop B should be the route's terminal hop")
	}
}

func TestBuildPrivateRouteRejectsNoHops(t *testing.T) {
	registry, dh := routeEngineTestSetup(t)
	routeKeys := newNoneKeyPair(t)
	if _, err := BuildPrivateRoute(nil, routeKeys, dh, registry); err == nil {
		t.Fatal("expected error building a route with no hops")
	}
}

func TestBuildPrivateRouteRejectsTooManyHops(t *testing.T) {
	registry, dh := routeEngineTestSetup(t)
	routeKeys := newNoneKeyPair(t)
	hops := make([]NodeID, MaxRouteHopCount+1)
	for i := range hops {
		hops[i] = newNoneKeyPair(t).Public
	}
	if _, err := BuildPrivateRoute(hops, routeKeys, dh, registry); err == nil {
		t.Fatal("expected error building a route exceeding the max hop count")
	}
}

func TestBuildSafetyRouteWrapsPrivateRoute(t *testing.T) {
	registry, dh := routeEngineTestSetup(t)
	innerHop := newNoneKeyPair(t)
	innerKeys := newNoneKeyPair(t)
	inner, err := BuildPrivateRoute([]NodeID{innerHop.Public}, innerKeys, dh, registry)
	if err != nil {
		t.Fatalf("BuildPrivateRoute (inner): %v", err)
	}

	safetyHop := newNoneKeyPair(t)
	safetyKeys := newNoneKeyPair(t)
	safety, err := BuildSafetyRoute([]NodeID{safetyHop.Public}, safetyKeys, inner, dh, registry)
	if err != nil {
		t.Fatalf("BuildSafetyRoute: %v", err)
	}
	if !safety.FirstHop.Equal(safetyHop.Public) {
		t.Fatalf("safety FirstHop: got %v, want %v", safety.FirstHop, safetyHop.Public)
	}

	atSafetyHop, err := ForwardRouteStatement(safety.RouteKey, safetyHop.Secret, safety.Blob, dh, registry)
	if err != nil {
		t.Fatalf("ForwardRouteStatement at safety hop: %v", err)
	}
	if atSafetyHop.Terminal {
		t.Fatal("the safety hop should forward into the embedded private route, not terminate")
	}
	if atSafetyHop.NextHop == nil || !atSafetyHop.NextHop.Equal(inner.FirstHop) {
		t.Fatalf("safety hop next hop: got %v, want the inner route's first hop %v", atSafetyHop.NextHop, inner.FirstHop)
	}
	if !bytes.Equal(atSafetyHop.NextBlob, inner.Blob) {
		t.Fatal("safety hop should hand off the inner private route's blob unchanged")
	}

	atInnerHop, err := ForwardRouteStatement(inner.RouteKey, innerHop.Secret, atSafetyHop.NextBlob, dh, registry)
	if err != nil {
		t.Fatalf("ForwardRouteStatement at inner hop: %v", err)
	}
	if !atInnerHop.Terminal {
		t.Fatal("the inner route's only hop should be terminal")
	}
}

func TestForwardRouteStatementRejectsShortBlob(t *testing.T) {
	registry, dh := routeEngineTestSetup(t)
	hop := newNoneKeyPair(t)
	routeKeys := newNoneKeyPair(t)
	if _, err := ForwardRouteStatement(routeKeys.Public, hop.Secret, []byte{1, 2, 3}, dh, registry); err == nil {
		t.Fatal("expected error forwarding a route blob too short to hold a nonce")
	}
}
