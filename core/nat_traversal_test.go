package core

import (
	"net"
	"testing"
)

func TestDialInfoForWithoutGatewayIsUnknown(t *testing.T) {
	m := &NATManager{}
	di := m.DialInfoFor(ProtocolTCP, 5150)
	if di.Class != NetworkClassUnknown {
		t.Fatalf("Class: got %v, want NetworkClassUnknown", di.Class)
	}
	if di.Address != nil {
		t.Fatalf("Address: got %v, want nil", di.Address)
	}
	if di.Port != 5150 || di.Protocol != ProtocolTCP {
		t.Fatalf("DialInfo: got %+v", di)
	}
}

func TestDialInfoForWithExternalIPButNoMappingIsPortRestricted(t *testing.T) {
	m := &NATManager{ip: net.ParseIP("203.0.113.1")}
	di := m.DialInfoFor(ProtocolTCP, 5150)
	if di.Class != NetworkClassPortRestrictedNAT {
		t.Fatalf("Class: got %v, want NetworkClassPortRestrictedNAT since neither pmp nor upnp is wired", di.Class)
	}
	if !di.Address.Equal(m.ip) {
		t.Fatalf("Address: got %v, want %v", di.Address, m.ip)
	}
}

func TestExternalIPReturnsDiscoveredAddress(t *testing.T) {
	ip := net.ParseIP("198.51.100.7")
	m := &NATManager{ip: ip}
	if got := m.ExternalIP(); !got.Equal(ip) {
		t.Fatalf("ExternalIP: got %v, want %v", got, ip)
	}
}

func TestMapFailsWithoutAPMPOrUPnPClient(t *testing.T) {
	m := &NATManager{ip: net.ParseIP("203.0.113.1")}
	if err := m.Map(4000); err == nil {
		t.Fatal("expected Map to fail with no NAT-PMP or UPnP client configured")
	}
	if m.mappedPort != 0 {
		t.Fatalf("mappedPort after failed Map: got %d, want 0", m.mappedPort)
	}
}

func TestUnmapIsANoOpWithoutAMappedPort(t *testing.T) {
	m := &NATManager{}
	if err := m.Unmap(); err != nil {
		t.Fatalf("Unmap with no mapped port: %v", err)
	}
}
