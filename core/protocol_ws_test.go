package core

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestWSFrameRoundTripOverLoopback(t *testing.T) {
	h := NewWSHandler(false, time.Second, nil)

	serverDone := make(chan []byte, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.Upgrade(w, r)
		if err != nil {
			serverDone <- nil
			return
		}
		defer conn.Close()
		frame, err := ReadWSFrame(conn)
		if err != nil {
			serverDone <- nil
			return
		}
		serverDone <- frame
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	conn, err := h.Connect(DialInfo{Protocol: ProtocolWS, Address: net.ParseIP(host), Port: uint16(port), Path: "/ws"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := WriteWSFrame(conn, []byte("veilid ws frame")); err != nil {
		t.Fatalf("WriteWSFrame: %v", err)
	}

	select {
	case got := <-serverDone:
		if string(got) != "veilid ws frame" {
			t.Fatalf("server received: got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to read the frame")
	}
}

func TestLooksLikeHTTPRequest(t *testing.T) {
	cases := map[string]bool{
		"GET /ws HTTP/1.1\r\n":   true,
		"POST /rpc HTTP/1.1\r\n": true,
		"VL\x00\x05hello":        false,
	}
	for input, want := range cases {
		if got := LooksLikeHTTPRequest([]byte(input)); got != want {
			t.Fatalf("LooksLikeHTTPRequest(%q): got %v, want %v", input, got, want)
		}
	}
}
