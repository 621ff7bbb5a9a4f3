package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

// newEchoServer answers every JSON frame with the same frame and closes after
// the peer's "bye" action.
func newEchoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		for {
			var msg map[string]any
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				return
			}
			if msg["action"] == "bye" {
				return
			}
			if err := websocket.JSON.Send(ws, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSendReceive(t *testing.T) {
	_, wsURL := newEchoServer(t)

	d := &Dialer{Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), wsURL+"/api/v4/websocket")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close() //nolint:errcheck // test cleanup

	if err := conn.Send(map[string]any{"action": "ping", "seq": 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !strings.Contains(string(frame), `"action":"ping"`) {
		t.Errorf("frame = %s", frame)
	}
}

func TestReceiveReportsNormalClose(t *testing.T) {
	_, wsURL := newEchoServer(t)

	conn, err := (&Dialer{}).Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close() //nolint:errcheck // test cleanup

	if err := conn.Send(map[string]string{"action": "bye"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err = conn.Receive()
	var ce *CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CloseError, got %v", err)
	}
	if ce.Code != CloseNormal {
		t.Errorf("code = %d, want %d", ce.Code, CloseNormal)
	}
	if !errors.Is(err, io.EOF) {
		t.Error("close error should unwrap to io.EOF")
	}
}

func TestReceiveAfterLocalClose(t *testing.T) {
	_, wsURL := newEchoServer(t)

	conn, err := (&Dialer{}).Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err = conn.Receive()
	var ce *CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CloseError, got %v", err)
	}
	if ce.Code != CloseAbnormal {
		t.Errorf("code = %d, want %d", ce.Code, CloseAbnormal)
	}
}

func TestDialErrors(t *testing.T) {
	d := &Dialer{Timeout: time.Second}
	if _, err := d.Dial(context.Background(), "http://example.com"); err == nil {
		t.Error("expected error for non-websocket scheme")
	}

	// Listen then close to get a port nothing answers on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close() //nolint:errcheck,gosec // only need the address
	if _, err := d.Dial(context.Background(), "ws://"+addr); err == nil {
		t.Error("expected connection refused")
	}

	plain := httptest.NewServer(http.NotFoundHandler())
	defer plain.Close()
	if _, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(plain.URL, "http")); err == nil {
		t.Error("expected upgrade failure against a plain HTTP server")
	}
}

func TestDialTLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(websocket.Handler(func(ws *websocket.Conn) {
		var msg map[string]any
		if err := websocket.JSON.Receive(ws, &msg); err == nil {
			_ = websocket.JSON.Send(ws, msg) //nolint:errcheck // test server
		}
	}))
	defer srv.Close()
	wsURL := "wss" + strings.TrimPrefix(srv.URL, "https")

	// Self-signed certificate is rejected when verification is on.
	if _, err := (&Dialer{TLSVerify: true, Timeout: time.Second}).Dial(context.Background(), wsURL); err == nil {
		t.Error("expected certificate verification failure")
	}

	conn, err := (&Dialer{TLSVerify: false, Timeout: time.Second}).Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("Dial with verification off: %v", err)
	}
	defer conn.Close() //nolint:errcheck // test cleanup
	if err := conn.Send(map[string]string{"action": "ping"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := conn.Receive(); err != nil {
		t.Fatalf("Receive: %v", err)
	}
}

// connectProxy is a minimal HTTP CONNECT proxy.
func connectProxy(t *testing.T, tunnels *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "CONNECT only", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Proxy-Authorization") != "Basic "+"bHVrZTpmb3JjZQ==" {
			http.Error(w, "auth", http.StatusProxyAuthRequired)
			return
		}
		upstream, err := net.Dial("tcp", r.Host)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("hijacking not supported")
			return
		}
		client, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		if _, err := io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
			client.Close() //nolint:errcheck,gosec // tunnel
			return
		}
		tunnels.Add(1)
		go func() {
			_, _ = io.Copy(upstream, client) //nolint:errcheck // tunnel
			upstream.Close()                 //nolint:errcheck,gosec // tunnel
		}()
		_, _ = io.Copy(client, upstream) //nolint:errcheck // tunnel
		client.Close()                   //nolint:errcheck,gosec // tunnel
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDialThroughConnectProxy(t *testing.T) {
	_, wsURL := newEchoServer(t)
	var tunnels atomic.Int32
	proxySrv := connectProxy(t, &tunnels)

	d := &Dialer{
		Proxy:   "http://luke:force@" + strings.TrimPrefix(proxySrv.URL, "http://"),
		Timeout: 2 * time.Second,
	}
	conn, err := d.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("Dial via proxy: %v", err)
	}
	defer conn.Close() //nolint:errcheck // test cleanup

	if err := conn.Send(map[string]string{"action": "ping"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := conn.Receive(); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := tunnels.Load(); got != 1 {
		t.Errorf("tunnels = %d, want 1", got)
	}

	bad := &Dialer{Proxy: strings.Replace(d.Proxy, "force", "dark", 1), Timeout: time.Second}
	if _, err := bad.Dial(context.Background(), wsURL); err == nil {
		t.Error("expected proxy auth failure")
	}
}

func TestDialUnknownProxyScheme(t *testing.T) {
	d := &Dialer{Proxy: "gopher://proxy:70", Timeout: time.Second}
	if _, err := d.Dial(context.Background(), "ws://127.0.0.1:1"); err == nil {
		t.Error("expected error for unsupported proxy scheme")
	}
}
