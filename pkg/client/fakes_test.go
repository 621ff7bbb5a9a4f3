package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/mmclient/pkg/events"
	"github.com/codeGROOVE-dev/mmclient/pkg/rest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// apiCall is one request seen by fakeAPI.
type apiCall struct {
	Body   any
	Method string
	Path   string
}

// fakeAPI answers requests from a handler and records them.
type fakeAPI struct {
	handler func(method, path string, body any) (*rest.Response, error)
	token   string
	calls   []apiCall
	uploads []rest.Form
	mu      sync.Mutex
}

func (f *fakeAPI) Do(_ context.Context, method, path string, body any) (*rest.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Path: path, Body: body})
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return jsonResponse(map[string]any{}), nil
	}
	return h(method, path, body)
}

func (f *fakeAPI) Upload(_ context.Context, path string, form rest.Form) (*rest.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: http.MethodPost, Path: path})
	f.uploads = append(f.uploads, form)
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return jsonResponse(map[string]any{}), nil
	}
	return h(http.MethodPost, path, form)
}

func (f *fakeAPI) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (*fakeAPI) Ping(context.Context) error {
	return nil
}

// paths returns "METHOD path" for every recorded call.
func (f *fakeAPI) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method + " " + c.Path
	}
	return out
}

func (f *fakeAPI) count(method, path string) int {
	n := 0
	for _, p := range f.paths() {
		if p == method+" "+path {
			n++
		}
	}
	return n
}

func jsonResponse(v any) *rest.Response {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &rest.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: b}
}

func nullResponse() *rest.Response {
	return &rest.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("null")}
}

// fakeTimer is a timer owned by fakeClock.
type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock only moves when Advance is called. Timers fire from Advance on
// the calling goroutine.
type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fired = true
		t.f()
	}
}

// active counts timers that have neither fired nor been stopped.
func (c *fakeClock) active() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeConn is a socket that records closes. Frames written by the client
// stay in the link's outbound queue because tests never start the writer.
type fakeConn struct {
	closes int
	mu     sync.Mutex
}

func (*fakeConn) Send(any) error { return nil }

func (*fakeConn) Receive() ([]byte, error) { return nil, io.EOF }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeDialer hands out fakeConns, or fails with err.
type fakeDialer struct {
	err   error
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) dial(_ context.Context, url string) (socketConn, error) {
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// harness is a client whose loop is driven by the test goroutine.
type harness struct {
	*Client
	api    *fakeAPI
	clock  *fakeClock
	dialer *fakeDialer
	sub    *events.Subscription
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "chat.example.com"
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	h := &harness{api: &fakeAPI{}, clock: newFakeClock(), dialer: &fakeDialer{}}
	h.Client = newClient(cfg, h.api, h.dialer.dial, h.clock)
	h.spawn = func(f func()) { f() }
	h.listen = func(func()) {}
	h.sub = h.Subscribe(1000)
	return h
}

// events drains and returns everything published so far.
func (h *harness) events() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventNames(evs []events.Event) []string {
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.Name
	}
	return names
}

// await runs a public call that waits on the loop while the test goroutine
// drains the loop on its behalf.
func (h *harness) await(t *testing.T, call func() error) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- call() }()
	deadline := time.After(5 * time.Second)
	for {
		h.drain()
		select {
		case err := <-errc:
			h.drain()
			return err
		case <-deadline:
			t.Fatal("call never returned")
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

// sent drains the frames queued on the current link.
func (h *harness) sent() []*Frame {
	if h.link == nil {
		return nil
	}
	var out []*Frame
	for {
		select {
		case f, ok := <-h.link.out:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

// open puts the harness into the connected state over a fresh fake socket.
func (h *harness) open(t *testing.T) *fakeConn {
	t.Helper()
	h.session.socketURL = SocketURL(h.cfg.Host, true, 0, 0)
	h.session.token = "tok"
	h.connect()
	h.drain()
	if !h.session.connected {
		t.Fatal("expected connection to open")
	}
	h.sent()
	h.events()
	return h.dialer.conns[len(h.dialer.conns)-1]
}

// bootstrapHandler answers every bootstrap request with an empty but valid body.
func bootstrapHandler(self map[string]any) func(string, string, any) (*rest.Response, error) {
	return func(method, path string, _ any) (*rest.Response, error) {
		switch {
		case method == http.MethodPost && path == "/users/login":
			resp := jsonResponse(self)
			resp.Header.Set("Token", "session-token")
			return resp, nil
		case path == "/users/me":
			return jsonResponse(self), nil
		case path == "/users/me/preferences":
			return jsonResponse([]map[string]any{{"user_id": self["id"], "category": "display_settings", "name": "use_military_time", "value": "true"}}), nil
		case path == "/users/me/teams":
			return jsonResponse([]map[string]any{{"id": "t1", "name": "jedi"}}), nil
		default:
			return jsonResponse([]any{}), nil
		}
	}
}
