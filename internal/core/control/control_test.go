package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/beoremote/internal/core/transport"
)

type recordedRequest struct {
	method string
	path   string
	body   string
}

// fakeDevice records requests and answers with canned responses keyed by
// "METHOD path".
type fakeDevice struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]string
	status    map[string]int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		responses: make(map[string]string),
		status:    make(map[string]int),
	}
}

func (f *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.Path

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{method: r.Method, path: r.URL.Path, body: string(body)})
	resp, hasResp := f.responses[key]
	code, hasCode := f.status[key]
	f.mu.Unlock()

	if hasCode {
		w.WriteHeader(code)
		return
	}
	if hasResp {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, resp)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeDevice) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChannel(t *testing.T, h http.Handler) *Channel {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return New(transport.NewAddress(host, port), Options{}, testLogger())
}

func TestSetVolumeSendsCeiledLevel(t *testing.T) {
	dev := newFakeDevice()
	ch := newTestChannel(t, dev)

	if err := ch.SetVolume(context.Background(), 0.5); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	req := dev.last()
	if req.method != http.MethodPut || req.path != pathVolumeLevel {
		t.Fatalf("request = %s %s", req.method, req.path)
	}
	var body struct{ Level int }
	if err := json.Unmarshal([]byte(req.body), &body); err != nil {
		t.Fatal(err)
	}
	if body.Level != 45 {
		t.Errorf("level = %d, want 45", body.Level)
	}
}

func TestGetVolume(t *testing.T) {
	dev := newFakeDevice()
	dev.responses["GET "+pathVolumeLevel] = `{"level":89}`
	ch := newTestChannel(t, dev)

	got, err := ch.GetVolume(context.Background())
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if got != 1 {
		t.Errorf("GetVolume() = %v, want 1", got)
	}
}

func TestMuted(t *testing.T) {
	dev := newFakeDevice()
	dev.responses["GET "+pathVolumeMuted] = `{"muted":true}`
	ch := newTestChannel(t, dev)

	muted, err := ch.GetMuted(context.Background())
	if err != nil || !muted {
		t.Fatalf("GetMuted() = %v, %v", muted, err)
	}
	if err := ch.SetMuted(context.Background(), false); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	req := dev.last()
	if req.method != http.MethodPut || req.body != `{"muted":false}` {
		t.Errorf("request = %s %s", req.method, req.body)
	}
}

func TestPosition(t *testing.T) {
	dev := newFakeDevice()
	dev.responses["GET "+pathPlayPointer] = `{"playPointer":{"position":42,"playQueueItemId":"x"}}`
	ch := newTestChannel(t, dev)

	pos, err := ch.GetPosition(context.Background())
	if err != nil || pos != 42 {
		t.Fatalf("GetPosition() = %v, %v", pos, err)
	}
	if err := ch.SetPosition(context.Background(), 90); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	req := dev.last()
	if req.method != http.MethodPost || req.body != `{"playPointer":{"position":90}}` {
		t.Errorf("request = %s %s", req.method, req.body)
	}
}

func TestTransportCommands(t *testing.T) {
	tests := []struct {
		name string
		call func(*Channel, context.Context) error
		path string
	}{
		{"play", (*Channel).Play, pathPlay},
		{"pause", (*Channel).Pause, pathPause},
		{"previous", (*Channel).Previous, pathBackward},
		{"next", (*Channel).Next, pathForward},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			ch := newTestChannel(t, dev)
			if err := tt.call(ch, context.Background()); err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			req := dev.last()
			if req.method != http.MethodPost || req.path != tt.path || req.body != "" {
				t.Errorf("request = %s %s %q", req.method, req.path, req.body)
			}
		})
	}
}

func TestSources(t *testing.T) {
	dev := newFakeDevice()
	dev.responses["GET "+pathSources] = `{"sources":[["radio:1",{"friendlyName":"Radio","sourceType":{"type":"RADIO"}}]]}`
	ch := newTestChannel(t, dev)

	catalog, err := ch.ListSources(context.Background())
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(catalog.Sources) != 1 || len(catalog.Sources[0]) != 2 {
		t.Fatalf("catalog = %+v", catalog)
	}

	if err := ch.SetActiveSource(context.Background(), "RADIO"); err != nil {
		t.Fatalf("SetActiveSource: %v", err)
	}
	req := dev.last()
	if req.path != pathActiveSource || req.body != `{"sourceType":{"type":"RADIO"}}` {
		t.Errorf("request = %s %q", req.path, req.body)
	}
}

func TestNonSuccessStatusIsTransportError(t *testing.T) {
	dev := newFakeDevice()
	dev.status["POST "+pathPlay] = http.StatusInternalServerError
	ch := newTestChannel(t, dev)

	err := ch.Play(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if te.StatusCode != http.StatusInternalServerError || te.Op != "play" {
		t.Errorf("TransportError = %+v", te)
	}
	if !errors.Is(err, ErrTransport) {
		t.Error("error does not match ErrTransport")
	}

	dev.mu.Lock()
	n := len(dev.requests)
	dev.mu.Unlock()
	if n != 1 {
		t.Errorf("device saw %d requests, want 1 (no retry)", n)
	}
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ch := New(transport.NewAddress("127.0.0.1", port), Options{}, testLogger())
	err = ch.Probe(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ch := New(transport.NewAddress(host, port), Options{KeepAlive: 150 * time.Millisecond}, testLogger())

	if got := ch.ProbeTimeout(); got != 100*time.Millisecond {
		t.Errorf("ProbeTimeout() = %v, want 100ms", got)
	}

	start := time.Now()
	err := ch.Probe(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("probe took %v", elapsed)
	}
}

func TestAddressChangeAppliesToNextCall(t *testing.T) {
	first := newFakeDevice()
	second := newFakeDevice()
	srv1 := httptest.NewServer(first)
	defer srv1.Close()
	srv2 := httptest.NewServer(second)
	defer srv2.Close()

	addr := transport.NewAddress("127.0.0.1", srv1.Listener.Addr().(*net.TCPAddr).Port)
	ch := New(addr, Options{}, testLogger())

	if err := ch.Play(context.Background()); err != nil {
		t.Fatal(err)
	}
	addr.Set("127.0.0.1", srv2.Listener.Addr().(*net.TCPAddr).Port)
	if err := ch.Pause(context.Background()); err != nil {
		t.Fatal(err)
	}
	if first.last().path != pathPlay || second.last().path != pathPause {
		t.Errorf("requests went to the wrong device")
	}
}
