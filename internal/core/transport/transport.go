package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DefaultPort is the device's HTTP port when none is given.
const DefaultPort = 8080

// NotificationsPath is the device's streaming notification endpoint.
const NotificationsPath = "/BeoNotify/Notifications"

// Address identifies the device. It can be updated in place while a session
// is running; readers always see a consistent host/port pair.
type Address struct {
	mu   sync.RWMutex
	host string
	port int
}

// NewAddress returns an address; a zero port means DefaultPort.
func NewAddress(host string, port int) *Address {
	a := &Address{}
	a.Set(host, port)
	return a
}

// Set replaces the host and port.
func (a *Address) Set(host string, port int) {
	if port == 0 {
		port = DefaultPort
	}
	a.mu.Lock()
	a.host = host
	a.port = port
	a.mu.Unlock()
}

// SetHost replaces only the host, keeping the port.
func (a *Address) SetHost(host string) {
	a.mu.Lock()
	a.host = host
	a.mu.Unlock()
}

// HostPort returns "host:port".
func (a *Address) HostPort() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return net.JoinHostPort(a.host, strconv.Itoa(a.port))
}

// URL returns the absolute http URL for path.
func (a *Address) URL(path string) string {
	return "http://" + a.HostPort() + path
}

// Stream is an open notification stream.
type Stream interface {
	io.ReadCloser
}

// Dialer opens notification streams.
type Dialer interface {
	Dial(ctx context.Context, addr *Address) (Stream, error)
}

// --- HTTP Dialer ---

// HTTPDialer opens the notification stream as a long-lived GET request.
type HTTPDialer struct {
	client *http.Client
	log    *slog.Logger
}

// NewHTTPDialer creates a dialer. connectTimeout bounds the TCP dial and the
// wait for response headers; the body itself has no deadline.
func NewHTTPDialer(connectTimeout time.Duration, log *slog.Logger) *HTTPDialer {
	tr := cleanhttp.DefaultTransport()
	tr.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	tr.ResponseHeaderTimeout = connectTimeout
	// The stream is never reused; keep it off the idle pool.
	tr.DisableKeepAlives = true

	return &HTTPDialer{
		client: &http.Client{Transport: tr},
		log:    log,
	}
}

// Dial issues the streaming request. The returned stream stays open until it
// is closed or ctx is cancelled.
func (d *HTTPDialer) Dial(ctx context.Context, addr *Address) (Stream, error) {
	url := addr.URL(NotificationsPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	d.log.Debug("opening notification stream", "url", url)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("transport: dial %s: HTTP %d", url, resp.StatusCode)
	}

	d.log.Info("notification stream open", "address", addr.HostPort())
	return resp.Body, nil
}
