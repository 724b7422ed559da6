// Package device is the façade over one BeoNetRemote device: it owns the
// notification session, the liveness monitor and the control channel behind
// a single connect/disconnect lifecycle and one event surface.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/beoremote/internal/core/control"
	"github.com/trymwestin/beoremote/internal/core/liveness"
	"github.com/trymwestin/beoremote/internal/core/session"
	"github.com/trymwestin/beoremote/internal/core/state"
	"github.com/trymwestin/beoremote/internal/core/transport"
)

var (
	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = session.ErrAlreadyConnected

	// ErrNotConnected is returned by Reconnect when the client was never
	// connected or has been disconnected.
	ErrNotConnected = errors.New("device: not connected")
)

// Options configures a Client.
type Options struct {
	Host string
	// Port defaults to 8080.
	Port int
	// KeepAlive is the liveness probe interval. Default 5s.
	KeepAlive time.Duration
	// ConnectTimeout bounds opening the notification stream. Default 10s.
	ConnectTimeout time.Duration
	// Dialer overrides the HTTP stream dialer.
	Dialer transport.Dialer
}

// Client manages the connection to one device.
type Client struct {
	addr    *transport.Address
	dialer  transport.Dialer
	control *control.Channel
	monitor *liveness.Monitor
	store   *state.StateStore
	bus     *state.EventBus
	log     *slog.Logger

	connectTimeout time.Duration

	// lifeMu serializes Connect and Disconnect. Reconnect never takes it: it
	// runs on the monitor, which Disconnect waits for.
	lifeMu sync.Mutex
	wg     sync.WaitGroup

	// mu guards the fields below and is never held across network I/O.
	mu      sync.Mutex
	session *session.Session
	running bool
	cancel  context.CancelFunc
}

// NewClient creates a disconnected client.
func NewClient(opts Options, store *state.StateStore, bus *state.EventBus, log *slog.Logger) *Client {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = liveness.DefaultInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	addr := transport.NewAddress(opts.Host, opts.Port)
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewHTTPDialer(opts.ConnectTimeout, log.With("component", "stream"))
	}

	c := &Client{
		addr:           addr,
		dialer:         dialer,
		control:        control.New(addr, control.Options{KeepAlive: opts.KeepAlive}, log.With("component", "control")),
		store:          store,
		bus:            bus,
		log:            log,
		connectTimeout: opts.ConnectTimeout,
	}
	c.monitor = liveness.New(liveness.Config{
		Prober:      c.control,
		Reconnector: c,
		Reporter:    store,
		Interval:    opts.KeepAlive,
	}, log.With("component", "liveness"))
	return c
}

// Connect opens the notification stream, starts the liveness monitor and
// fetches the source list in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		return ErrAlreadyConnected
	}

	sess := c.newSession()
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("device: connect %s: %w", c.addr.HostPort(), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.session = sess
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	c.store.MarkAvailable(true)
	c.monitor.Start(runCtx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.refreshSources(runCtx)
	}()

	c.log.Info("device connected", "address", c.addr.HostPort())
	return nil
}

// Disconnect stops the monitor and closes the stream. No event is emitted
// after it returns. Safe to call in any state.
func (c *Client) Disconnect(_ context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	wasRunning := c.running
	cancel, sess := c.cancel, c.session
	c.running = false
	c.cancel, c.session = nil, nil
	c.mu.Unlock()

	if !wasRunning {
		return nil
	}

	// Closing the session first aborts a reconnect dial still in flight.
	cancel()
	if sess != nil {
		sess.Disconnect()
	}
	c.monitor.Stop()
	c.wg.Wait()

	c.store.MarkAvailable(false)
	c.log.Info("device disconnected", "address", c.addr.HostPort())
	return nil
}

// Reconnect replaces the current session with a new one. The old session is
// fully closed, buffer included, before the new one dials. The new session
// is installed before dialing so Disconnect can abort the dial.
func (c *Client) Reconnect(ctx context.Context) error {
	sess := c.newSession()

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotConnected
	}
	old := c.session
	c.session = sess
	c.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("device: reconnect %s: %w", c.addr.HostPort(), err)
	}
	c.log.Info("device reconnected", "address", c.addr.HostPort())
	return nil
}

// SessionActive reports whether a notification stream is open.
func (c *Client) SessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.State() == session.StateStreaming
}

// Connected reports whether Connect succeeded and Disconnect was not called.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Available reports the liveness monitor's view of the device.
func (c *Client) Available() bool {
	return c.Connected() && c.monitor.Alive()
}

// SetAddress updates the device address in place. The running session is
// kept; the next reconnect and every later control call use the new address.
func (c *Client) SetAddress(host string, port int) {
	c.addr.Set(host, port)
	c.log.Info("device address updated", "address", c.addr.HostPort())
}

// Address returns the current "host:port".
func (c *Client) Address() string {
	return c.addr.HostPort()
}

// Subscribe registers for events of the given types (all when none given).
// Close the returned subscription to unsubscribe.
func (c *Client) Subscribe(buffer int, types ...state.EventType) *state.Subscription {
	return c.bus.Subscribe(buffer, types...)
}

// State returns the state store for reading current state.
func (c *Client) State() *state.StateStore {
	return c.store
}

// Snapshot returns the latest known device state.
func (c *Client) Snapshot() state.State {
	return c.store.Snapshot()
}

// Sources returns the source list fetched after connect.
func (c *Client) Sources() []state.Source {
	return c.store.Sources()
}

func (c *Client) newSession() *session.Session {
	return session.New(c.dialer, c.addr, c.store.Apply, nil, c.log.With("component", "session"))
}

func (c *Client) refreshSources(ctx context.Context) {
	catalog, err := c.control.ListSources(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("failed to fetch sources", "error", err)
		}
		return
	}
	sources := ShapeSources(catalog)
	c.store.SetSources(sources)
	c.log.Info("sources loaded", "count", len(sources))
}

// ShapeSources turns the raw catalog into a source list. Entries without a
// friendly name or source type are skipped, as are repeated IDs.
func ShapeSources(catalog control.SourceCatalog) []state.Source {
	var desc struct {
		FriendlyName *string `json:"friendlyName"`
		SourceType   *struct {
			Type *string `json:"type"`
		} `json:"sourceType"`
	}

	seen := make(map[string]bool)
	sources := make([]state.Source, 0, len(catalog.Sources))
	for _, entry := range catalog.Sources {
		if len(entry) < 2 {
			continue
		}
		desc.FriendlyName, desc.SourceType = nil, nil
		if err := json.Unmarshal(entry[1], &desc); err != nil {
			continue
		}
		if desc.FriendlyName == nil || desc.SourceType == nil || desc.SourceType.Type == nil {
			continue
		}
		id := *desc.SourceType.Type
		if seen[id] {
			continue
		}
		seen[id] = true
		sources = append(sources, state.Source{ID: id, DisplayName: *desc.FriendlyName})
	}
	return sources
}

// Play resumes playback.
func (c *Client) Play(ctx context.Context) error { return c.control.Play(ctx) }

// Pause pauses playback.
func (c *Client) Pause(ctx context.Context) error { return c.control.Pause(ctx) }

// Previous skips backward.
func (c *Client) Previous(ctx context.Context) error { return c.control.Previous(ctx) }

// Next skips forward.
func (c *Client) Next(ctx context.Context) error { return c.control.Next(ctx) }

// GetVolume returns the volume as a percentage in [0,1].
func (c *Client) GetVolume(ctx context.Context) (float64, error) { return c.control.GetVolume(ctx) }

// SetVolume sets the volume from a percentage in [0,1].
func (c *Client) SetVolume(ctx context.Context, percentage float64) error {
	return c.control.SetVolume(ctx, percentage)
}

// GetMuted reports whether the speaker is muted.
func (c *Client) GetMuted(ctx context.Context) (bool, error) { return c.control.GetMuted(ctx) }

// SetMuted mutes or unmutes the speaker.
func (c *Client) SetMuted(ctx context.Context, muted bool) error { return c.control.SetMuted(ctx, muted) }

// GetPosition returns the play position in seconds.
func (c *Client) GetPosition(ctx context.Context) (float64, error) { return c.control.GetPosition(ctx) }

// SetPosition seeks to seconds.
func (c *Client) SetPosition(ctx context.Context, seconds float64) error {
	return c.control.SetPosition(ctx, seconds)
}

// ListSources returns the raw source catalog from the device.
func (c *Client) ListSources(ctx context.Context) (control.SourceCatalog, error) {
	return c.control.ListSources(ctx)
}

// SetActiveSource selects a source by ID.
func (c *Client) SetActiveSource(ctx context.Context, id string) error {
	return c.control.SetActiveSource(ctx, id)
}
