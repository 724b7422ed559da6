// Package control issues request/response commands against the device's
// BeoZone REST surface.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/trymwestin/beoremote/internal/core/transport"
	"github.com/trymwestin/beoremote/internal/core/volume"
)

// Device endpoints.
const (
	pathZone         = "/BeoZone/Zone"
	pathVolumeLevel  = "/BeoZone/Zone/Sound/Volume/Speaker/Level"
	pathVolumeMuted  = "/BeoZone/Zone/Sound/Volume/Speaker/Muted"
	pathPlayPointer  = "/BeoZone/Zone/PlayQueue/PlayPointer"
	pathPlay         = "/BeoZone/Zone/Stream/Play"
	pathPause        = "/BeoZone/Zone/Stream/Pause"
	pathBackward     = "/BeoZone/Zone/Stream/Backward"
	pathForward      = "/BeoZone/Zone/Stream/Forward"
	pathSources      = "/BeoZone/Zone/Sources"
	pathActiveSource = "/BeoZone/Zone/ActiveSourceType"
)

const (
	defaultKeepAlive   = 5 * time.Second
	defaultCallTimeout = 10 * time.Second
)

// ErrTransport is matched by every TransportError.
var ErrTransport = errors.New("control: transport failure")

// TransportError reports a failed control call: either the request never got
// a response (Err set) or the device answered with a non-2xx status.
type TransportError struct {
	Op         string
	Method     string
	Path       string
	StatusCode int
	Status     string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("control: %s: %s %s: %v", e.Op, e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("control: %s: %s %s: %s", e.Op, e.Method, e.Path, e.Status)
}

// Unwrap exposes ErrTransport and the underlying cause.
func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTransport, e.Err}
	}
	return []error{ErrTransport}
}

// PlayPointer is the play-queue position.
type PlayPointer struct {
	Position float64 `json:"position"`
}

// SourceEntry is one raw entry of the source catalog: a JSON array whose
// first element is the source key and second its descriptor.
type SourceEntry []json.RawMessage

// SourceCatalog is the unshaped response of ListSources.
type SourceCatalog struct {
	Sources []SourceEntry `json:"sources"`
}

// Channel issues control commands. Calls are independent and safe for
// concurrent use; the only shared state is the Address, read once per call.
type Channel struct {
	addr         *transport.Address
	client       *http.Client
	probeTimeout time.Duration
	log          *slog.Logger
}

// Options configures a Channel.
type Options struct {
	// KeepAlive is the liveness probe interval; the probe timeout is
	// KeepAlive / 1.5. Default 5s.
	KeepAlive time.Duration
	// Timeout bounds every other call. Default 10s.
	Timeout time.Duration
	// HTTPClient overrides the pooled default client.
	HTTPClient *http.Client
}

// New creates a control channel for addr.
func New(addr *transport.Address, opts Options, log *slog.Logger) *Channel {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
		client.Timeout = opts.Timeout
	}
	return &Channel{
		addr:         addr,
		client:       client,
		probeTimeout: time.Duration(float64(opts.KeepAlive) / 1.5),
		log:          log,
	}
}

// ProbeTimeout returns the bound applied to each Probe call.
func (c *Channel) ProbeTimeout() time.Duration {
	return c.probeTimeout
}

// Probe checks that the device answers. It is used only for liveness.
func (c *Channel) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	return c.call(ctx, "probe", http.MethodGet, pathZone, nil, nil)
}

// GetVolume returns the speaker volume as a percentage in [0,1].
func (c *Channel) GetVolume(ctx context.Context) (float64, error) {
	var resp struct {
		Level int `json:"level"`
	}
	if err := c.call(ctx, "get volume", http.MethodGet, pathVolumeLevel, nil, &resp); err != nil {
		return 0, err
	}
	return volume.ToPercentage(resp.Level), nil
}

// SetVolume sets the speaker volume from a percentage in [0,1].
func (c *Channel) SetVolume(ctx context.Context, percentage float64) error {
	level := volume.ToDeviceLevel(percentage)
	c.log.Debug("set volume", "percentage", percentage, "level", level)
	return c.call(ctx, "set volume", http.MethodPut, pathVolumeLevel, map[string]int{"level": level}, nil)
}

// GetMuted reports whether the speaker is muted.
func (c *Channel) GetMuted(ctx context.Context) (bool, error) {
	var resp struct {
		Muted bool `json:"muted"`
	}
	if err := c.call(ctx, "get muted", http.MethodGet, pathVolumeMuted, nil, &resp); err != nil {
		return false, err
	}
	return resp.Muted, nil
}

// SetMuted mutes or unmutes the speaker.
func (c *Channel) SetMuted(ctx context.Context, muted bool) error {
	return c.call(ctx, "set muted", http.MethodPut, pathVolumeMuted, map[string]bool{"muted": muted}, nil)
}

// GetPosition returns the play-queue position in seconds.
func (c *Channel) GetPosition(ctx context.Context) (float64, error) {
	var resp struct {
		PlayPointer PlayPointer `json:"playPointer"`
	}
	if err := c.call(ctx, "get position", http.MethodGet, pathPlayPointer, nil, &resp); err != nil {
		return 0, err
	}
	return resp.PlayPointer.Position, nil
}

// SetPosition seeks within the current queue item.
func (c *Channel) SetPosition(ctx context.Context, seconds float64) error {
	body := map[string]PlayPointer{"playPointer": {Position: seconds}}
	return c.call(ctx, "set position", http.MethodPost, pathPlayPointer, body, nil)
}

// Play resumes playback.
func (c *Channel) Play(ctx context.Context) error {
	return c.call(ctx, "play", http.MethodPost, pathPlay, nil, nil)
}

// Pause pauses playback.
func (c *Channel) Pause(ctx context.Context) error {
	return c.call(ctx, "pause", http.MethodPost, pathPause, nil, nil)
}

// Previous skips backward.
func (c *Channel) Previous(ctx context.Context) error {
	return c.call(ctx, "previous", http.MethodPost, pathBackward, nil, nil)
}

// Next skips forward.
func (c *Channel) Next(ctx context.Context) error {
	return c.call(ctx, "next", http.MethodPost, pathForward, nil, nil)
}

// ListSources returns the raw source catalog.
func (c *Channel) ListSources(ctx context.Context) (SourceCatalog, error) {
	var catalog SourceCatalog
	if err := c.call(ctx, "list sources", http.MethodGet, pathSources, nil, &catalog); err != nil {
		return SourceCatalog{}, err
	}
	return catalog, nil
}

// SetActiveSource selects the source whose type is id.
func (c *Channel) SetActiveSource(ctx context.Context, id string) error {
	body := map[string]map[string]string{"sourceType": {"type": id}}
	return c.call(ctx, "set active source", http.MethodPost, pathActiveSource, body, nil)
}

// call performs one request. A nil body sends no payload; a nil out
// discards the response.
func (c *Channel) call(ctx context.Context, op, method, path string, body, out any) error {
	fail := func(status int, statusText string, err error) error {
		return &TransportError{Op: op, Method: method, Path: path, StatusCode: status, Status: statusText, Err: err}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fail(0, "", fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr.URL(path), reader)
	if err != nil {
		return fail(0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fail(resp.StatusCode, resp.Status, nil)
	}

	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fail(resp.StatusCode, resp.Status, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
