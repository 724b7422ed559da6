// Package beoremote provides a public facade re-exporting core types
// for external consumers of this module.
package beoremote

import (
	"log/slog"

	"github.com/trymwestin/beoremote/internal/core/device"
	"github.com/trymwestin/beoremote/internal/core/notify"
	"github.com/trymwestin/beoremote/internal/core/state"
	"github.com/trymwestin/beoremote/internal/core/transport"
	"github.com/trymwestin/beoremote/internal/core/volume"
)

// Re-export core types for external use.
type (
	// Client manages the connection to one BeoNetRemote device.
	Client = device.Client
	// Options configures a Client.
	Options = device.Options
	// State is a snapshot of all device state.
	State = state.State
	// Track is the currently playing item.
	Track = state.Track
	// Transport holds play state and position.
	Transport = state.Transport
	// Volume holds the normalized speaker volume.
	Volume = state.Volume
	// Source is a selectable input.
	Source = state.Source
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Subscription is an event subscription handle.
	Subscription = state.Subscription
	// ParseError describes a notification frame that could not be decoded.
	ParseError = notify.ParseError
	// Dialer opens notification streams.
	Dialer = transport.Dialer
	// Stream is an open notification stream.
	Stream = transport.Stream
)

// Event type constants.
const (
	EventTrack       = state.EventTrack
	EventState       = state.EventState
	EventVolume      = state.EventVolume
	EventAvailable   = state.EventAvailable
	EventUnavailable = state.EventUnavailable
	EventSources     = state.EventSources
)

// Errors.
var (
	ErrAlreadyConnected = device.ErrAlreadyConnected
	ErrNotConnected     = device.ErrNotConnected
	ErrParse            = notify.ErrParse
)

// New creates a disconnected client with its own event bus and state store.
func New(opts Options, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	bus := state.NewEventBus(log.With("component", "bus"))
	store := state.NewStateStore(bus, log.With("component", "state"))
	return device.NewClient(opts, store, bus, log)
}

// ToPercentage converts a device volume level to a percentage in [0,1].
func ToPercentage(level int) float64 { return volume.ToPercentage(level) }

// ToDeviceLevel converts a percentage in [0,1] to a device volume level.
func ToDeviceLevel(p float64) int { return volume.ToDeviceLevel(p) }
