package state

import (
	"log/slog"
	"sync"
	"time"
)

// Track is the currently playing item as reported by the device.
type Track struct {
	Name            string `json:"name"`
	Artist          string `json:"artist"`
	Album           string `json:"album"`
	ImageURL        string `json:"image_url,omitempty"`
	DurationSeconds *int   `json:"duration_seconds,omitempty"`
	QueueItemID     string `json:"queue_item_id,omitempty"`
}

// Transport holds play state and position.
type Transport struct {
	Playing         bool    `json:"playing"`
	PositionSeconds float64 `json:"position_seconds"`
}

// Volume holds the normalized speaker volume in [0,1].
type Volume struct {
	Percentage float64 `json:"percentage"`
}

// Source is a selectable input on the device.
type Source struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// State is a snapshot of everything known about the device.
type State struct {
	Available bool       `json:"available"`
	Track     *Track     `json:"track,omitempty"`
	Transport *Transport `json:"transport,omitempty"`
	Volume    *Volume    `json:"volume,omitempty"`
	Sources   []Source   `json:"sources"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// EventType identifies event categories.
type EventType string

const (
	EventTrack       EventType = "track"
	EventState       EventType = "state"
	EventVolume      EventType = "volume"
	EventAvailable   EventType = "available"
	EventUnavailable EventType = "unavailable"
	EventSources     EventType = "sources"
)

// Event represents a state change. Data holds a Track, Transport, Volume or
// []Source depending on Type; availability events carry no data.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// TrackEvent builds a track event.
func TrackEvent(t Track) Event { return Event{Type: EventTrack, Data: t} }

// TransportEvent builds a state event.
func TransportEvent(t Transport) Event { return Event{Type: EventState, Data: t} }

// VolumeEvent builds a volume event.
func VolumeEvent(v Volume) Event { return Event{Type: EventVolume, Data: v} }

// StateReader provides read-only access to state.
type StateReader interface {
	Snapshot() State
}

// --- EventBus ---

// EventBus is a publish/subscribe bus. Publishing never blocks: a subscriber
// whose buffer is full misses the event and a warning is logged.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]*Subscription
	nextID      int
	log         *slog.Logger
}

// Subscription is the handle returned by Subscribe. Close revokes it.
type Subscription struct {
	bus   *EventBus
	id    int
	ch    chan Event
	types map[EventType]bool
	once  sync.Once
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]*Subscription),
		log:         log,
	}
}

// Publish sends an event to every subscriber interested in its type.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe registers a subscriber for the given event types, or for every
// type when none are given.
func (b *EventBus) Subscribe(buffer int, types ...EventType) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	sub := &Subscription{bus: b, ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	sub.id = b.nextID
	b.nextID++
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Len returns the number of live subscriptions.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// C returns the channel events are delivered on. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the event channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

func (s *Subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// --- StateStore ---

// StateStore holds the latest device state and publishes every change.
type StateStore struct {
	mu        sync.RWMutex
	available bool
	track     *Track
	transport *Transport
	volume    *Volume
	sources   []Source
	updatedAt time.Time
	bus       *EventBus
	log       *slog.Logger
}

// NewStateStore creates a new store wired to the event bus.
func NewStateStore(bus *EventBus, log *slog.Logger) *StateStore {
	return &StateStore{
		bus: bus,
		log: log,
	}
}

// Snapshot returns a copy of all state.
func (s *StateStore) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := State{
		Available: s.available,
		Sources:   append([]Source(nil), s.sources...),
		UpdatedAt: s.updatedAt,
	}
	if s.track != nil {
		t := *s.track
		snap.Track = &t
	}
	if s.transport != nil {
		t := *s.transport
		snap.Transport = &t
	}
	if s.volume != nil {
		v := *s.volume
		snap.Volume = &v
	}
	return snap
}

// Apply records a domain event and publishes it.
func (s *StateStore) Apply(evt Event) {
	s.mu.Lock()
	switch d := evt.Data.(type) {
	case Track:
		s.track = &d
	case Transport:
		s.transport = &d
	case Volume:
		s.volume = &d
	default:
		s.log.Debug("state: event without stored payload", "event_type", evt.Type)
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.bus.Publish(evt)
}

// SetAvailable records device availability and publishes the matching event.
func (s *StateStore) SetAvailable(available bool) {
	s.mu.Lock()
	s.available = available
	s.updatedAt = time.Now()
	s.mu.Unlock()

	if available {
		s.bus.Publish(Event{Type: EventAvailable})
	} else {
		s.bus.Publish(Event{Type: EventUnavailable})
	}
}

// MarkAvailable records availability without publishing. Used for the
// initial connect, which is not a recovery.
func (s *StateStore) MarkAvailable(available bool) {
	s.mu.Lock()
	s.available = available
	s.mu.Unlock()
}

// SetSources replaces the source list.
func (s *StateStore) SetSources(sources []Source) {
	s.mu.Lock()
	s.sources = append([]Source(nil), sources...)
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventSources, Data: append([]Source(nil), sources...)})
}

// Sources returns the last fetched source list.
func (s *StateStore) Sources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Source(nil), s.sources...)
}
