// Package mqtt bridges the device to Home Assistant over MQTT: discovery
// configs, retained state topics fed from the event bus, and command topics
// relayed to the device.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/trymwestin/beoremote/internal/core/state"
)

const commandTimeout = 10 * time.Second

// Publisher is the lifecycle of an MQTT bridge.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// StubPublisher stands in when the bridge is disabled.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher returns a publisher that does nothing.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start logs that the bridge is off.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
	DeviceName  string
}

// DeviceCommander sends commands to the device without importing the device
// package directly.
type DeviceCommander interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	SetVolume(ctx context.Context, percentage float64) error
	SetMuted(ctx context.Context, muted bool) error
	SetActiveSource(ctx context.Context, id string) error
}

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher is the Home Assistant bridge for one device.
type HAPublisher struct {
	cfg   Config
	dev   DeviceCommander
	store state.StateReader
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	sub      *state.Subscription
	stopC    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHAPublisher creates a bridge; nothing connects until Start.
func NewHAPublisher(cfg Config, dev DeviceCommander, store state.StateReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:   cfg,
		dev:   dev,
		store: store,
		bus:   bus,
		log:   log,
		stopC: make(chan struct{}),
	}
}

// clientID is unique per process.
func (p *HAPublisher) clientID() string {
	return fmt.Sprintf("beoremote-%s-%s", p.cfg.DeviceID, uuid.NewString()[:8])
}

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery, command subscriptions and the initial state are published from
// the connect handler so they are repeated after every reconnect.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.clientID()).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.topic("status"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.sub = p.bus.Subscribe(128)
	p.wg.Add(1)
	go p.eventLoop(p.sub.C())

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop ends the event loop, marks the device offline and disconnects. Only
// the first call does anything.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.stopOnce.Do(func() {
		p.log.Info("MQTT publisher stopping")

		close(p.stopC)
		if p.sub != nil {
			p.sub.Close()
		}
		p.wg.Wait()

		if p.client != nil && p.client.IsConnected() {
			p.publish(p.topic("status"), "offline", true)
			p.client.Disconnect(1000)
		}
		p.log.Info("MQTT publisher stopped")
	})
	return nil
}

func (p *HAPublisher) onConnect() {
	p.publishDiscovery()
	p.subscribeCommands()

	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

func (p *HAPublisher) deviceInfo() map[string]any {
	return map[string]any{
		"identifiers":  []string{p.cfg.DeviceID},
		"name":         p.cfg.DeviceName,
		"manufacturer": "Bang & Olufsen",
		"model":        "BeoNetRemote",
	}
}

func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) entity(objectID, name string) map[string]any {
	return map[string]any{
		"name":      fmt.Sprintf("%s %s", p.cfg.DeviceName, name),
		"unique_id": fmt.Sprintf("%s_%s", p.cfg.DeviceID, objectID),
		"device":    p.deviceInfo(),
		"availability": map[string]any{
			"topic": p.topic("status"),
		},
	}
}

func (p *HAPublisher) publishDiscovery() {
	track := p.entity("track", "Track")
	track["state_topic"] = p.topic("track/state")
	track["value_template"] = "{{ value_json.name }}"
	track["json_attributes_topic"] = p.topic("track/state")
	track["icon"] = "mdi:music"
	p.publishDiscoveryConfig("sensor", "track", track)

	playing := p.entity("playing", "Playing")
	playing["state_topic"] = p.topic("playing/state")
	playing["payload_on"] = "ON"
	playing["payload_off"] = "OFF"
	p.publishDiscoveryConfig("binary_sensor", "playing", playing)

	// The connectivity sensor stays readable while the device is away.
	connection := p.entity("connection", "Connection")
	delete(connection, "availability")
	connection["state_topic"] = p.topic("connection/state")
	connection["device_class"] = "connectivity"
	connection["payload_on"] = "ON"
	connection["payload_off"] = "OFF"
	p.publishDiscoveryConfig("binary_sensor", "connection", connection)

	vol := p.entity("volume", "Volume")
	vol["state_topic"] = p.topic("volume/state")
	vol["command_topic"] = p.topic("volume/set")
	vol["min"] = 0
	vol["max"] = 100
	vol["step"] = 1
	vol["mode"] = "slider"
	vol["unit_of_measurement"] = "%"
	p.publishDiscoveryConfig("number", "volume", vol)

	mute := p.entity("mute", "Mute")
	mute["command_topic"] = p.topic("mute/set")
	mute["payload_on"] = "ON"
	mute["payload_off"] = "OFF"
	mute["optimistic"] = true
	p.publishDiscoveryConfig("switch", "mute", mute)

	for _, b := range []struct{ objectID, name, payload string }{
		{"play", "Play", "PLAY"},
		{"pause", "Pause", "PAUSE"},
		{"next", "Next", "NEXT"},
		{"previous", "Previous", "PREVIOUS"},
	} {
		btn := p.entity(b.objectID, b.name)
		btn["command_topic"] = p.topic("command")
		btn["payload_press"] = b.payload
		p.publishDiscoveryConfig("button", b.objectID, btn)
	}

	p.publishSourceDiscovery(p.store.Snapshot().Sources)
}

// publishSourceDiscovery advertises the source select. It is skipped until
// the source list is known.
func (p *HAPublisher) publishSourceDiscovery(sources []state.Source) {
	if len(sources) == 0 {
		return
	}
	options := make([]string, len(sources))
	for i, s := range sources {
		options[i] = s.DisplayName
	}
	sel := p.entity("source", "Source")
	sel["command_topic"] = p.topic("source/set")
	sel["options"] = options
	sel["optimistic"] = true
	p.publishDiscoveryConfig("select", "source", sel)
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]any) {
	topic := discoveryTopic(component, p.cfg.DeviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

func (p *HAPublisher) subscribeCommands() {
	cmds := map[string]pahomqtt.MessageHandler{
		p.topic("command"):    p.handleTransportCmd,
		p.topic("volume/set"): p.handleVolumeCmd,
		p.topic("mute/set"):   p.handleMuteCmd,
		p.topic("source/set"): p.handleSourceCmd,
	}

	for t, h := range cmds {
		token := p.client.Subscribe(t, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
		}
	}
}

func (p *HAPublisher) handleTransportCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	cmd := strings.ToUpper(strings.TrimSpace(string(msg.Payload())))
	var fn func(context.Context) error
	switch cmd {
	case "PLAY":
		fn = p.dev.Play
	case "PAUSE":
		fn = p.dev.Pause
	case "NEXT":
		fn = p.dev.Next
	case "PREVIOUS":
		fn = p.dev.Previous
	default:
		p.log.Warn("unknown transport command", "payload", cmd)
		return
	}

	p.log.Info("MQTT command: transport", "command", cmd)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		p.log.Error("transport command failed", "command", cmd, "error", err)
	}
}

func (p *HAPublisher) handleVolumeCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	raw := strings.TrimSpace(string(msg.Payload()))
	level, err := strconv.ParseFloat(raw, 64)
	if err != nil || level < 0 || level > 100 {
		p.log.Error("invalid volume value", "payload", raw, "error", err)
		return
	}
	p.log.Info("MQTT command: volume", "level", level)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := p.dev.SetVolume(ctx, level/100); err != nil {
		p.log.Error("failed to set volume", "error", err)
	}
}

func (p *HAPublisher) handleMuteCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	on := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")
	p.log.Info("MQTT command: mute", "muted", on)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := p.dev.SetMuted(ctx, on); err != nil {
		p.log.Error("failed to set mute", "error", err)
	}
}

func (p *HAPublisher) handleSourceCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	want := strings.TrimSpace(string(msg.Payload()))
	id, ok := resolveSource(p.store.Snapshot().Sources, want)
	if !ok {
		p.log.Warn("unknown source", "payload", want)
		return
	}
	p.log.Info("MQTT command: source", "id", id)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := p.dev.SetActiveSource(ctx, id); err != nil {
		p.log.Error("failed to set source", "error", err)
	}
}

// resolveSource maps a select option (display name) or a raw ID to an ID.
func resolveSource(sources []state.Source, want string) (string, bool) {
	for _, s := range sources {
		if s.DisplayName == want || s.ID == want {
			return s.ID, true
		}
	}
	return "", false
}

// publishFullState replays the current snapshot onto the state topics.
func (p *HAPublisher) publishFullState() {
	snap := p.store.Snapshot()

	p.publishAvailability(snap.Available)
	if snap.Track != nil {
		p.publishTrack(*snap.Track)
	}
	if snap.Transport != nil {
		p.publish(p.topic("playing/state"), boolToOnOff(snap.Transport.Playing), true)
	}
	if snap.Volume != nil {
		p.publish(p.topic("volume/state"), volumePercent(snap.Volume.Percentage), true)
	}
}

func (p *HAPublisher) publishAvailability(available bool) {
	status := "offline"
	if available {
		status = "online"
	}
	p.publish(p.topic("status"), status, true)
	p.publish(p.topic("connection/state"), boolToOnOff(available), true)
}

func (p *HAPublisher) publishTrack(t state.Track) {
	data, err := json.Marshal(t)
	if err != nil {
		p.log.Error("failed to marshal track", "error", err)
		return
	}
	p.publish(p.topic("track/state"), string(data), true)
}

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventTrack:
		t, ok := evt.Data.(state.Track)
		if !ok {
			p.log.Warn("unexpected data type for track event")
			return
		}
		p.publishTrack(t)

	case state.EventState:
		t, ok := evt.Data.(state.Transport)
		if !ok {
			p.log.Warn("unexpected data type for state event")
			return
		}
		p.publish(p.topic("playing/state"), boolToOnOff(t.Playing), true)

	case state.EventVolume:
		v, ok := evt.Data.(state.Volume)
		if !ok {
			p.log.Warn("unexpected data type for volume event")
			return
		}
		p.publish(p.topic("volume/state"), volumePercent(v.Percentage), true)

	case state.EventSources:
		sources, ok := evt.Data.([]state.Source)
		if !ok {
			p.log.Warn("unexpected data type for sources event")
			return
		}
		p.publishSourceDiscovery(sources)

	case state.EventAvailable:
		p.publishAvailability(true)

	case state.EventUnavailable:
		p.publishAvailability(false)
	}
}

// topic returns {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

// publish sends at QoS 1 and logs failures. It is a no-op while offline.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func volumePercent(p float64) string {
	return strconv.Itoa(int(math.Round(p * 100)))
}
