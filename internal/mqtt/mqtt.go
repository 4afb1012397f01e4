// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for every registered entity, and forwards state
// updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/sonicare/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	NodeID          string
}

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
	// payloadUnknown is what Home Assistant reads as an unknown sensor state.
	payloadUnknown = "None"
)

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, entity
// states, attributes and availability, and follows the EventBus.
type HAPublisher struct {
	cfg   Config
	store state.StateReader
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client
	// send delivers one message; it defaults to the broker client.
	send func(topic, payload string, retained bool)

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, store state.StateReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "sonicare"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "sonicared"
	}
	p := &HAPublisher{
		cfg:   cfg,
		store: store,
		bus:   bus,
		log:   log,
		stopC: make(chan struct{}),
	}
	p.send = p.clientPublish
	return p
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery and the state snapshot are published on every (re)connect.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("sonicared-%s", p.cfg.NodeID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.bridgeTopic(), payloadOffline, 1, true).
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

	p.startEventLoop()
	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

func (p *HAPublisher) startEventLoop() {
	evtCh, unsub := p.bus.Subscribe(256)
	p.unsub = unsub
	p.wg.Add(1)
	go p.eventLoop(evtCh)
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.bridgeTopic(), payloadOffline, true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.publish(p.bridgeTopic(), payloadOnline, true)

	// Home Assistant birth message: re-announce everything.
	p.client.Subscribe(p.cfg.DiscoveryPrefix+"/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == payloadOnline {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishAll()
		}
	})

	p.publishAll()
}

// publishAll publishes discovery and the current state of every entity.
func (p *HAPublisher) publishAll() {
	for _, ent := range p.store.Snapshot() {
		p.publishDiscovery(ent.Info)
		if ent.State != nil {
			p.publishState(*ent.State)
		}
	}
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// objectID turns a unique id into a topic-safe identifier.
func objectID(uniqueID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(uniqueID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// discoveryTopic builds the HA auto-discovery topic of a sensor entity.
func (p *HAPublisher) discoveryTopic(uniqueID string) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", p.cfg.DiscoveryPrefix, p.cfg.NodeID, objectID(uniqueID))
}

func (p *HAPublisher) discoveryPayload(info state.EntityInfo) map[string]interface{} {
	id := objectID(info.UniqueID)
	dev := map[string]interface{}{
		"identifiers":  info.Device.Identifiers,
		"name":         info.Device.Name,
		"manufacturer": info.Device.Manufacturer,
	}
	if len(info.Device.Connections) > 0 {
		dev["connections"] = info.Device.Connections
	}
	if info.Device.Model != "" {
		dev["model"] = info.Device.Model
	}

	payload := map[string]interface{}{
		"name":                  info.Name,
		"unique_id":             info.UniqueID,
		"object_id":             id,
		"state_topic":           p.entityTopic(id, "state"),
		"json_attributes_topic": p.entityTopic(id, "attributes"),
		"availability": []map[string]string{
			{"topic": p.bridgeTopic()},
			{"topic": p.entityTopic(id, "availability")},
		},
		"availability_mode":  "all",
		"enabled_by_default": info.EnabledDefault,
		"device":             dev,
	}
	if info.DeviceClass != "" {
		payload["device_class"] = info.DeviceClass
	}
	if info.StateClass != "" {
		payload["state_class"] = info.StateClass
	}
	if info.Unit != "" {
		payload["unit_of_measurement"] = info.Unit
	}
	if info.Category != "" {
		payload["entity_category"] = info.Category
	}
	return payload
}

func (p *HAPublisher) publishDiscovery(info state.EntityInfo) {
	data, err := json.Marshal(p.discoveryPayload(info))
	if err != nil {
		p.log.Error("failed to marshal discovery config", "unique_id", info.UniqueID, "error", err)
		return
	}
	p.publish(p.discoveryTopic(info.UniqueID), string(data), true)
}

// removeDiscovery clears the retained config and state of a removed entity.
func (p *HAPublisher) removeDiscovery(info state.EntityInfo) {
	id := objectID(info.UniqueID)
	p.publish(p.discoveryTopic(info.UniqueID), "", true)
	p.publish(p.entityTopic(id, "state"), "", true)
	p.publish(p.entityTopic(id, "attributes"), "", true)
	p.publish(p.entityTopic(id, "availability"), "", true)
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishState(st state.EntityState) {
	id := objectID(st.UniqueID)

	value := st.State
	if value == "" {
		value = payloadUnknown
	}
	p.publish(p.entityTopic(id, "state"), value, true)

	attrs, err := json.Marshal(map[string]interface{}{
		"assumed_state": st.AssumedState,
		"updated_at":    st.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.log.Error("failed to marshal attributes", "unique_id", st.UniqueID, "error", err)
	} else {
		p.publish(p.entityTopic(id, "attributes"), string(attrs), true)
	}

	avail := payloadOffline
	if st.Available {
		avail = payloadOnline
	}
	p.publish(p.entityTopic(id, "availability"), avail, true)
}

func (p *HAPublisher) publishEntryStatus(st state.EntryStatus) {
	data, err := json.Marshal(st)
	if err != nil {
		p.log.Error("failed to marshal entry status", "entry_id", st.EntryID, "error", err)
		return
	}
	p.publish(p.topic("entries/"+objectID(st.EntryID)+"/status"), string(data), true)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

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
	case state.EventEntityAdded:
		info, ok := evt.Data.(state.EntityInfo)
		if !ok {
			p.log.Warn("unexpected data type for entity_added")
			return
		}
		p.publishDiscovery(info)

	case state.EventEntityRemoved:
		info, ok := evt.Data.(state.EntityInfo)
		if !ok {
			p.log.Warn("unexpected data type for entity_removed")
			return
		}
		p.removeDiscovery(info)

	case state.EventStateChanged:
		st, ok := evt.Data.(state.EntityState)
		if !ok {
			p.log.Warn("unexpected data type for state_changed")
			return
		}
		p.publishState(st)

	case state.EventEntryStatus:
		st, ok := evt.Data.(state.EntryStatus)
		if !ok {
			p.log.Warn("unexpected data type for entry_status")
			return
		}
		p.publishEntryStatus(st)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a bridge-level topic: {prefix}/{node_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.NodeID, suffix)
}

// bridgeTopic carries the daemon's own availability.
func (p *HAPublisher) bridgeTopic() string {
	return p.topic("status")
}

// entityTopic builds a per-entity topic: {prefix}/{object_id}/{suffix}.
func (p *HAPublisher) entityTopic(id, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, id, suffix)
}

func (p *HAPublisher) publish(topic, payload string, retained bool) {
	p.send(topic, payload, retained)
}

// clientPublish publishes a message on the broker and logs errors.
func (p *HAPublisher) clientPublish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}
