// Package hass publishes printers to Home Assistant through MQTT discovery.
package hass

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/haghost5/hag5bridge/printer"
	"github.com/haghost5/hag5bridge/registry"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	publishTimeout       = 5 * time.Second
	connectRetryInterval = 10 * time.Second
)

// Options configure the bridge.
type Options struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	DiscoveryPrefix string
	TopicPrefix     string
}

// MQTTClient is the part of the paho client the bridge publishes through.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Bridge mirrors printer readings to MQTT and announces them to Home
// Assistant.
type Bridge struct {
	client     MQTTClient
	opts       Options
	disconnect func()

	mu       sync.Mutex
	entries  map[string]registry.Entry
	readings map[string]map[string]printer.Reading // entry id -> key -> reading
}

// New creates a bridge publishing through client.
func New(client MQTTClient, opts Options) *Bridge {
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = registry.Domain
	}
	return &Bridge{
		client:   client,
		opts:     opts,
		entries:  make(map[string]registry.Entry),
		readings: make(map[string]map[string]printer.Reading),
	}
}

// Connect creates a paho client for opts.Broker and a bridge on top of it.
// The broker stores an "offline" bridge availability as the client's will.
// A broker that cannot be reached yet is retried in the background.
func Connect(opts Options) *Bridge {
	b := New(nil, opts)

	client := mqtt.NewClient(b.clientOptions())
	b.client = client
	b.disconnect = func() { client.Disconnect(250) }

	token := client.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Warnf("MQTT connection to %s failed: %v", opts.Broker, token.Error())
		}
	}()
	return b
}

func (b *Bridge) clientOptions() *mqtt.ClientOptions {
	clientID := b.opts.ClientID
	if clientID == "" {
		clientID = "hag5bridge-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(b.opts.Broker)
	if b.opts.Username != "" {
		mo.SetUsername(b.opts.Username)
		mo.SetPassword(b.opts.Password)
	}
	mo.SetClientID(clientID)
	mo.SetAutoReconnect(true)
	mo.SetConnectRetry(true)
	mo.SetConnectRetryInterval(connectRetryInterval)
	mo.SetWill(b.bridgeAvailabilityTopic(), payloadOffline, 1, true)
	mo.SetOnConnectHandler(func(mqtt.Client) {
		log.Infof("Connected to MQTT broker %s", b.opts.Broker)
		b.announceAll()
	})
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("Lost connection to MQTT broker: %v", err)
	})
	return mo
}

// Close marks the bridge offline and disconnects.
func (b *Bridge) Close() {
	b.publish(b.bridgeAvailabilityTopic(), true, payloadOffline)
	if b.disconnect != nil {
		b.disconnect()
	}
}

// EntryLoaded announces every sensor of the entry's printer.
func (b *Bridge) EntryLoaded(e registry.Entry, readings []printer.Reading) {
	b.mu.Lock()
	b.entries[e.ID] = e
	byKey := make(map[string]printer.Reading, len(readings))
	for _, r := range readings {
		byKey[r.Key] = r
	}
	b.readings[e.ID] = byKey
	b.mu.Unlock()

	b.announce(e, readings)
}

// ReadingChanged publishes the new state of one sensor.
func (b *Bridge) ReadingChanged(e registry.Entry, r printer.Reading) {
	b.mu.Lock()
	if byKey, ok := b.readings[e.ID]; ok {
		byKey[r.Key] = r
	}
	b.mu.Unlock()

	b.publishReading(e, r)
	if r.Key == printer.KeyOnline {
		b.publishAvailability(e, r)
	}
}

// EntryUnloaded removes the printer's entities from Home Assistant.
func (b *Bridge) EntryUnloaded(e registry.Entry) {
	b.mu.Lock()
	byKey := b.readings[e.ID]
	delete(b.entries, e.ID)
	delete(b.readings, e.ID)
	b.mu.Unlock()

	b.publish(b.availabilityTopic(e), true, payloadOffline)
	for key, r := range byKey {
		b.publish(b.configTopic(e, key, r.Binary), true, "")
	}
}

// announceAll republishes discovery for every loaded entry after a
// (re)connect.
func (b *Bridge) announceAll() {
	b.publish(b.bridgeAvailabilityTopic(), true, payloadOnline)

	b.mu.Lock()
	type loaded struct {
		entry    registry.Entry
		readings []printer.Reading
	}
	var all []loaded
	for id, e := range b.entries {
		l := loaded{entry: e}
		for _, r := range b.readings[id] {
			l.readings = append(l.readings, r)
		}
		all = append(all, l)
	}
	b.mu.Unlock()

	for _, l := range all {
		b.announce(l.entry, l.readings)
	}
}

func (b *Bridge) announce(e registry.Entry, readings []printer.Reading) {
	for _, r := range readings {
		b.publishJSON(b.configTopic(e, r.Key, r.Binary), true, b.discoveryConfig(e, r))
		b.publishReading(e, r)
		if r.Key == printer.KeyOnline {
			b.publishAvailability(e, r)
		}
	}
}

func (b *Bridge) publishAvailability(e registry.Entry, r printer.Reading) {
	payload := payloadOffline
	if online, _ := r.State.(bool); online {
		payload = payloadOnline
	}
	b.publish(b.availabilityTopic(e), true, payload)
}

func (b *Bridge) publishReading(e registry.Entry, r printer.Reading) {
	state, ok := statePayload(r)
	if !ok {
		return
	}
	b.publish(b.stateTopic(e, r.Key), true, state)
	if len(r.Attributes) > 0 {
		b.publishJSON(b.attributesTopic(e, r.Key), true, r.Attributes)
	}
}

// statePayload renders a reading state as an MQTT payload. Unknown states
// are not published.
func statePayload(r printer.Reading) (string, bool) {
	switch v := r.State.(type) {
	case nil:
		return "", false
	case bool:
		if v {
			return "ON", true
		}
		return "OFF", true
	case float64:
		return fmt.Sprintf("%.2f", v), true
	default:
		return fmt.Sprint(v), true
	}
}

// discoveryConfig builds the Home Assistant discovery payload of a sensor.
func (b *Bridge) discoveryConfig(e registry.Entry, r printer.Reading) map[string]interface{} {
	info := e.DeviceInfo()
	ids := make([]string, 0, len(info.Identifiers))
	for _, id := range info.Identifiers {
		ids = append(ids, strings.Join(id, "_"))
	}

	cfg := map[string]interface{}{
		"name":                  r.Name,
		"unique_id":             fmt.Sprintf("%s_%s_%s", registry.Domain, slug(e.IPAddress), r.Key),
		"object_id":             b.objectID(e, r.Key),
		"state_topic":           b.stateTopic(e, r.Key),
		"json_attributes_topic": b.attributesTopic(e, r.Key),
		"device": map[string]interface{}{
			"identifiers":  ids,
			"manufacturer": info.Manufacturer,
			"model":        info.Model,
			"name":         info.Name,
		},
	}

	// The online sensor must stay available to report the printer offline.
	availability := []map[string]string{{"topic": b.bridgeAvailabilityTopic()}}
	if r.Key != printer.KeyOnline {
		availability = append(availability, map[string]string{"topic": b.availabilityTopic(e)})
	}
	cfg["availability"] = availability
	cfg["availability_mode"] = "all"

	if r.Unit != "" {
		cfg["unit_of_measurement"] = r.Unit
	}
	if r.DeviceClass != "" && r.DeviceClass != "enum" {
		cfg["device_class"] = r.DeviceClass
	}
	switch r.Key {
	case printer.KeyNozzleTemperature, printer.KeyNozzleTarget,
		printer.KeyBedTemperature, printer.KeyBedTarget, printer.KeyProgress:
		cfg["state_class"] = "measurement"
	case printer.KeyPrinterIP, printer.KeyStepsPerUnit:
		cfg["entity_category"] = "diagnostic"
	}
	return cfg
}

// objectID names the entity after the sensor alone while a single printer
// is loaded. With several printers the address is part of it so entity ids
// do not collide.
func (b *Bridge) objectID(e registry.Entry, key string) string {
	b.mu.Lock()
	n := len(b.entries)
	_, loaded := b.entries[e.ID]
	b.mu.Unlock()
	if !loaded {
		n++
	}
	if n <= 1 {
		return fmt.Sprintf("%s_%s", registry.Domain, key)
	}
	return fmt.Sprintf("%s_%s_%s", registry.Domain, slug(e.IPAddress), key)
}

func (b *Bridge) configTopic(e registry.Entry, key string, binary bool) string {
	component := "sensor"
	if binary {
		component = "binary_sensor"
	}
	return fmt.Sprintf("%s/%s/%s_%s/%s/config", b.opts.DiscoveryPrefix, component, registry.Domain, slug(e.IPAddress), key)
}

func (b *Bridge) stateTopic(e registry.Entry, key string) string {
	return fmt.Sprintf("%s/%s/%s", b.opts.TopicPrefix, slug(e.IPAddress), key)
}

func (b *Bridge) attributesTopic(e registry.Entry, key string) string {
	return b.stateTopic(e, key) + "/attributes"
}

func (b *Bridge) availabilityTopic(e registry.Entry) string {
	return fmt.Sprintf("%s/%s/availability", b.opts.TopicPrefix, slug(e.IPAddress))
}

func (b *Bridge) bridgeAvailabilityTopic() string {
	return b.opts.TopicPrefix + "/bridge/availability"
}

// slug makes an address usable as a topic level and entity id part.
func slug(ip string) string {
	return strings.NewReplacer(".", "_", ":", "_").Replace(ip)
}

func (b *Bridge) publishJSON(topic string, retained bool, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Failed to marshal payload for %s: %v", topic, err)
		return
	}
	b.publish(topic, retained, string(payload))
}

func (b *Bridge) publish(topic string, retained bool, payload string) {
	if b.client == nil {
		return
	}
	// Everything is announced again once the connection comes up.
	if c, ok := b.client.(interface{ IsConnectionOpen() bool }); ok && !c.IsConnectionOpen() {
		log.Debugf("MQTT not connected, skipping %s", topic)
		return
	}
	log.Debugf("MQTT PUB %s: %s", topic, payload)
	token := b.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Warnf("MQTT publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Warnf("MQTT publish to %s failed: %v", topic, err)
	}
}
