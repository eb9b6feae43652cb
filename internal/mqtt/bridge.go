//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Controller is the part of the coordinator the bridge drives.
type Controller interface {
	SetValue(ctx context.Context, attr string, value any) (convert.Effect, error)
	Press(ctx context.Context, attr string) (convert.Attributes, error)
	Registry() *convert.Registry
	State() *coordinator.StateStore
	Events() *coordinator.EventBus
}

// TargetDirectory receives device_tracker entities announced on the
// broker.
type TargetDirectory interface {
	Upsert(t convert.Target, source string)
	Remove(id string)
}

const (
	publishTimeout = 5 * time.Second
	commandTimeout = 30 * time.Second
	trackerSource  = "mqtt"
)

var errPublishTimeout = errors.New("mqtt publish timeout")

// Bridge connects the vehicle coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client  pahomqtt.Client
	coord   Controller
	targets TargetDirectory
	prefix  string
	logger  *slog.Logger
	unsubs  []func()

	mu           sync.Mutex
	vehicle      coordinator.Vehicle
	discoveryKey string
}

// NewBridge creates and connects an MQTT bridge. targets may be nil.
func NewBridge(coord Controller, targets TargetDirectory, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:   coord,
		targets: targets,
		prefix:  cfg.TopicPrefix,
		logger:  logger.With("component", "mqtt"),
	}
	b.vehicle = vehicleFrom(coord.State().Snapshot())

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("wuling-go-home-"+uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.resetDiscovery()
			b.publishState(b.coord.State().Snapshot())
			b.subscribeCommands()
			b.subscribeTrackers()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to attribute changes and coordinator events, then
// publishes the current state so discovery does not wait for the next change.
func (b *Bridge) Start() {
	var interest []string
	for _, r := range b.coord.Registry().Rules() {
		interest = append(interest, r.Attr)
		if r.Kind == convert.KindDynamicEnum {
			interest = append(interest, convert.OptionsAttr(r.Attr), convert.LabelsAttr(r.Attr))
		}
	}
	b.unsubs = append(b.unsubs,
		b.coord.State().Subscribe(interest, b.publishState),
		b.coord.Events().OnAll(b.handleEvent),
	)
	if snap := b.coord.State().Snapshot(); len(snap) > 0 {
		b.publishState(snap)
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	for _, u := range b.unsubs {
		u()
	}
	b.unsubs = nil
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Publish sends a non-retained payload and waits for the broker to accept
// it. It makes the bridge usable as a notification transport.
func (b *Bridge) Publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errPublishTimeout
	}
	return token.Error()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventNotification, coordinator.EventCommand, coordinator.EventPollFailed:
		b.mu.Lock()
		v := b.vehicle
		b.mu.Unlock()
		b.publish(b.prefix+"/"+v.Short+"/event", mustJSON(event), false)
	}
}

// publishState publishes the retained state JSON and refreshes discovery
// when the vehicle identity or select options changed.
func (b *Bridge) publishState(attrs convert.Attributes) {
	rules := b.coord.Registry().Rules()
	v := vehicleFrom(attrs)
	options := selectOptions(rules, attrs)

	b.mu.Lock()
	prev := b.vehicle
	b.vehicle = v
	key := discoveryKey(v, options)
	changed := key != b.discoveryKey
	b.discoveryKey = key
	b.mu.Unlock()

	if changed {
		if prev.Short != v.Short && prev.Short != "" {
			for _, msg := range buildRemoveDiscovery(rules, prev) {
				b.publish(msg.Topic, msg.Payload, true)
			}
		}
		for _, msg := range buildDiscovery(rules, v, b.prefix, options) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "vehicle", v.Short, "name", vehicleDisplayName(v))
	}
	b.publish(stateTopic(b.prefix, v), mustJSON(statePayload(rules, attrs)), true)
}

func (b *Bridge) resetDiscovery() {
	b.mu.Lock()
	b.discoveryKey = ""
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		attr, ok := commandAttr(b.prefix, msg.Topic())
		if !ok {
			return
		}
		go b.handleCommand(attr, msg.Payload())
	})
}

func (b *Bridge) subscribeTrackers() {
	if b.targets == nil {
		return
	}
	for _, topic := range []string{
		discoveryPrefix + "/device_tracker/+/config",
		discoveryPrefix + "/device_tracker/+/+/config",
	} {
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleTracker(msg.Topic(), msg.Payload())
		})
	}
}

func (b *Bridge) handleTracker(topic string, payload []byte) {
	id, ok := trackerID(topic)
	if !ok || strings.Contains(topic, "/device_tracker/wuling_") {
		return
	}
	if len(payload) == 0 {
		b.targets.Remove(id)
		b.logger.Debug("tracker removed", "id", id)
		return
	}
	t, err := parseTracker(id, payload)
	if err != nil {
		b.logger.Warn("invalid tracker discovery", "topic", topic, "err", err)
		return
	}
	b.targets.Upsert(t, trackerSource)
	b.logger.Debug("tracker discovered", "id", t.ID, "name", t.Name)
}

func (b *Bridge) handleCommand(attr string, payload []byte) {
	rule, ok := b.coord.Registry().Lookup(attr)
	if !ok {
		b.logger.Warn("command for unknown attribute", "attr", attr)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if rule.Kind == convert.KindAction {
		if _, err := b.coord.Press(ctx, attr); err != nil {
			b.logger.Warn("press failed", "attr", attr, "err", err)
		}
		return
	}

	var labels map[string]string
	if rule.Kind == convert.KindDynamicEnum {
		v, _ := b.coord.State().Get(convert.LabelsAttr(attr))
		labels, _ = v.(map[string]string)
	}
	value, err := parseCommand(rule, strings.TrimSpace(string(payload)), labels)
	if err != nil {
		b.logger.Warn("invalid command payload", "attr", attr, "err", err)
		return
	}
	if _, err := b.coord.SetValue(ctx, attr, value); err != nil {
		b.logger.Warn("set value failed", "attr", attr, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// vehicleFrom derives the vehicle identity from an attribute snapshot.
func vehicleFrom(attrs convert.Attributes) coordinator.Vehicle {
	get := func(name string) string {
		s, _ := attrs[name].(string)
		return s
	}
	vin := get("vin")
	return coordinator.Vehicle{
		VIN:   vin,
		Short: coordinator.ShortVIN(vin, "wuling"),
		Name:  get("car_name"),
		Model: coordinator.ModelName(get("car_type_name"), get("model")),
		Color: get("color_name"),
	}
}

// selectOptions returns the option labels of every dynamic enum attribute,
// in option order.
func selectOptions(rules []convert.Rule, attrs convert.Attributes) map[string][]string {
	out := make(map[string][]string)
	for _, r := range rules {
		if r.Kind != convert.KindDynamicEnum {
			continue
		}
		ids, _ := attrs[convert.OptionsAttr(r.Attr)].([]string)
		labels, _ := attrs[convert.LabelsAttr(r.Attr)].(map[string]string)
		for _, id := range ids {
			out[r.Attr] = append(out[r.Attr], labelFor(labels, id))
		}
	}
	return out
}

func labelFor(labels map[string]string, id string) string {
	if l, ok := labels[id]; ok && l != "" {
		return l
	}
	if id == "" {
		return convert.ClearLabel
	}
	return id
}

func discoveryKey(v coordinator.Vehicle, options map[string][]string) string {
	var sb strings.Builder
	sb.WriteString(v.Short + "|" + v.Name + "|" + v.Model)
	for _, attr := range slices.Sorted(maps.Keys(options)) {
		sb.WriteString("|" + attr + "=" + strings.Join(options[attr], ","))
	}
	return sb.String()
}

// statePayload renders the attribute map for the state topic. Dynamic enum
// values are published as their labels, the form HA select entities use.
func statePayload(rules []convert.Rule, attrs convert.Attributes) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	for _, r := range rules {
		if r.Kind != convert.KindDynamicEnum {
			continue
		}
		id, _ := attrs[r.Attr].(string)
		labels, _ := attrs[convert.LabelsAttr(r.Attr)].(map[string]string)
		out[r.Attr] = labelFor(labels, id)
	}
	return out
}

// commandAttr extracts the attribute from "<prefix>/<vehicle>/<attr>/set".
func commandAttr(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// parseCommand converts a raw command payload into the value SetValue
// expects for the rule.
func parseCommand(rule convert.Rule, payload string, labels map[string]string) (any, error) {
	switch rule.Kind {
	case convert.KindBool:
		switch strings.ToUpper(payload) {
		case "ON", "TRUE", "1":
			return true, nil
		case "OFF", "FALSE", "0":
			return false, nil
		}
		return nil, fmt.Errorf("%s: bad switch payload %q", rule.Attr, payload)
	case convert.KindNumber:
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rule.Attr, err)
		}
		return f, nil
	case convert.KindDynamicEnum:
		if payload == convert.ClearLabel || payload == "" {
			return "", nil
		}
		for _, id := range slices.Sorted(maps.Keys(labels)) {
			if labels[id] == payload {
				return id, nil
			}
		}
		return payload, nil
	default:
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return payload, nil
		}
		return v, nil
	}
}

// trackerID maps a discovery config topic to a device_tracker entity id.
func trackerID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != discoveryPrefix || parts[1] != "device_tracker" || parts[len(parts)-1] != "config" {
		return "", false
	}
	object := parts[len(parts)-2]
	if object == "" {
		return "", false
	}
	return "device_tracker." + sanitize(object), true
}

type trackerConfig struct {
	Name       string `json:"name"`
	ObjectID   string `json:"object_id"`
	SourceType string `json:"source_type"`
	Device     struct {
		Name string `json:"name"`
	} `json:"device"`
}

// parseTracker decodes a device_tracker discovery payload.
func parseTracker(id string, payload []byte) (convert.Target, error) {
	var cfg trackerConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return convert.Target{}, err
	}
	if cfg.ObjectID != "" {
		id = "device_tracker." + sanitize(cfg.ObjectID)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Device.Name
	}
	attrs := map[string]string{"platform": trackerSource}
	if cfg.SourceType != "" {
		attrs["source_type"] = cfg.SourceType
	}
	return convert.Target{ID: id, Name: name, Attributes: attrs}, nil
}

// sanitize lowercases s and keeps only characters safe for entity ids.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
