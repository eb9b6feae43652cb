//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"sort"
	"strings"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/coordinator"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/wuling_lzwada_123456/battery/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                   string   `json:"name"`
	UniqueID               string   `json:"unique_id"`
	ObjectID               string   `json:"object_id,omitempty"`
	StateTopic             string   `json:"state_topic,omitempty"`
	CommandTopic           string   `json:"command_topic,omitempty"`
	AvailabilityTopic      string   `json:"availability_topic"`
	ValueTemplate          string   `json:"value_template,omitempty"`
	JSONAttributesTopic    string   `json:"json_attributes_topic,omitempty"`
	JSONAttributesTemplate string   `json:"json_attributes_template,omitempty"`
	UnitOfMeasurement      string   `json:"unit_of_measurement,omitempty"`
	DeviceClass            string   `json:"device_class,omitempty"`
	StateClass             string   `json:"state_class,omitempty"`
	EntityCategory         string   `json:"entity_category,omitempty"`
	Icon                   string   `json:"icon,omitempty"`
	EnabledByDefault       *bool    `json:"enabled_by_default,omitempty"`
	PayloadOn              string   `json:"payload_on,omitempty"`
	PayloadOff             string   `json:"payload_off,omitempty"`
	PayloadPress           string   `json:"payload_press,omitempty"`
	Min                    *float64 `json:"min,omitempty"`
	Max                    *float64 `json:"max,omitempty"`
	Step                   *float64 `json:"step,omitempty"`
	Mode                   string   `json:"mode,omitempty"`
	Options                []string `json:"options,omitempty"`
	SourceType             string   `json:"source_type,omitempty"`
	Device                 haDevice `json:"device"`
}

// discoveryPrefix is the default Home Assistant discovery root.
const discoveryPrefix = "homeassistant"

const payloadPress = "PRESS"

// nodeID returns the identifier used for the HA device registry.
func nodeID(v coordinator.Vehicle) string {
	return "wuling_" + v.Short
}

// vehicleDisplayName returns a display name for the vehicle.
func vehicleDisplayName(v coordinator.Vehicle) string {
	if v.Name != "" {
		return v.Name
	}
	if v.Model != "" {
		return v.Model
	}
	return "Wuling " + v.Short
}

// stateTopic returns the retained state topic of a vehicle.
func stateTopic(prefix string, v coordinator.Vehicle) string {
	return prefix + "/" + v.Short + "/state"
}

// commandTopic returns the set topic of one attribute.
func commandTopic(prefix string, v coordinator.Vehicle, attr string) string {
	return prefix + "/" + v.Short + "/" + attr + "/set"
}

// childrenOf groups attributes under their parent entity.
func childrenOf(rules []convert.Rule) map[string][]string {
	children := make(map[string][]string)
	for _, r := range rules {
		if r.Parent != "" {
			children[r.Parent] = append(children[r.Parent], r.Attr)
		}
	}
	for _, list := range children {
		sort.Strings(list)
	}
	return children
}

// attributesTemplate renders the listed keys of the state JSON as entity
// attributes.
func attributesTemplate(keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%q: value_json.%s", k, k))
	}
	return "{{ {" + strings.Join(parts, ", ") + "} | tojson }}"
}

// exposed reports whether a rule becomes its own HA entity. Child
// attributes ride along as attributes of their parent.
func exposed(r convert.Rule) bool {
	return !r.Options.Internal && r.Parent == ""
}

// entityName turns an attribute name into a readable suffix.
func entityName(attr string) string {
	words := strings.Fields(strings.ReplaceAll(attr, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func ptr[T any](v T) *T { return &v }

// buildDiscovery generates HA discovery messages for every exposed rule.
// selectOptions holds the option labels of dynamic enum attributes.
func buildDiscovery(rules []convert.Rule, v coordinator.Vehicle, prefix string, selectOptions map[string][]string) []discoveryMsg {
	if v.Short == "" {
		return nil
	}
	node := nodeID(v)
	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "SGMW",
		Model:        v.Model,
		Name:         vehicleDisplayName(v),
		SerialNumber: v.VIN,
	}
	base := haDiscovery{
		StateTopic:        stateTopic(prefix, v),
		AvailabilityTopic: prefix + "/bridge/state",
		Device:            haDev,
	}
	children := childrenOf(rules)

	var msgs []discoveryMsg
	for _, r := range rules {
		if !exposed(r) {
			continue
		}
		p := base
		p.Name = entityName(r.Attr)
		p.UniqueID = node + "_" + r.Attr
		p.ObjectID = node + "_" + r.Attr
		p.Icon = r.Options.Icon
		p.DeviceClass = r.Options.DeviceClass
		p.StateClass = r.Options.StateClass
		p.UnitOfMeasurement = r.Options.Unit
		p.EntityCategory = r.Options.Category
		if r.Options.Disabled {
			p.EnabledByDefault = ptr(false)
		}
		if kids := children[r.Attr]; len(kids) > 0 {
			p.JSONAttributesTopic = p.StateTopic
			p.JSONAttributesTemplate = attributesTemplate(kids)
		}

		component := r.Domain
		switch r.Domain {
		case convert.DomainBinarySensor:
			p.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", r.Attr)
			p.PayloadOn, p.PayloadOff = "ON", "OFF"
		case convert.DomainLock:
			// Read-only: the cloud exposes no lock command. HA's lock class
			// reports ON for unlocked.
			component = convert.DomainBinarySensor
			p.DeviceClass = "lock"
			p.ValueTemplate = fmt.Sprintf("{{ 'OFF' if value_json.%s else 'ON' }}", r.Attr)
			p.PayloadOn, p.PayloadOff = "ON", "OFF"
		case convert.DomainClimate:
			component = convert.DomainSensor
			p.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", r.Attr)
		case convert.DomainDeviceTracker:
			p.StateTopic = ""
			p.SourceType = "gps"
			p.JSONAttributesTopic = base.StateTopic
		case convert.DomainButton:
			p.StateTopic = ""
			p.CommandTopic = commandTopic(prefix, v, r.Attr)
			p.PayloadPress = payloadPress
		case convert.DomainNumber:
			p.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", r.Attr)
			p.CommandTopic = commandTopic(prefix, v, r.Attr)
			p.Min, p.Max = ptr(r.Options.Min), ptr(r.Options.Max)
			if r.Options.Step > 0 {
				p.Step = ptr(r.Options.Step)
			}
			p.Mode = "box"
		case convert.DomainSwitch:
			p.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", r.Attr)
			p.CommandTopic = commandTopic(prefix, v, r.Attr)
			p.PayloadOn, p.PayloadOff = "ON", "OFF"
		case convert.DomainSelect:
			p.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", r.Attr)
			p.CommandTopic = commandTopic(prefix, v, r.Attr)
			p.Options = selectOptions[r.Attr]
			if len(p.Options) == 0 {
				p.Options = []string{convert.ClearLabel}
			}
		default:
			component = convert.DomainSensor
			p.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", r.Attr)
		}

		topic := fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, node, r.Attr)
		msgs = append(msgs, discoveryMsg{Topic: topic, Payload: mustJSON(p)})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages that remove a
// previously announced vehicle from HA.
func buildRemoveDiscovery(rules []convert.Rule, v coordinator.Vehicle) []discoveryMsg {
	var msgs []discoveryMsg
	for _, m := range buildDiscovery(rules, v, "", nil) {
		msgs = append(msgs, discoveryMsg{Topic: m.Topic})
	}
	return msgs
}
