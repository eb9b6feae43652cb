package convert

import (
	"context"
	"errors"
)

// Attributes is the flat attribute map: attribute name -> typed value.
type Attributes map[string]any

// Clone returns a shallow copy of the map.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Kind selects the decode/encode behaviour of a rule.
type Kind uint8

const (
	KindPlain Kind = iota
	KindBool
	KindMapEnum
	KindNumber
	KindDerived
	KindTimestamp
	KindComposite
	KindDynamicEnum
	KindAction
)

var kindNames = map[Kind]string{
	KindPlain:       "plain",
	KindBool:        "bool",
	KindMapEnum:     "map",
	KindNumber:      "number",
	KindDerived:     "derived",
	KindTimestamp:   "timestamp",
	KindComposite:   "composite",
	KindDynamicEnum: "dynamic_enum",
	KindAction:      "action",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// NoPrecision rounds a number rule to whole units. A zero Precision means
// one decimal place.
const NoPrecision = -1

// Entity domains, used by the MQTT discovery builder.
const (
	DomainSensor        = "sensor"
	DomainBinarySensor  = "binary_sensor"
	DomainLock          = "lock"
	DomainClimate       = "climate"
	DomainDeviceTracker = "device_tracker"
	DomainButton        = "button"
	DomainNumber        = "number"
	DomainSwitch        = "switch"
	DomainSelect        = "select"
)

// Host setting keys.
const (
	SettingBasicRefreshRate = "basic_api_refresh_rate"
	SettingOtherRefreshRate = "other_api_refresh_rate"
	SettingDebugMode        = "debug_mode"
	SettingSelectedTarget   = "selected_target"
)

var (
	// ErrNoMapping is returned when a map rule has no key for the desired value.
	ErrNoMapping = errors.New("no enum key maps to value")
	// ErrUnknownAttr is returned when no rule is registered for an attribute.
	ErrUnknownAttr = errors.New("unknown attribute")
	// ErrNotWritable is returned when encoding an attribute with no encode side.
	ErrNotWritable = errors.New("attribute is not writable")
)

// Options carries presentation hints for an attribute.
type Options struct {
	Icon           string
	DeviceClass    string
	Unit           string
	StateClass     string
	Category       string // "diagnostic", "config" or empty
	Min, Max, Step float64
	Disabled       bool // hidden by default in the host UI
	Internal       bool // never exposed as an entity
}

// Rule is an immutable conversion descriptor for one attribute.
type Rule struct {
	Attr   string
	Domain string
	Kind   Kind
	// Source is a dotted path into the snapshot document. Empty for derived,
	// setting-backed, dynamic and action rules.
	Source string
	// Parent groups this attribute under another entity.
	Parent string

	Reverse bool // KindBool

	Map     map[string]any // KindMapEnum
	Default any            // KindMapEnum, KindComposite main value

	Ratio         float64 // KindNumber, 0 means 1
	Precision     int     // KindNumber; set NoPrecision to keep precision 0
	StickyNonZero bool    // KindNumber

	Inputs []string // KindDerived: magnitude attr, position attr
	Routes []string // KindDerived: output attr per position index

	Fields  map[string]string // KindComposite: output attr -> source sub key
	Display string            // KindComposite: sub key shown as the main value

	Command string // KindAction
	Setting string // host setting backing this attribute

	Options Options
}

// Target is a candidate notification target offered by the host.
type Target struct {
	ID         string
	Name       string
	Attributes map[string]string
}

// Action is a deferred remote command produced by encoding an action rule.
type Action func(ctx context.Context) (Attributes, error)

// Effect is the outbound result of encoding a value.
type Effect struct {
	Value  any
	Action Action
}

// Host gives rules access to coordinator-owned state.
type Host interface {
	// Attribute returns the stored value of an attribute.
	Attribute(name string) (any, bool)
	Setting(key string) (any, bool)
	SetSetting(key string, value any) error
	Targets() []Target
	Command(name string) (Action, bool)
}
