package convert

import (
	"fmt"
	"log/slog"
)

// Registry holds the ordered, validated rule set for one vehicle.
// It is read-only after construction and safe for concurrent use.
type Registry struct {
	rules  []Rule
	byAttr map[string]int
	logger *slog.Logger
}

// NewRegistry validates rules and freezes their order.
func NewRegistry(logger *slog.Logger, rules ...Rule) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		rules:  make([]Rule, 0, len(rules)),
		byAttr: make(map[string]int, len(rules)),
		logger: logger,
	}
	for _, rule := range rules {
		if err := r.validate(rule); err != nil {
			return nil, err
		}
		r.byAttr[rule.Attr] = len(r.rules)
		r.rules = append(r.rules, rule)
		logger.Debug("rule registered", "attr", rule.Attr, "kind", rule.Kind)
	}
	for _, rule := range r.rules {
		for _, out := range rule.Routes {
			if _, ok := r.byAttr[out]; !ok {
				return nil, fmt.Errorf("rule %s: route %q is not registered", rule.Attr, out)
			}
		}
	}
	return r, nil
}

func (r *Registry) validate(rule Rule) error {
	if rule.Attr == "" {
		return fmt.Errorf("rule with empty attribute name")
	}
	if _, dup := r.byAttr[rule.Attr]; dup {
		return fmt.Errorf("rule %s: duplicate attribute", rule.Attr)
	}
	switch rule.Kind {
	case KindMapEnum:
		if len(rule.Map) == 0 {
			return fmt.Errorf("rule %s: empty enum map", rule.Attr)
		}
	case KindDerived:
		if len(rule.Inputs) != 2 {
			return fmt.Errorf("rule %s: derived rule needs magnitude and position inputs", rule.Attr)
		}
		for _, in := range rule.Inputs {
			if _, ok := r.byAttr[in]; !ok {
				return fmt.Errorf("rule %s: input %q must be registered first", rule.Attr, in)
			}
		}
		if len(rule.Routes) == 0 {
			return fmt.Errorf("rule %s: derived rule has no routes", rule.Attr)
		}
	case KindAction:
		if rule.Command == "" {
			return fmt.Errorf("rule %s: action without command", rule.Attr)
		}
	case KindDynamicEnum:
		if rule.Setting == "" {
			return fmt.Errorf("rule %s: dynamic enum needs a backing setting", rule.Attr)
		}
	}
	return nil
}

// Lookup returns the rule registered for attr.
func (r *Registry) Lookup(attr string) (Rule, bool) {
	i, ok := r.byAttr[attr]
	if !ok {
		return Rule{}, false
	}
	return r.rules[i], true
}

// Rules returns the rules in registration order.
func (r *Registry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// SubscribeAttrs returns every attribute whose change is relevant to the
// entity presenting attr: the attribute itself, its children, and the extra
// outputs its rule writes.
func (r *Registry) SubscribeAttrs(attr string) []string {
	out := []string{attr}
	rule, ok := r.Lookup(attr)
	if ok {
		switch rule.Kind {
		case KindComposite:
			for name := range rule.Fields {
				out = append(out, name)
			}
		case KindDynamicEnum:
			out = append(out, OptionsAttr(attr), LabelsAttr(attr))
		case KindDerived:
			out = append(out, rule.Routes...)
		}
	}
	for _, child := range r.rules {
		if child.Parent == attr {
			out = append(out, child.Attr)
		}
	}
	return out
}

// OptionsAttr names the attribute holding a dynamic enum's option list.
func OptionsAttr(attr string) string { return attr + "_options" }

// LabelsAttr names the attribute holding a dynamic enum's id -> label map.
func LabelsAttr(attr string) string { return attr + "_labels" }

// DecodeAll applies every rule in registration order to doc and returns the
// attributes produced. Rules whose source path is absent from doc write
// nothing, so successive snapshots of different endpoints accumulate.
func (r *Registry) DecodeAll(doc any, host Host) Attributes {
	if host == nil {
		host = nopHost{}
	}
	out := make(Attributes)
	for _, rule := range r.rules {
		r.decode(rule, doc, host, out)
	}
	return out
}

func (r *Registry) decode(rule Rule, doc any, host Host, out Attributes) {
	if rule.Setting != "" {
		r.decodeSetting(rule, host, out)
		return
	}
	switch rule.Kind {
	case KindAction:
		return
	case KindDerived:
		r.decodeDerived(rule, host, out)
		return
	}
	if rule.Source == "" {
		return
	}
	raw, ok := lookup(doc, rule.Source)
	if !ok {
		return
	}
	switch rule.Kind {
	case KindBool:
		out[rule.Attr] = decodeBool(raw, rule.Reverse)
	case KindMapEnum:
		out[rule.Attr] = decodeMap(raw, rule)
	case KindNumber:
		r.decodeNumber(rule, raw, host, out)
	case KindTimestamp:
		ts, err := decodeTimestamp(raw)
		if err != nil {
			r.logger.Warn("timestamp decode failed", "attr", rule.Attr, "value", raw, "err", err)
			out[rule.Attr] = nil
			return
		}
		out[rule.Attr] = ts
	case KindComposite:
		decodeComposite(rule, raw, out)
	default:
		out[rule.Attr] = raw
	}
}

func (r *Registry) decodeSetting(rule Rule, host Host, out Attributes) {
	switch rule.Kind {
	case KindDynamicEnum:
		decodeTargets(rule, host, out)
	case KindBool:
		v, _ := host.Setting(rule.Setting)
		out[rule.Attr] = decodeBool(v, false)
	case KindNumber:
		v, ok := host.Setting(rule.Setting)
		if !ok {
			return
		}
		f, err := toFloat(v)
		if err != nil {
			r.logger.Warn("setting is not numeric", "attr", rule.Attr, "value", v)
			return
		}
		out[rule.Attr] = f
	default:
		if v, ok := host.Setting(rule.Setting); ok {
			out[rule.Attr] = v
		}
	}
}

// decodeNumber leaves the attribute untouched for a null raw value; only a
// present value that does not parse is written as nil.
func (r *Registry) decodeNumber(rule Rule, raw any, host Host, out Attributes) {
	if raw == nil {
		return
	}
	val, err := toFloat(raw)
	if err != nil {
		r.logger.Warn("number decode failed", "attr", rule.Attr, "value", raw)
		out[rule.Attr] = nil
		return
	}
	ratio := rule.Ratio
	if ratio == 0 {
		ratio = 1
	}
	val = roundTo(val*ratio, precisionOf(rule))
	if rule.StickyNonZero && val == 0 {
		if prev, ok := host.Attribute(rule.Attr); ok && !isZero(prev) {
			out[rule.Attr] = prev
			return
		}
	}
	out[rule.Attr] = val
}

// decodeDerived routes a magnitude to one of several outputs chosen by a
// position index. It only runs when an input changed in this pass.
func (r *Registry) decodeDerived(rule Rule, host Host, out Attributes) {
	magAttr, posAttr := rule.Inputs[0], rule.Inputs[1]
	_, magNew := out[magAttr]
	_, posNew := out[posAttr]
	if !magNew && !posNew {
		return
	}
	read := func(name string) any {
		if v, ok := out[name]; ok {
			return v
		}
		v, _ := host.Attribute(name)
		return v
	}
	mag, err := toFloat(read(magAttr))
	if err != nil {
		return
	}
	pos, err := toFloat(read(posAttr))
	if err != nil {
		return
	}
	idx := int(pos)
	if float64(idx) != pos || idx < 0 || idx >= len(rule.Routes) {
		r.logger.Debug("derived position out of range", "attr", rule.Attr, "position", pos)
		return
	}
	out[rule.Routes[idx]] = roundTo(mag, 1)
}

// Encode converts a user-supplied value for attr into its outbound form.
func (r *Registry) Encode(attr string, value any, host Host) (Effect, error) {
	if host == nil {
		host = nopHost{}
	}
	rule, ok := r.Lookup(attr)
	if !ok {
		return Effect{}, fmt.Errorf("%s: %w", attr, ErrUnknownAttr)
	}
	switch rule.Kind {
	case KindBool:
		v := decodeBool(value, false)
		if rule.Reverse {
			v = !v
		}
		if rule.Setting != "" {
			if err := host.SetSetting(rule.Setting, v); err != nil {
				return Effect{}, fmt.Errorf("%s: %w", attr, err)
			}
			return Effect{Value: v}, nil
		}
		if v {
			return Effect{Value: 1}, nil
		}
		return Effect{Value: 0}, nil
	case KindMapEnum:
		key, err := encodeMap(rule, value)
		if err != nil {
			return Effect{}, err
		}
		return Effect{Value: key}, nil
	case KindNumber:
		if rule.Setting == "" {
			return Effect{Value: value}, nil
		}
		f, err := toFloat(value)
		if err != nil {
			return Effect{}, fmt.Errorf("%s: %w", attr, err)
		}
		if o := rule.Options; o.Max > o.Min && (f < o.Min || f > o.Max) {
			return Effect{}, fmt.Errorf("%s: %v outside [%v, %v]", attr, f, o.Min, o.Max)
		}
		if err := host.SetSetting(rule.Setting, f); err != nil {
			return Effect{}, fmt.Errorf("%s: %w", attr, err)
		}
		return Effect{Value: f}, nil
	case KindDynamicEnum:
		s, ok := value.(string)
		if !ok {
			return Effect{}, fmt.Errorf("%s: selection must be a string, got %T", attr, value)
		}
		if err := host.SetSetting(rule.Setting, s); err != nil {
			return Effect{}, fmt.Errorf("%s: %w", attr, err)
		}
		return Effect{Value: s}, nil
	case KindAction:
		action, ok := host.Command(rule.Command)
		if !ok || action == nil {
			return Effect{}, fmt.Errorf("%s: unknown command %q", attr, rule.Command)
		}
		return Effect{Action: action}, nil
	case KindPlain:
		if rule.Source == "" {
			return Effect{}, fmt.Errorf("%s: %w", attr, ErrNotWritable)
		}
		return Effect{Value: value}, nil
	default:
		return Effect{}, fmt.Errorf("%s: %w", attr, ErrNotWritable)
	}
}

type nopHost struct{}

func (nopHost) Attribute(string) (any, bool)  { return nil, false }
func (nopHost) Setting(string) (any, bool)    { return nil, false }
func (nopHost) SetSetting(string, any) error  { return fmt.Errorf("no host settings") }
func (nopHost) Targets() []Target             { return nil }
func (nopHost) Command(string) (Action, bool) { return nil, false }
