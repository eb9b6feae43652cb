package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var falseStrings = map[string]bool{"0": true, "no": true, "off": true, "false": true}

// truthy coerces a raw payload value to a boolean: empty and zero values are
// false, as are the strings "0", "no", "off" and "false".
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		if t == "" {
			return false
		}
		return !falseStrings[strings.ToLower(strings.TrimSpace(t))]
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func decodeBool(v any, reverse bool) bool {
	b := truthy(v)
	if reverse {
		return !b
	}
	return b
}

// enumKey formats a raw value the way enum tables key it.
func enumKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(t)
	}
}

func decodeMap(raw any, rule Rule) any {
	if raw == nil {
		return rule.Default
	}
	if v, ok := rule.Map[enumKey(raw)]; ok {
		return v
	}
	return rule.Default
}

// encodeMap reverse-looks-up value; keys are scanned in sorted order so the
// first match is stable.
func encodeMap(rule Rule, value any) (string, error) {
	keys := make([]string, 0, len(rule.Map))
	for k := range rule.Map {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if rule.Map[k] == value {
			return k, nil
		}
	}
	return "", fmt.Errorf("%s: %v: %w", rule.Attr, value, ErrNoMapping)
}

// toFloat parses the trimmed string form of v.
func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("nil value")
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case bool:
		return 0, fmt.Errorf("not a number: %v", t)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(v)), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}

func precisionOf(rule Rule) int {
	switch {
	case rule.Precision == NoPrecision:
		return 0
	case rule.Precision <= 0:
		return 1
	default:
		return rule.Precision
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func isZero(v any) bool {
	f, err := toFloat(v)
	return err == nil && f == 0
}

// decodeTimestamp converts epoch milliseconds to local time.
func decodeTimestamp(raw any) (any, error) {
	switch t := raw.(type) {
	case nil:
		return nil, fmt.Errorf("no timestamp")
	case time.Time:
		return t.Local(), nil
	case string:
		ms, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("not numeric: %w", err)
		}
		return time.UnixMilli(int64(ms)).Local(), nil
	}
	ms, err := toFloat(raw)
	if err != nil {
		return nil, err
	}
	return time.UnixMilli(int64(ms)).Local(), nil
}

func decodeComposite(rule Rule, raw any, out Attributes) {
	obj, _ := raw.(map[string]any)
	main := rule.Default
	if v, ok := obj[rule.Display]; ok && v != nil && rule.Display != "" {
		main = v
	}
	out[rule.Attr] = main
	for attr, key := range rule.Fields {
		if v, ok := obj[key]; ok {
			out[attr] = v
		}
	}
}

var mobileKeywords = []string{"mobile", "phone", "iphone", "android"}

// mobileTarget reports whether t looks like a phone that can receive push
// notifications. Checks run from most to least reliable.
func mobileTarget(t Target) bool {
	id := strings.ToLower(t.ID)
	if strings.Contains(id, "unknown") {
		return false
	}
	switch {
	case strings.EqualFold(t.Attributes["platform"], "mobile_app"):
		return true
	case strings.HasPrefix(id, "device_tracker.mobile_app_"):
		return true
	case strings.EqualFold(t.Attributes["source_type"], "gps"):
		return true
	}
	for _, kw := range mobileKeywords {
		if strings.Contains(id, kw) {
			return true
		}
	}
	return false
}

// ClearLabel is the label of the empty selection.
const ClearLabel = "none"

func targetLabel(t Target) string {
	if t.Name != "" {
		return t.Name
	}
	if i := strings.LastIndexByte(t.ID, '.'); i >= 0 {
		return t.ID[i+1:]
	}
	return t.ID
}

func labelsOf(v any) map[string]string {
	out := make(map[string]string)
	switch t := v.(type) {
	case map[string]string:
		for k, l := range t {
			out[k] = l
		}
	case map[string]any:
		for k, l := range t {
			if s, ok := l.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func decodeTargets(rule Rule, host Host, out Attributes) {
	prev, _ := host.Attribute(LabelsAttr(rule.Attr))
	labels := labelsOf(prev)
	labels[""] = ClearLabel

	options := []string{""}
	for _, t := range host.Targets() {
		if !mobileTarget(t) {
			continue
		}
		options = append(options, t.ID)
		labels[t.ID] = targetLabel(t)
	}

	selected := ""
	if v, ok := host.Setting(rule.Setting); ok {
		selected, _ = v.(string)
	}
	if selected != "" && !contains(options, selected) {
		name := labels[selected]
		selected = ""
		if name != "" {
			for _, id := range options[1:] {
				if labels[id] == name {
					selected = id
					break
				}
			}
		}
	}

	out[rule.Attr] = selected
	out[OptionsAttr(rule.Attr)] = options
	out[LabelsAttr(rule.Attr)] = labels
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
