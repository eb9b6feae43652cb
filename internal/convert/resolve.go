package convert

import (
	"strconv"
	"strings"
)

type missing struct{}

// Missing is the default passed to Resolve by the pipeline so that a field
// absent from a snapshot can be told apart from a field that is present but
// unusable.
var Missing any = missing{}

// Resolve walks doc along a dot-separated path. Each segment is a map key, or
// an integer index when the current value is a list. Any missing segment, nil
// value, bad index or scalar in the middle of the path yields def.
func Resolve(doc any, path string, def any) any {
	v, ok := lookup(doc, path)
	if !ok || v == nil {
		return def
	}
	return v
}

// lookup is Resolve without the default: ok is false when the path does not
// exist, and true with a nil value when the final field is present but null.
func lookup(doc any, path string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	if path == "" {
		return doc, true
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Attributes:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(strings.TrimSpace(seg))
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			// nil or a scalar with segments left over
			return nil, false
		}
	}
	return cur, true
}

// IsMissing reports whether v is the Missing sentinel.
func IsMissing(v any) bool {
	_, ok := v.(missing)
	return ok
}
