package cloud

import (
	"errors"
	"fmt"
)

// ErrAuth is returned when the API reports an expired or revoked login.
var ErrAuth = errors.New("vehicle cloud login expired")

const authErrorCode = "500009"

// Envelope is a decoded API response. Failed requests yield an empty one.
type Envelope map[string]any

// Empty reports whether the envelope carries nothing.
func (e Envelope) Empty() bool { return len(e) == 0 }

// Data returns the "data" object, or nil.
func (e Envelope) Data() map[string]any {
	d, _ := e["data"].(map[string]any)
	return d
}

// SystemTime returns the server timestamp in epoch milliseconds.
func (e Envelope) SystemTime() (any, bool) {
	v, ok := e["systemTimeMillis"]
	return v, ok && v != nil
}

// ErrorCode returns the upstream error code as a string.
func (e Envelope) ErrorCode() string {
	switch v := e["errorCode"].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

// ErrorMessage returns the upstream error message.
func (e Envelope) ErrorMessage() string {
	s, _ := e["errorMessage"].(string)
	return s
}

// AuthError returns ErrAuth, wrapped with the upstream message, when the
// envelope reports a failed login.
func (e Envelope) AuthError() error {
	if e.ErrorCode() != authErrorCode {
		return nil
	}
	msg := e.ErrorMessage()
	if msg == "" {
		msg = "login invalid"
	}
	return fmt.Errorf("%s: %w", msg, ErrAuth)
}
