package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/metrics"
	"wuling-go-home/internal/notify"
)

// DoorCooldown is the minimum time between two door alerts.
const DoorCooldown = 300 * time.Second

// Alert kinds.
const (
	AlertDoor     = "door"
	AlertIgnition = "ignition"
)

const keyStarted = "2"

var (
	doorMessage     = notify.Message{Title: "Warning", Body: "Door unsecured"}
	ignitionMessage = notify.Message{Title: "Vehicle", Body: "Vehicle started"}
)

// Notifier delivers a message to a notification target.
type Notifier interface {
	Notify(ctx context.Context, target string, msg notify.Message) error
}

// rawStatus holds the fields of the primary snapshot the coordinator acts on
// directly, before any conversion.
type rawStatus struct {
	KeyStatus string
	DoorLock  int
	Longitude string
	Latitude  string
}

func readStatus(doc any) rawStatus {
	return rawStatus{
		KeyStatus: rawString(convert.Resolve(doc, "carStatus.keyStatus", nil)),
		DoorLock:  rawInt(convert.Resolve(doc, "carStatus.doorLockStatus", 0)),
		Longitude: rawString(convert.Resolve(doc, "carStatus.longitude", nil)),
		Latitude:  rawString(convert.Resolve(doc, "carStatus.latitude", nil)),
	}
}

// busy reports whether the vehicle is unlocked or has a key present.
func (s rawStatus) busy() bool {
	return s.DoorLock != 0 || s.KeyStatus != "0"
}

// unsecured reports a keyless vehicle left unlocked.
func (s rawStatus) unsecured() bool {
	return s.KeyStatus == "0" && s.DoorLock != 0
}

func rawString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func rawInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// alertEngine evaluates the door and ignition alerts after each primary
// poll. The door cooldown starts when the engine is created so a restart
// does not alert immediately.
type alertEngine struct {
	mu sync.Mutex

	doorLastFired time.Time
	doorActive    bool

	keyPrev  string
	keyKnown bool

	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	events   *EventBus
}

func newAlertEngine(n Notifier, start time.Time, logger *slog.Logger, m *metrics.Metrics, events *EventBus) *alertEngine {
	return &alertEngine{
		doorLastFired: start,
		notifier:      n,
		logger:        logger,
		metrics:       m,
		events:        events,
	}
}

// evaluate runs both alerts. It returns the door alert firing time, or the
// zero time if it did not fire.
func (a *alertEngine) evaluate(ctx context.Context, now time.Time, target string, st rawStatus) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	fired := a.door(ctx, now, target, st)
	a.ignition(ctx, target, st)
	return fired
}

func (a *alertEngine) door(ctx context.Context, now time.Time, target string, st rawStatus) time.Time {
	if target == "" {
		return time.Time{}
	}
	var fired time.Time
	if st.unsecured() && now.Sub(a.doorLastFired) >= DoorCooldown {
		if a.send(ctx, AlertDoor, target, doorMessage) {
			a.doorLastFired = now
			a.doorActive = true
			fired = now
		}
	}
	if !st.unsecured() {
		a.doorActive = false
	}
	return fired
}

func (a *alertEngine) ignition(ctx context.Context, target string, st rawStatus) {
	prev, known := a.keyPrev, a.keyKnown
	a.keyPrev, a.keyKnown = st.KeyStatus, st.KeyStatus != ""
	if target == "" {
		return
	}
	if st.KeyStatus == keyStarted && known && prev != keyStarted {
		a.send(ctx, AlertIgnition, target, ignitionMessage)
	}
}

func (a *alertEngine) send(ctx context.Context, kind, target string, msg notify.Message) bool {
	err := a.notifier.Notify(ctx, target, msg)
	a.metrics.ObserveNotification(kind, err)
	ev := NotificationEvent{Kind: kind, Target: target, Title: msg.Title, Body: msg.Body}
	if err != nil {
		a.logger.Error("send notification", "kind", kind, "target", target, "err", err)
		ev.Error = err.Error()
	} else {
		a.logger.Info("notification sent", "kind", kind, "target", target)
	}
	a.events.Emit(Event{Type: EventNotification, Data: ev})
	return err == nil
}

// DoorAlertActive reports whether the door alert fired and its condition
// has not cleared since.
func (a *alertEngine) DoorAlertActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doorActive
}

func parseCoordinate(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: %w", s, err)
	}
	return v, nil
}
