// Package coordinator polls the vehicle cloud, keeps the decoded attribute
// map, and drives adaptive polling, geocoding and alerts from it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"wuling-go-home/internal/cloud"
	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/geo"
	"wuling-go-home/internal/metrics"
	"wuling-go-home/internal/store"
)

// Default refresh intervals in seconds.
const (
	DefaultBasicRefreshRate = 60
	DefaultOtherRefreshRate = 600
)

// Errors returned by the command surface.
var (
	ErrNoCoordinates = errors.New("vehicle position unknown")
	ErrNoAddress     = errors.New("no address for vehicle position")
	ErrNoGeocoder    = errors.New("geocoder not configured")
)

// API is the vehicle cloud used by the coordinator. *cloud.Client
// implements it.
type API interface {
	Status(ctx context.Context) (cloud.Envelope, error)
	Check(ctx context.Context, vin string) (cloud.Envelope, error)
	TirePressure(ctx context.Context, vin string) (cloud.Envelope, error)
	YesterdayMileage(ctx context.Context, vin string) (cloud.Envelope, error)
	AuthorizeIgnition(ctx context.Context, vin string) (cloud.Envelope, error)
	SearchCar(ctx context.Context, vin string) (cloud.Envelope, error)
	ControlWindow(ctx context.Context, vin string, status int) (cloud.Envelope, error)
}

// Geocoder resolves a WGS-84 point to an address. *geo.Client implements it.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lon, lat float64) (*geo.Address, error)
}

// TargetSource lists notification target candidates.
type TargetSource interface {
	Targets() []convert.Target
}

// Config holds the collaborators of a Coordinator. API, Store and Registry
// are required.
type Config struct {
	API      API
	Geocoder Geocoder
	Store    store.Store
	Registry *convert.Registry
	Notifier Notifier
	Targets  TargetSource
	Events   *EventBus
	Metrics  *metrics.Metrics
	DebugLog *cloud.DebugLog

	// Defaults seed the persisted settings on first start.
	Defaults store.Settings
	Timing   Timing
	Now      func() time.Time
}

// Coordinator owns the attribute map of one vehicle.
type Coordinator struct {
	api      API
	geocoder Geocoder
	store    store.Store
	registry *convert.Registry
	targets  TargetSource
	events   *EventBus
	metrics  *metrics.Metrics
	debug    *cloud.DebugLog
	logger   *slog.Logger
	now      func() time.Time
	timing   Timing

	state    *StateStore
	schedule *Schedule
	alerts   *alertEngine
	host     *host

	settingsMu sync.Mutex
	settings   store.Settings

	applyMu   sync.Mutex
	rawMu     sync.Mutex
	raw       rawStatus
	firstPoll atomic.Bool

	refresh singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. Settings are loaded from the store, seeded from
// cfg.Defaults when absent. No goroutine is started until Start.
func New(cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if cfg.API == nil || cfg.Store == nil || cfg.Registry == nil {
		return nil, errors.New("coordinator needs api, store and registry")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timing := cfg.Timing
	if timing == (Timing{}) {
		timing = DefaultTiming
	}
	c := &Coordinator{
		api:      cfg.API,
		geocoder: cfg.Geocoder,
		store:    cfg.Store,
		registry: cfg.Registry,
		targets:  cfg.Targets,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		debug:    cfg.DebugLog,
		logger:   logger,
		now:      now,
		timing:   timing,
		state:    NewStateStore(logger),
	}
	c.state.OnSubscribers = c.metrics.SetSubscribers
	c.host = &host{c: c}

	if err := c.loadSettings(cfg.Defaults); err != nil {
		return nil, err
	}
	c.schedule = NewSchedule(seconds(c.settings.BasicRefreshRate), seconds(c.settings.OtherRefreshRate))
	c.metrics.SetInterval(c.schedule.Interval(), false)
	c.debug.SetEnabled(c.settings.DebugMode)

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	c.alerts = newAlertEngine(notifier, now(), logger, cfg.Metrics, cfg.Events)

	if labels, err := c.store.GetTargetLabels(); err != nil {
		logger.Warn("load target labels", "err", err)
	} else if len(labels) > 0 {
		c.state.Merge(convert.Attributes{convert.LabelsAttr(convert.AttrSendMessageDevice): labels})
	}
	c.apply(nil)
	return c, nil
}

func (c *Coordinator) loadSettings(defaults store.Settings) error {
	s, err := c.store.GetSettings()
	switch {
	case errors.Is(err, store.ErrNotFound):
		s = &defaults
	case err != nil:
		return fmt.Errorf("load settings: %w", err)
	}
	if s.BasicRefreshRate <= 0 {
		s.BasicRefreshRate = DefaultBasicRefreshRate
	}
	if s.OtherRefreshRate <= 0 {
		s.OtherRefreshRate = DefaultOtherRefreshRate
	}
	if defaults.AMapKey != "" {
		s.AMapKey = defaults.AMapKey
	}
	if err := c.store.SaveSettings(s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	c.settings = *s
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Start runs the first primary refresh and launches the poll loops. An
// authentication fault on the first refresh aborts startup; other failures
// are logged and polling continues.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		if errors.Is(err, cloud.ErrAuth) {
			return err
		}
		c.logger.Warn("initial refresh failed", "err", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.primaryLoop(loopCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.secondaryLoop(loopCtx)
	}()
	c.logger.Info("coordinator started",
		"interval", c.schedule.Interval(), "secondary", c.schedule.Secondary())
	return nil
}

// Stop cancels both loops and waits for them. In-flight requests finish or
// time out on their own.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) primaryLoop(ctx context.Context) {
	timer := time.NewTimer(c.schedule.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.schedule.Kicked():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			if err := c.Refresh(context.WithoutCancel(ctx)); err != nil {
				c.logger.Debug("primary poll failed", "err", err)
			}
		}
		timer.Reset(c.schedule.Interval())
	}
}

func (c *Coordinator) secondaryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.timing.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.schedule.SecondaryDue(c.now()) {
			continue
		}
		err := c.refreshSecondary(ctx)
		c.metrics.ObservePoll("secondary", err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("secondary poll failed", "err", err)
			c.events.Emit(Event{Type: EventPollFailed, Data: PollFailure{Loop: "secondary", Error: err.Error()}})
			if !sleepCtx(ctx, c.timing.Backoff) {
				return
			}
		}
	}
}

// Refresh fetches the primary status now. Concurrent calls share one
// request.
func (c *Coordinator) Refresh(ctx context.Context) error {
	_, err, _ := c.refresh.Do("primary", func() (any, error) {
		return nil, c.refreshPrimary(ctx)
	})
	return err
}

func (c *Coordinator) refreshPrimary(ctx context.Context) error {
	env, err := c.api.Status(ctx)
	if err == nil {
		err = env.AuthError()
	}
	c.metrics.ObservePoll("primary", err)
	if err != nil {
		c.events.Emit(Event{Type: EventPollFailed, Data: PollFailure{Loop: "primary", Error: err.Error()}})
		if errors.Is(err, cloud.ErrAuth) {
			c.logger.Error("vehicle cloud rejected credentials", "err", err)
		}
		return err
	}

	doc := make(map[string]any)
	if ts, ok := env.SystemTime(); ok {
		doc[convert.AttrBasicAPITimestamp] = ts
	}
	data := env.Data()
	if data == nil {
		c.logger.Warn("status response without data", "code", env.ErrorCode(), "message", env.ErrorMessage())
		c.apply(doc)
		return nil
	}
	for k, v := range data {
		doc[k] = v
	}

	st := readStatus(doc)
	c.rawMu.Lock()
	c.raw = st
	c.rawMu.Unlock()

	if addr := c.autoAddress(ctx, st); addr != nil {
		doc[convert.AttrAddress] = addr.Formatted
		doc[convert.AttrAddressDetail] = addr.Detail()
	}
	if fired := c.alerts.evaluate(ctx, c.now(), c.selectedTarget(), st); !fired.IsZero() {
		doc[convert.AttrLastDoorNotification] = fired.UnixMilli()
	}
	c.apply(doc)

	if c.schedule.Adapt(st.busy()) {
		iv, override := c.schedule.Interval(), c.schedule.Overridden()
		c.logger.Info("primary interval changed", "interval", iv, "override", override,
			"key_status", st.KeyStatus, "door_lock", st.DoorLock)
		c.metrics.SetInterval(iv, override)
		c.events.Emit(Event{Type: EventIntervalChanged, Data: IntervalChange{Seconds: iv.Seconds(), Override: override}})
	}
	return nil
}

type secondaryStep struct {
	name  string
	key   string
	stamp string
	fetch func(ctx context.Context, vin string) (cloud.Envelope, error)
}

func (c *Coordinator) secondarySteps() []secondaryStep {
	return []secondaryStep{
		{EndpointCheck, "checkStatus", convert.AttrCheckAPITimestamp, c.api.Check},
		{EndpointTire, "tirePressure", convert.AttrTireAPITimestamp, c.api.TirePressure},
		{EndpointMileage, "yesterdayMileage", convert.AttrYesterdayMileageAPITime, c.api.YesterdayMileage},
	}
}

// refreshSecondary runs one round of the secondary endpoints. A failure
// aborts the round; stamps of calls not made are left untouched.
func (c *Coordinator) refreshSecondary(ctx context.Context) error {
	reqCtx := context.WithoutCancel(ctx)
	vin := c.VIN()
	for i, step := range c.secondarySteps() {
		if i > 0 && !sleepCtx(ctx, c.timing.Spacing) {
			return ctx.Err()
		}
		c.schedule.MarkRun(step.name, c.now())
		env, err := step.fetch(reqCtx, vin)
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		doc := map[string]any{step.key: env.Data()}
		if ts, ok := env.SystemTime(); ok {
			doc[step.stamp] = ts
		}
		c.apply(doc)
	}
	return nil
}

// apply runs one decode pass and merges the result. Decode, merge and
// fan-out happen under one lock.
func (c *Coordinator) apply(doc map[string]any) []string {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	var src any = doc
	if doc == nil {
		src = map[string]any{}
	}
	attrs := c.registry.DecodeAll(src, c.host)
	changed := c.state.Merge(attrs)
	if len(changed) == 0 {
		return nil
	}
	c.metrics.AddChanges(len(changed))

	diff := make(convert.Attributes, len(changed))
	for _, k := range changed {
		diff[k] = attrs[k]
	}
	labelsAttr := convert.LabelsAttr(convert.AttrSendMessageDevice)
	if labels, ok := diff[labelsAttr].(map[string]string); ok {
		if err := c.store.SaveTargetLabels(labels); err != nil {
			c.logger.Error("save target labels", "err", err)
		}
	}
	c.events.Emit(Event{Type: EventStateChanged, Data: StateChange{Changed: diff}})
	return changed
}

// autoAddress geocodes after a primary poll. The first poll ignores the key
// state; later polls only geocode while a key is present.
func (c *Coordinator) autoAddress(ctx context.Context, st rawStatus) *geo.Address {
	first := !c.firstPoll.Swap(true)
	if !first && st.KeyStatus == "0" {
		return nil
	}
	if c.geocoder == nil || !validCoordinate(st.Longitude) || !validCoordinate(st.Latitude) {
		return nil
	}
	addr, err := c.geocode(ctx, st)
	switch {
	case errors.Is(err, ErrNoCoordinates):
		c.logger.Warn("reverse geocode skipped", "longitude", st.Longitude, "latitude", st.Latitude, "err", err)
		return nil
	case err != nil:
		c.logger.Error("reverse geocode", "err", err)
		return nil
	}
	return addr
}

func validCoordinate(s string) bool {
	return s != "" && s != "0"
}

func (c *Coordinator) geocode(ctx context.Context, st rawStatus) (*geo.Address, error) {
	if c.geocoder == nil {
		return nil, ErrNoGeocoder
	}
	lon, errLon := parseCoordinate(st.Longitude)
	lat, errLat := parseCoordinate(st.Latitude)
	if err := errors.Join(errLon, errLat); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCoordinates, err)
	}
	addr, err := c.geocoder.ReverseGeocode(ctx, lon, lat)
	found := addr != nil && addr.Formatted != ""
	c.metrics.ObserveGeocode(found, err)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return addr, nil
}

// RefreshAddress geocodes the last known position regardless of the key
// state. The debug log records the attempt even when debug mode is off.
func (c *Coordinator) RefreshAddress(ctx context.Context) error {
	release := c.debug.Force()
	defer release()

	c.rawMu.Lock()
	st := c.raw
	c.rawMu.Unlock()

	c.logger.Info("manual address refresh")
	c.debug.Write("manual address refresh",
		"  longitude: "+st.Longitude,
		"  latitude: "+st.Latitude,
		"  key_status: "+st.KeyStatus)

	if !validCoordinate(st.Longitude) || !validCoordinate(st.Latitude) {
		c.logger.Warn("manual address refresh skipped", "longitude", st.Longitude, "latitude", st.Latitude)
		c.debug.Write("manual address refresh skipped: no position")
		return ErrNoCoordinates
	}
	addr, err := c.geocode(ctx, st)
	if err != nil {
		c.debug.Write("manual address refresh failed: " + err.Error())
		return err
	}
	if addr == nil {
		c.debug.Write("manual address refresh: no address")
		return ErrNoAddress
	}
	c.apply(map[string]any{
		convert.AttrAddress:       addr.Formatted,
		convert.AttrAddressDetail: addr.Detail(),
	})
	c.debug.Write("manual address refresh: " + addr.Formatted)
	return nil
}

func (c *Coordinator) selectedTarget() string {
	if v, ok := c.state.Get(convert.AttrSendMessageDevice); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.settings.SelectedTarget
}

// VIN returns the vehicle identification number from the last status.
func (c *Coordinator) VIN() string {
	v, _ := c.state.Get("vin")
	return rawString(v)
}

// State returns the attribute store.
func (c *Coordinator) State() *StateStore {
	return c.state
}

// Snapshot returns a copy of the attribute map.
func (c *Coordinator) Snapshot() convert.Attributes {
	return c.state.Snapshot()
}

// Registry returns the rule registry.
func (c *Coordinator) Registry() *convert.Registry {
	return c.registry
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Schedule returns the poll schedule.
func (c *Coordinator) Schedule() *Schedule {
	return c.schedule
}

// Settings returns a copy of the runtime settings.
func (c *Coordinator) Settings() store.Settings {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.settings
}

// DoorAlertActive reports whether a door alert is outstanding.
func (c *Coordinator) DoorAlertActive() bool {
	return c.alerts.DoorAlertActive()
}
