package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"wuling-go-home/internal/cloud"
	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/notify"
	"wuling-go-home/internal/store"
)

// ErrUnknownSetting is returned for a setting key the coordinator does not own.
var ErrUnknownSetting = errors.New("unknown setting")

// SetValue encodes value for attr. Settings are applied and persisted right
// away; action attributes return a deferred Action in the effect.
func (c *Coordinator) SetValue(ctx context.Context, attr string, value any) (convert.Effect, error) {
	eff, err := c.registry.Encode(attr, value, c.host)
	if err != nil {
		c.logger.Warn("set value rejected", "attr", attr, "value", value, "err", err)
		return convert.Effect{}, err
	}
	if rule, ok := c.registry.Lookup(attr); ok && rule.Setting != "" {
		c.apply(nil)
	}
	return eff, nil
}

// Press runs the action behind an action attribute.
func (c *Coordinator) Press(ctx context.Context, attr string) (convert.Attributes, error) {
	eff, err := c.SetValue(ctx, attr, nil)
	if err != nil {
		return nil, err
	}
	if eff.Action == nil {
		return nil, fmt.Errorf("%s: %w", attr, convert.ErrNotWritable)
	}
	return eff.Action(ctx)
}

// SearchCar flashes the lights and sounds the horn.
func (c *Coordinator) SearchCar(ctx context.Context) (convert.Attributes, error) {
	return c.command(ctx, convert.CommandSearchCar, func(ctx context.Context, vin string) (cloud.Envelope, error) {
		return c.api.SearchCar(ctx, vin)
	})
}

// AuthStart authorizes a keyless start.
func (c *Coordinator) AuthStart(ctx context.Context) (convert.Attributes, error) {
	return c.command(ctx, convert.CommandAuthStart, func(ctx context.Context, vin string) (cloud.Envelope, error) {
		return c.api.AuthorizeIgnition(ctx, vin)
	})
}

// ControlWindow opens (status 1) or closes (status 0) the windows.
func (c *Coordinator) ControlWindow(ctx context.Context, status int) (convert.Attributes, error) {
	if status != 0 && status != 1 {
		return nil, fmt.Errorf("window status must be 0 or 1, got %d", status)
	}
	return c.command(ctx, "control_window", func(ctx context.Context, vin string) (cloud.Envelope, error) {
		return c.api.ControlWindow(ctx, vin, status)
	})
}

func (c *Coordinator) command(ctx context.Context, name string, call func(context.Context, string) (cloud.Envelope, error)) (convert.Attributes, error) {
	vin := c.VIN()
	env, err := call(ctx, vin)
	if err == nil {
		err = env.AuthError()
	}
	ev := CommandEvent{Name: name}
	if err != nil {
		ev.Error = err.Error()
		c.events.Emit(Event{Type: EventCommand, Data: ev})
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	c.logger.Info("command sent", "command", name, "vin", ShortVIN(vin, ""))
	c.events.Emit(Event{Type: EventCommand, Data: ev})
	return convert.Attributes(env.Data()), nil
}

// host implements convert.Host on top of the coordinator.
type host struct {
	c *Coordinator
}

func (h *host) Attribute(name string) (any, bool) {
	return h.c.state.Get(name)
}

func (h *host) Setting(key string) (any, bool) {
	h.c.settingsMu.Lock()
	defer h.c.settingsMu.Unlock()
	s := h.c.settings
	switch key {
	case convert.SettingBasicRefreshRate:
		return float64(s.BasicRefreshRate), true
	case convert.SettingOtherRefreshRate:
		return float64(s.OtherRefreshRate), true
	case convert.SettingDebugMode:
		return s.DebugMode, true
	case convert.SettingSelectedTarget:
		return s.SelectedTarget, true
	}
	return nil, false
}

func (h *host) SetSetting(key string, value any) error {
	c := h.c
	var update func(s *store.Settings)
	switch key {
	case convert.SettingBasicRefreshRate, convert.SettingOtherRefreshRate:
		f, ok := value.(float64)
		if !ok || f < 1 {
			return fmt.Errorf("%s: invalid rate %v", key, value)
		}
		n := int(math.Round(f))
		if key == convert.SettingBasicRefreshRate {
			update = func(s *store.Settings) { s.BasicRefreshRate = n }
		} else {
			update = func(s *store.Settings) { s.OtherRefreshRate = n }
		}
	case convert.SettingDebugMode:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%s: want bool, got %T", key, value)
		}
		update = func(s *store.Settings) { s.DebugMode = on }
	case convert.SettingSelectedTarget:
		id, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: want string, got %T", key, value)
		}
		update = func(s *store.Settings) { s.SelectedTarget = id }
	default:
		return fmt.Errorf("%s: %w", key, ErrUnknownSetting)
	}

	c.settingsMu.Lock()
	err := c.store.UpdateSettings(func(s *store.Settings) error {
		update(s)
		return nil
	})
	if err == nil {
		update(&c.settings)
	}
	s := c.settings
	c.settingsMu.Unlock()
	if err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}

	switch key {
	case convert.SettingBasicRefreshRate:
		c.schedule.SetPrimary(seconds(s.BasicRefreshRate))
		c.metrics.SetInterval(c.schedule.Interval(), c.schedule.Overridden())
	case convert.SettingOtherRefreshRate:
		c.schedule.SetSecondary(seconds(s.OtherRefreshRate))
	case convert.SettingDebugMode:
		c.debug.SetEnabled(s.DebugMode)
	}
	c.logger.Info("setting changed", "key", key, "value", value)
	return nil
}

func (h *host) Targets() []convert.Target {
	if h.c.targets == nil {
		return nil
	}
	return h.c.targets.Targets()
}

func (h *host) Command(name string) (convert.Action, bool) {
	c := h.c
	switch name {
	case convert.CommandSearchCar:
		return c.SearchCar, true
	case convert.CommandAuthStart:
		return c.AuthStart, true
	case convert.CommandRefreshAddress:
		return func(ctx context.Context) (convert.Attributes, error) {
			return nil, c.RefreshAddress(ctx)
		}, true
	}
	return nil, false
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, string, notify.Message) error {
	return notify.ErrNoService
}

// ShortVIN returns the first and last six characters of vin, lower-cased,
// or fallback when vin is empty.
func ShortVIN(vin, fallback string) string {
	vin = strings.ToLower(vin)
	if vin == "" {
		return fallback
	}
	head, tail := vin, vin
	if len(vin) > 6 {
		head = vin[:6]
		tail = vin[len(vin)-6:]
	}
	return head + "_" + tail
}

// ModelName joins the vehicle type name and model.
func ModelName(typeName, model string) string {
	return strings.TrimSpace(typeName + " " + model)
}

// Vehicle describes the polled vehicle for device registries.
type Vehicle struct {
	VIN   string
	Short string
	Name  string
	Model string
	Color string
}

// Vehicle returns what is known about the vehicle from the last status.
func (c *Coordinator) Vehicle() Vehicle {
	get := func(name string) string {
		v, _ := c.state.Get(name)
		return rawString(v)
	}
	vin := c.VIN()
	return Vehicle{
		VIN:   vin,
		Short: ShortVIN(vin, "wuling"),
		Name:  get("car_name"),
		Model: ModelName(get("car_type_name"), get("model")),
		Color: get("color_name"),
	}
}
