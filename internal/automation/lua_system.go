//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/geo"
)

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 << 10
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute command paths scripts may run
	ExecTimeout   time.Duration // per command, 10s when zero
	Now           func() time.Time
}

func (c SystemConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

var errNoPosition = errors.New("vehicle position unknown")

// registerSystemModule registers the `system` global table: clock helpers
// for quiet hours, vehicle position and staleness helpers, and exec.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	for name, fn := range map[string]func(*lua.LState, *Engine) int{
		"datetime":     systemDatetime,
		"time_between": systemTimeBetween,
		"since":        systemSince,
		"distance":     systemDistance,
		"log":          systemLog,
		"exec":         systemExec,
	} {
		mod.RawSetString(name, L.NewFunction(func(L *lua.LState) int { return fn(L, e) }))
	}
	L.SetGlobal("system", mod)
}

var datetimeParts = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

// system.datetime(part) returns one component of the current local time.
func systemDatetime(L *lua.LState, e *Engine) int {
	part := L.CheckString(1)
	get, ok := datetimeParts[part]
	if !ok {
		L.ArgError(1, "unknown component: "+part)
		return 0
	}
	L.Push(get(e.systemCfg.now()))
	return 1
}

// clockMinutes reads an hour number or an "HH:MM" string as minutes since
// midnight.
func clockMinutes(L *lua.LState, n int) int {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			L.ArgError(n, "hour out of range")
		}
		return h * 60
	case lua.LString:
		hh, mm, ok := strings.Cut(string(v), ":")
		h, errH := strconv.Atoi(hh)
		m, errM := strconv.Atoi(mm)
		if !ok || errH != nil || errM != nil || h < 0 || h > 24 || m < 0 || m > 59 {
			L.ArgError(n, "want HH:MM, got "+string(v))
		}
		return h*60 + m
	default:
		L.ArgError(n, "want hour or HH:MM")
		return 0
	}
}

// system.time_between(from, to) reports whether the current time lies in
// [from, to). Ranges may wrap midnight, e.g. ("22:30", 7).
func systemTimeBetween(L *lua.LState, e *Engine) int {
	from := clockMinutes(L, 1)
	to := clockMinutes(L, 2)
	now := e.systemCfg.now()
	cur := now.Hour()*60 + now.Minute()

	in := cur >= from && cur < to
	if from > to {
		in = cur >= from || cur < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// system.since(attr) returns the seconds elapsed since a timestamp
// attribute such as basic_api_timestamp, or nil when it is not set.
func systemSince(L *lua.LState, e *Engine) int {
	attr := L.CheckString(1)
	v, _ := e.vehicle.State().Get(attr)
	ts, ok := v.(time.Time)
	if !ok || ts.IsZero() {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(e.systemCfg.now().Sub(ts).Seconds()))
	return 1
}

// system.distance(lat, lon) returns the distance in metres between the
// vehicle's last reported position and a point, or nil, err when the
// position is unknown.
func systemDistance(L *lua.LState, e *Engine) int {
	lat := float64(L.CheckNumber(1))
	lon := float64(L.CheckNumber(2))
	vlat, vlon, err := vehiclePosition(e)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(geo.Distance(vlon, vlat, lon, lat)))
	return 1
}

func vehiclePosition(e *Engine) (lat, lon float64, err error) {
	state := e.vehicle.State()
	rawLat, _ := state.Get(convert.AttrLatitude)
	rawLon, _ := state.Get(convert.AttrLongitude)
	lat, okLat := rawLat.(float64)
	lon, okLon := rawLon.(float64)
	if !okLat || !okLon || (lat == 0 && lon == 0) {
		return 0, 0, errNoPosition
	}
	return lat, lon, nil
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level, ok := logLevels[L.CheckString(1)]
	if !ok {
		level = slog.LevelInfo
	}
	e.logger.Log(context.Background(), level, "script log", "msg", L.CheckString(2))
	return 0
}

// system.exec(cmd) runs an allowlisted command and returns its stdout, or
// "", err when it is blocked or fails.
func systemExec(L *lua.LState, e *Engine) int {
	out, err := e.execAllowed(L.CheckString(1))
	if err != nil {
		e.logger.Warn("exec", "err", err)
		L.Push(lua.LString(""))
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(out))
	return 1
}

func (e *Engine) execAllowed(cmdline string) (string, error) {
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		return "", errors.New("empty command")
	}
	bin := parts[0]
	if !filepath.IsAbs(bin) {
		return "", fmt.Errorf("%s: not an absolute path", bin)
	}
	if !slices.Contains(e.systemCfg.ExecAllowlist, bin) {
		return "", fmt.Errorf("%s: not in allowlist", bin)
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, bin, parts[1:]...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: timed out after %s", bin, timeout)
		}
		return "", fmt.Errorf("%s: %w", bin, err)
	}
	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	return string(stdout), nil
}
