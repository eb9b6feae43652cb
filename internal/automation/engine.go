//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/coordinator"
	"wuling-go-home/internal/notify"

	lua "github.com/yuin/gopher-lua"
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Vehicle is the part of the coordinator scripts can reach.
type Vehicle interface {
	SetValue(ctx context.Context, attr string, value any) (convert.Effect, error)
	Press(ctx context.Context, attr string) (convert.Attributes, error)
	State() *coordinator.StateStore
	Events() *coordinator.EventBus
}

// Notifier delivers script notifications.
type Notifier interface {
	Notify(ctx context.Context, target string, msg notify.Message) error
}

// luaEventHandler is a registered Lua callback for a specific event pattern.
type luaEventHandler struct {
	eventType string
	filter    map[string]string // every key must equal the event field
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and dispatches coordinator events to scripts.
type Engine struct {
	vehicle  Vehicle
	manager  *Manager
	notifier Notifier
	logger   *slog.Logger

	systemCfg SystemConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine. notifier may be nil.
func NewEngine(v Vehicle, mgr *Manager, notifier Notifier, logger *slog.Logger, sysCfg SystemConfig) *Engine {
	return &Engine{
		vehicle:   v,
		manager:   mgr,
		notifier:  notifier,
		logger:    logger.With("component", "automation"),
		systemCfg: sysCfg,
		vms:       make(map[string]*scriptVM),
	}
}

// Start subscribes to the EventBus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.vehicle.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from EventBus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}

	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}

	if !s.Meta.Enabled {
		return nil
	}

	return e.startScript(s)
}

// ReloadAll restarts every enabled script from disk.
func (e *Engine) ReloadAll() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.stopScript(id)
	}

	scripts, err := e.manager.List()
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	return nil
}

// Running returns the IDs of the scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a script in a temporary sandboxed VM for testing.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()

	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}

	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes Lua code in a temporary sandboxed VM. Handlers the
// code registers are invoked once with the event fields from their filter
// and the current value of a filtered attribute.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var logs []string
	var logMu sync.Mutex
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	e.registerModules(L, vm)

	if tbl, ok := L.GetGlobal("vehicle").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			capture(msg)
			e.logger.Info("script run log", "msg", msg)
			return 0
		}))
	}
	if tbl, ok := L.GetGlobal("system").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture("[" + L.CheckString(1) + "] " + L.CheckString(2))
			return 0
		}))
	}

	fail := func(err error) *RunResult {
		errStr := err.Error()
		if strings.Contains(errStr, "context deadline exceeded") {
			errStr = "timeout (5s)"
		}
		e.logger.Warn("run script failed", "err", errStr)
		return &RunResult{OK: false, Error: errStr, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	vm.mu.Lock()
	handlers := make([]luaEventHandler, len(vm.handlers))
	copy(handlers, vm.handlers)
	vm.mu.Unlock()

	for _, h := range handlers {
		fields := map[string]any{}
		for k, v := range h.filter {
			fields[k] = v
		}
		if attr := h.filter["attr"]; attr != "" {
			fields["value"], _ = e.vehicle.State().Get(attr)
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, h.eventType, fields)); err != nil {
			return fail(err)
		}
	}

	dur := time.Since(start)
	e.logger.Debug("run script complete", "handlers", len(handlers), "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// newSandbox creates a Lua state without file, process or module access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) registerModules(L *lua.LState, vm *scriptVM) {
	registerVehicleModule(L, vm, e)
	registerNotifyModule(L, e)
	registerSystemModule(L, e)
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.registerModules(L, vm)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues matching Lua handlers on their VMs. It never blocks:
// it runs inside the coordinator's apply path.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	records := eventFields(event)
	if len(records) == 0 {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, v := range e.vms {
		vms = append(vms, v)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.eventType != event.Type {
				continue
			}
			for _, fields := range records {
				if !matchesFilter(h.filter, fields) {
					continue
				}
				fn, eventType := h.fn, event.Type
				select {
				case <-vm.ctx.Done():
				case vm.commands <- func(L *lua.LState) {
					e.callHandler(L, fn, eventType, fields)
				}:
				default:
					e.logger.Warn("script command channel full, dropping event", "type", event.Type)
				}
			}
		}
	}
}

// eventFields flattens an event into the records handlers are matched
// against. A state change yields one record per changed attribute.
func eventFields(event coordinator.Event) []map[string]any {
	switch d := event.Data.(type) {
	case coordinator.StateChange:
		keys := make([]string, 0, len(d.Changed))
		for k := range d.Changed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, map[string]any{"attr": k, "value": d.Changed[k]})
		}
		return out
	case coordinator.NotificationEvent:
		return []map[string]any{{"kind": d.Kind, "target": d.Target, "title": d.Title, "message": d.Body, "error": d.Error}}
	case coordinator.IntervalChange:
		return []map[string]any{{"seconds": d.Seconds, "override": d.Override}}
	case coordinator.PollFailure:
		return []map[string]any{{"loop": d.Loop, "error": d.Error}}
	case coordinator.CommandEvent:
		return []map[string]any{{"name": d.Name, "error": d.Error}}
	case map[string]any:
		return []map[string]any{d}
	default:
		return []map[string]any{{}}
	}
}

func matchesFilter(filter map[string]string, fields map[string]any) bool {
	for k, want := range filter {
		v, ok := fields[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func eventTable(L *lua.LState, eventType string, fields map[string]any) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(eventType))
	for k, v := range fields {
		t.RawSetString(k, goToLua(L, v))
	}
	return t
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable(L, eventType, fields)); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case time.Time:
		return lua.LString(val.Format(time.RFC3339))
	case convert.Attributes:
		return goToLua(L, map[string]interface{}(val))
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, lua.LString(vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, lua.LString(vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua argument into a value SetValue accepts.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	default:
		return nil
	}
}
