//go:build !no_automation

package automation

import (
	"context"
	"time"

	"wuling-go-home/internal/notify"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	actionTimeout        = 30 * time.Second
)

// registerVehicleModule registers the `vehicle` global table in a Lua state.
func registerVehicleModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return vehicleOn(L, vm)
	}))
	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return vehicleGet(L, e)
	}))
	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		L.Push(goToLua(L, e.vehicle.State().Snapshot()))
		return 1
	}))
	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		return vehicleSet(L, e)
	}))
	mod.RawSetString("press", L.NewFunction(func(L *lua.LState) int {
		return vehiclePress(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return vehicleAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("vehicle", mod)
}

// registerNotifyModule registers the `notify` global table in a Lua state.
func registerNotifyModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return notifySend(L, e)
	}))
	L.SetGlobal("notify", mod)
}

// vehicle.on(type, filter, callback)
func vehicleOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.OptTable(2, L.NewTable())
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		filter:    make(map[string]string),
		fn:        fn,
	}
	filterTable.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			h.filter[string(ks)] = v.String()
		}
	})

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// vehicle.get(attr)
func vehicleGet(L *lua.LState, e *Engine) int {
	attr := L.CheckString(1)
	v, ok := e.vehicle.State().Get(attr)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v))
	return 1
}

// vehicle.set(attr, value) returns true, or nil and the error message.
func vehicleSet(L *lua.LState, e *Engine) int {
	attr := L.CheckString(1)
	value := luaToGo(L.CheckAny(2))

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if _, err := e.vehicle.SetValue(ctx, attr, value); err != nil {
		e.logger.Warn("script set failed", "attr", attr, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// vehicle.press(attr) returns the command result table, or nil and the
// error message.
func vehiclePress(L *lua.LState, e *Engine) int {
	attr := L.CheckString(1)

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	res, err := e.vehicle.Press(ctx, attr)
	if err != nil {
		e.logger.Warn("script press failed", "attr", attr, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, res))
	return 1
}

// vehicle.after(seconds, callback) runs callback later on the script VM.
func vehicleAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// notify.send(target, title, message) returns true, or nil and the error
// message.
func notifySend(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	msg := notify.Message{Title: L.CheckString(2), Body: L.CheckString(3)}

	if e.notifier == nil {
		e.logger.Warn("notify.send: no notifier configured")
		L.Push(lua.LNil)
		L.Push(lua.LString(notify.ErrNoService.Error()))
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if err := e.notifier.Notify(ctx, target, msg); err != nil {
		e.logger.Warn("notify.send failed", "target", target, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}
