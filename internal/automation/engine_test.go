//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/coordinator"
	"wuling-go-home/internal/notify"

	lua "github.com/yuin/gopher-lua"
)

type setCall struct {
	attr  string
	value any
}

type fakeVehicle struct {
	state  *coordinator.StateStore
	events *coordinator.EventBus
	setErr error
	sets   chan setCall
}

func newFakeVehicle() *fakeVehicle {
	return &fakeVehicle{
		state:  coordinator.NewStateStore(testLogger()),
		events: coordinator.NewEventBus(testLogger()),
		sets:   make(chan setCall, 16),
	}
}

func (f *fakeVehicle) SetValue(_ context.Context, attr string, value any) (convert.Effect, error) {
	if f.setErr != nil {
		return convert.Effect{}, f.setErr
	}
	f.sets <- setCall{attr, value}
	return convert.Effect{Value: value}, nil
}

func (f *fakeVehicle) Press(_ context.Context, attr string) (convert.Attributes, error) {
	if attr != "search_car" {
		return nil, errors.New("unknown action")
	}
	return convert.Attributes{"last_action": attr}, nil
}

func (f *fakeVehicle) State() *coordinator.StateStore { return f.state }
func (f *fakeVehicle) Events() *coordinator.EventBus  { return f.events }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Notify(_ context.Context, target string, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if target == "" {
		return notify.ErrNoService
	}
	n.sent = append(n.sent, target+"|"+msg.Title+"|"+msg.Body)
	return nil
}

func newEngineForTest(t *testing.T, v Vehicle, n Notifier) *Engine {
	t.Helper()
	return NewEngine(v, newTestManager(t), n, testLogger(), SystemConfig{})
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"bool false", false, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"float32", float32(1.5), lua.LTNumber},
		{"time", time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), lua.LTString},
		{"attributes", convert.Attributes{"a": 1}, lua.LTTable},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"labels", map[string]string{"1": "Home"}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"strings", []string{"", "1"}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaValues(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if v := goToLua(L, true); v != lua.LTrue {
		t.Errorf("goToLua(true) = %v, want LTrue", v)
	}
	if v := goToLua(L, 3.5); v != lua.LNumber(3.5) {
		t.Errorf("goToLua(3.5) = %v", v)
	}
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if v := goToLua(L, ts); v != lua.LString("2024-05-01T08:00:00Z") {
		t.Errorf("goToLua(time) = %v", v)
	}

	tbl := goToLua(L, convert.Attributes{"battery_soc": 80.0, "doors": convert.Attributes{"driver": true}}).(*lua.LTable)
	if v := tbl.RawGetString("battery_soc"); v != lua.LNumber(80) {
		t.Errorf("battery_soc = %v, want 80", v)
	}
	nested, ok := tbl.RawGetString("doors").(*lua.LTable)
	if !ok || nested.RawGetString("driver") != lua.LTrue {
		t.Errorf("doors.driver = %v", tbl.RawGetString("doors"))
	}

	list := goToLua(L, []string{"", "7"}).(*lua.LTable)
	if list.Len() != 2 || list.RawGetInt(2) != lua.LString("7") {
		t.Errorf("list = len %d, [2] %v", list.Len(), list.RawGetInt(2))
	}
}

func TestLuaToGo(t *testing.T) {
	tests := []struct {
		in   lua.LValue
		want any
	}{
		{lua.LTrue, true},
		{lua.LNumber(42), 42.0},
		{lua.LString("on"), "on"},
		{lua.LNil, nil},
	}
	for _, tt := range tests {
		if got := luaToGo(tt.in); got != tt.want {
			t.Errorf("luaToGo(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEventFields(t *testing.T) {
	got := eventFields(coordinator.Event{
		Type: coordinator.EventStateChanged,
		Data: coordinator.StateChange{Changed: convert.Attributes{"range_km": 210.0, "battery_soc": 55.0}},
	})
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	if got[0]["attr"] != "battery_soc" || got[0]["value"] != 55.0 {
		t.Errorf("records[0] = %v", got[0])
	}
	if got[1]["attr"] != "range_km" {
		t.Errorf("records[1] = %v", got[1])
	}

	n := eventFields(coordinator.Event{
		Type: coordinator.EventNotification,
		Data: coordinator.NotificationEvent{Kind: "charge", Target: "notify.phone", Title: "t", Body: "b"},
	})
	if len(n) != 1 || n[0]["kind"] != "charge" || n[0]["message"] != "b" {
		t.Errorf("notification fields = %v", n)
	}

	p := eventFields(coordinator.Event{Type: coordinator.EventPollFailed, Data: coordinator.PollFailure{Loop: "status", Error: "boom"}})
	if p[0]["loop"] != "status" || p[0]["error"] != "boom" {
		t.Errorf("poll fields = %v", p)
	}
}

func TestMatchesFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter map[string]string
		fields map[string]any
		want   bool
	}{
		{"empty filter", map[string]string{}, map[string]any{"attr": "x"}, true},
		{"attr match", map[string]string{"attr": "battery_soc"}, map[string]any{"attr": "battery_soc"}, true},
		{"attr mismatch", map[string]string{"attr": "battery_soc"}, map[string]any{"attr": "range_km"}, false},
		{"missing field", map[string]string{"loop": "status"}, map[string]any{"attr": "x"}, false},
		{"number as string", map[string]string{"seconds": "30"}, map[string]any{"seconds": 30.0}, true},
		{"bool as string", map[string]string{"override": "true"}, map[string]any{"override": true}, true},
		{"all keys must match", map[string]string{"attr": "a", "value": "1"}, map[string]any{"attr": "a", "value": 2.0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesFilter(tt.filter, tt.fields); got != tt.want {
				t.Errorf("matchesFilter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunLuaCodeLogsAndState(t *testing.T) {
	v := newFakeVehicle()
	v.state.Merge(convert.Attributes{"battery_soc": 42.0})
	e := newEngineForTest(t, v, nil)

	res := e.RunLuaCode(`
vehicle.log("soc=" .. vehicle.get("battery_soc"))
vehicle.on("state_changed", {attr="battery_soc"}, function(ev)
  vehicle.log(ev.type .. " " .. ev.attr .. " " .. ev.value)
end)
system.log("info", "done")
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"soc=42", "[info] done", "state_changed battery_soc 42"}
	if strings.Join(res.Logs, ",") != strings.Join(want, ",") {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
}

func TestRunLuaCodeSetAndPress(t *testing.T) {
	v := newFakeVehicle()
	e := newEngineForTest(t, v, nil)

	res := e.RunLuaCode(`
local ok = vehicle.set("charge_limit", 80)
vehicle.log(tostring(ok))
local r = vehicle.press("search_car")
vehicle.log(r.last_action)
local bad, err = vehicle.press("nope")
vehicle.log(tostring(bad) .. " " .. err)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := "true,search_car,nil unknown action"
	if got := strings.Join(res.Logs, ","); got != want {
		t.Errorf("logs = %q, want %q", got, want)
	}

	select {
	case c := <-v.sets:
		if c.attr != "charge_limit" || c.value != 80.0 {
			t.Errorf("set = %+v", c)
		}
	default:
		t.Fatal("SetValue not called")
	}
}

func TestRunLuaCodeSetError(t *testing.T) {
	v := newFakeVehicle()
	v.setErr = errors.New("rejected")
	e := newEngineForTest(t, v, nil)

	res := e.RunLuaCode(`
local ok, err = vehicle.set("charge_limit", 80)
vehicle.log(tostring(ok) .. " " .. err)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "nil rejected" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeNotify(t *testing.T) {
	n := &recordingNotifier{}
	e := newEngineForTest(t, newFakeVehicle(), n)

	res := e.RunLuaCode(`
local ok = notify.send("notify.phone", "Charging", "Battery at 80%")
vehicle.log(tostring(ok))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(n.sent) != 1 || n.sent[0] != "notify.phone|Charging|Battery at 80%" {
		t.Errorf("sent = %q", n.sent)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "true" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeNotifyWithoutNotifier(t *testing.T) {
	e := newEngineForTest(t, newFakeVehicle(), nil)

	res := e.RunLuaCode(`
local ok, err = notify.send("notify.phone", "t", "m")
vehicle.log(tostring(ok))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "nil" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e := newEngineForTest(t, newFakeVehicle(), nil)

	for _, code := range []string{`os.exit(1)`, `io.write("x")`, `require("socket")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s: ran in sandbox, want error", code)
		}
	}
}

func TestRunLuaCodeSyntaxError(t *testing.T) {
	e := newEngineForTest(t, newFakeVehicle(), nil)
	res := e.RunLuaCode(`vehicle.log(`)
	if res.OK || res.Error == "" {
		t.Errorf("result = %+v, want error", res)
	}
}

func TestEngineDispatchesStateChange(t *testing.T) {
	v := newFakeVehicle()
	e := newEngineForTest(t, v, nil)

	_, err := e.manager.Save(&Script{
		Meta: ScriptMeta{Name: "Mirror SOC", Enabled: true},
		LuaCode: `
vehicle.on("state_changed", {attr="battery_soc"}, function(ev)
  vehicle.set("charge_limit", ev.value)
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.manager.Save(&Script{Meta: ScriptMeta{Name: "Disabled"}, LuaCode: `vehicle.log("x")`}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	if got := e.Running(); len(got) != 1 || got[0] != "mirror_soc" {
		t.Fatalf("running = %v, want [mirror_soc]", got)
	}

	v.events.Emit(coordinator.Event{
		Type: coordinator.EventStateChanged,
		Data: coordinator.StateChange{Changed: convert.Attributes{"range_km": 100.0, "battery_soc": 64.0}},
	})

	select {
	case c := <-v.sets:
		if c.attr != "charge_limit" || c.value != 64.0 {
			t.Errorf("set = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestEngineReloadAndStop(t *testing.T) {
	v := newFakeVehicle()
	e := newEngineForTest(t, v, nil)

	s, err := e.manager.Save(&Script{Meta: ScriptMeta{Name: "One", Enabled: true}, LuaCode: `x = 1`})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()

	s.Meta.Enabled = false
	if _, err := e.manager.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if got := e.Running(); len(got) != 0 {
		t.Errorf("running after disable = %v", got)
	}

	s.Meta.Enabled = true
	if _, err := e.manager.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadAll(); err != nil {
		t.Fatal(err)
	}
	if got := e.Running(); len(got) != 1 {
		t.Errorf("running after reload = %v", got)
	}

	e.Stop()
	if got := e.Running(); len(got) != 0 {
		t.Errorf("running after stop = %v", got)
	}
}

func TestStartScriptRejectsBrokenCode(t *testing.T) {
	e := newEngineForTest(t, newFakeVehicle(), nil)
	err := e.startScript(&Script{ID: "broken", LuaCode: `this is not lua`})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(e.Running()) != 0 {
		t.Error("broken script registered")
	}
}
