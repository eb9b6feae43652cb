//go:build !no_automation

package automation

import (
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"wuling-go-home/internal/convert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Wednesday evening, inside a typical quiet-hours window.
var systemClock = time.Date(2024, 5, 1, 22, 45, 30, 0, time.Local)

func newSystemEngine(v *fakeVehicle) *Engine {
	return &Engine{
		vehicle:   v,
		logger:    testLogger(),
		systemCfg: SystemConfig{Now: func() time.Time { return systemClock }},
	}
}

func newSystemState(t *testing.T, e *Engine) *lua.LState {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	registerSystemModule(L, e)
	return L
}

func TestSystemDatetime(t *testing.T) {
	L := newSystemState(t, newSystemEngine(newFakeVehicle()))

	tests := []struct {
		part string
		want lua.LValue
	}{
		{"hour", lua.LNumber(22)},
		{"minute", lua.LNumber(45)},
		{"second", lua.LNumber(30)},
		{"weekday", lua.LNumber(3)},
		{"day", lua.LNumber(1)},
		{"month", lua.LNumber(5)},
		{"year", lua.LNumber(2024)},
		{"timestamp", lua.LNumber(systemClock.Unix())},
		{"time_str", lua.LString("22:45:30")},
		{"date_str", lua.LString("2024-05-01")},
	}
	for _, tt := range tests {
		t.Run(tt.part, func(t *testing.T) {
			L.SetGlobal("_part", lua.LString(tt.part))
			if err := L.DoString(`_result = system.datetime(_part)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result"); got != tt.want {
				t.Errorf("system.datetime(%q) = %v, want %v", tt.part, got, tt.want)
			}
		})
	}

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component accepted")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	L := newSystemState(t, newSystemEngine(newFakeVehicle()))

	tests := []struct {
		expr string
		want bool
	}{
		{`system.time_between(22, 23)`, true},
		{`system.time_between(8, 22)`, false},
		{`system.time_between(22, 6)`, true},
		{`system.time_between(6, 22)`, false},
		{`system.time_between("22:30", 7)`, true},
		{`system.time_between("22:50", "07:00")`, false},
		{`system.time_between("08:00", "22:45")`, false},
		{`system.time_between("22:45", 24)`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if err := L.DoString(`_result = ` + tt.expr); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result") == lua.LTrue; got != tt.want {
				t.Errorf("%s = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}

	for _, bad := range []string{`system.time_between("25:00", 6)`, `system.time_between("late", 6)`, `system.time_between(30, 6)`} {
		if err := L.DoString(bad); err == nil {
			t.Errorf("%s accepted", bad)
		}
	}
}

func TestSystemSince(t *testing.T) {
	v := newFakeVehicle()
	v.state.Merge(convert.Attributes{
		convert.AttrBasicAPITimestamp: systemClock.Add(-90 * time.Second),
		"battery":                     81.0,
	})
	L := newSystemState(t, newSystemEngine(v))

	if err := L.DoString(`
		_fresh = system.since("basic_api_timestamp")
		_missing = system.since("last_door_notification_time")
		_not_time = system.since("battery")
	`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("_fresh"); got != lua.LNumber(90) {
		t.Errorf("since(basic_api_timestamp) = %v, want 90", got)
	}
	if got := L.GetGlobal("_missing"); got != lua.LNil {
		t.Errorf("since(unset) = %v, want nil", got)
	}
	if got := L.GetGlobal("_not_time"); got != lua.LNil {
		t.Errorf("since(battery) = %v, want nil", got)
	}
}

func TestSystemDistance(t *testing.T) {
	v := newFakeVehicle()
	L := newSystemState(t, newSystemEngine(v))

	if err := L.DoString(`_d, _err = system.distance(39.918, 116.397)`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("_d"); got != lua.LNil {
		t.Errorf("distance without position = %v, want nil", got)
	}
	if got := L.GetGlobal("_err").String(); got != errNoPosition.Error() {
		t.Errorf("err = %q", got)
	}

	v.state.Merge(convert.Attributes{convert.AttrLatitude: 39.909, convert.AttrLongitude: 116.397})
	if err := L.DoString(`_d, _err = system.distance(39.918, 116.397)`); err != nil {
		t.Fatal(err)
	}
	d, ok := L.GetGlobal("_d").(lua.LNumber)
	if !ok || math.Abs(float64(d)-1000.76) > 1 {
		t.Errorf("distance = %v, want ~1000.76", L.GetGlobal("_d"))
	}
}

func TestSystemGeofenceScript(t *testing.T) {
	v := newFakeVehicle()
	v.state.Merge(convert.Attributes{convert.AttrLatitude: 39.909, convert.AttrLongitude: 116.397})
	L := newSystemState(t, newSystemEngine(v))

	err := L.DoString(`
		local home_lat, home_lon = 39.9095, 116.3972
		local d = system.distance(home_lat, home_lon)
		_at_home_quiet = d ~= nil and d < 200 and system.time_between("22:00", "07:00")
	`)
	if err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("_at_home_quiet") != lua.LTrue {
		t.Error("geofence during quiet hours not detected")
	}
}

func TestSystemLog(t *testing.T) {
	var buf strings.Builder
	e := newSystemEngine(newFakeVehicle())
	e.logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	L := newSystemState(t, e)

	if err := L.DoString(`
		system.log("warn", "door left open")
		system.log("shout", "battery low")
	`); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `level=WARN msg="script log" msg="door left open"`) {
		t.Errorf("warn line missing:\n%s", out)
	}
	if !strings.Contains(out, `level=INFO msg="script log" msg="battery low"`) {
		t.Errorf("unknown level not logged at info:\n%s", out)
	}
}

func TestSystemExec(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		cmd       string
		want      string
		errSub    string
	}{
		{"relative path", nil, "ls", "", "not an absolute path"},
		{"empty allowlist", nil, "/bin/echo hi", "", "not in allowlist"},
		{"not in allowlist", []string{"/usr/bin/echo"}, "/usr/bin/ls", "", "not in allowlist"},
		{"empty command", []string{"/bin/echo"}, "   ", "", "empty command"},
		{"allowed", []string{"/bin/echo"}, "/bin/echo hello", "hello\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newSystemEngine(newFakeVehicle())
			e.systemCfg.ExecAllowlist = tt.allowlist
			e.systemCfg.ExecTimeout = 5 * time.Second
			L := newSystemState(t, e)

			L.SetGlobal("_cmd", lua.LString(tt.cmd))
			if err := L.DoString(`_out, _err = system.exec(_cmd)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_out").String(); got != tt.want {
				t.Errorf("out = %q, want %q", got, tt.want)
			}
			errVal := L.GetGlobal("_err")
			if tt.errSub == "" {
				if errVal != lua.LNil {
					t.Errorf("unexpected err %v", errVal)
				}
				return
			}
			if !strings.Contains(errVal.String(), tt.errSub) {
				t.Errorf("err = %v, want %q", errVal, tt.errSub)
			}
		})
	}
}
