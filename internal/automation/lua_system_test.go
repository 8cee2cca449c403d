//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newSystemState returns a Lua state with the system module and a VM whose
// log output is appended to logs.
func newSystemState(t *testing.T, logs *[]string) *lua.LState {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	vm := &scriptVM{logf: func(level slog.Level, msg string) {
		*logs = append(*logs, level.String()+" "+msg)
	}}
	registerSystemModule(L, vm)
	return L
}

func fixClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestSystemDatetime(t *testing.T) {
	fixClock(t, time.Date(2024, time.March, 9, 22, 15, 30, 0, time.UTC))
	var logs []string
	L := newSystemState(t, &logs)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(22)},
		{"minute", lua.LNumber(15)},
		{"second", lua.LNumber(30)},
		{"weekday", lua.LNumber(6)},
		{"day", lua.LNumber(9)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2024)},
		{"time_str", lua.LString("22:15:30")},
		{"date_str", lua.LString("2024-03-09")},
	}

	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			L.SetGlobal("_comp", lua.LString(tt.component))
			if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result"); got != tt.want {
				t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
			}
		})
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	var logs []string
	L := newSystemState(t, &logs)

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		hour     int
		from, to int
		want     bool
	}{
		{9, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
	}

	for _, tt := range tests {
		fixClock(t, time.Date(2024, 1, 1, tt.hour, 0, 0, 0, time.UTC))
		var logs []string
		L := newSystemState(t, &logs)

		L.SetGlobal("_from", lua.LNumber(tt.from))
		L.SetGlobal("_to", lua.LNumber(tt.to))
		if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
			t.Fatal(err)
		}
		if got := L.GetGlobal("_result") == lua.LTrue; got != tt.want {
			t.Errorf("time_between(%d, %d) at %02d:00 = %v, want %v", tt.from, tt.to, tt.hour, got, tt.want)
		}
	}
}

func TestSystemLogLevels(t *testing.T) {
	var logs []string
	L := newSystemState(t, &logs)

	if err := L.DoString(`
		system.log("debug", "a")
		system.log("warn", "b")
		system.log("error", "c")
		system.log("whatever", "d")
	`); err != nil {
		t.Fatal(err)
	}

	want := []string{"DEBUG a", "WARN b", "ERROR c", "INFO d"}
	if len(logs) != len(want) {
		t.Fatalf("logs = %v, want %v", logs, want)
	}
	for i := range want {
		if logs[i] != want[i] {
			t.Errorf("logs[%d] = %q, want %q", i, logs[i], want[i])
		}
	}
}
