//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	minEveryInterval     = time.Second
)

// registerWolModule installs the `wol` global table.
func registerWolModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on":      func(L *lua.LState) int { return wolOn(L, vm) },
		"wake":    func(L *lua.LState) int { return wolWake(L, vm, e) },
		"probe":   func(L *lua.LState) int { return wolProbe(L, vm, e) },
		"devices": func(L *lua.LState) int { return wolDevices(L, e) },
		"after":   func(L *lua.LState) int { return wolAfter(L, vm, e) },
		"every":   func(L *lua.LState) int { return wolEvery(L, vm, e) },
		"log": func(L *lua.LState) int {
			vm.logf(slog.LevelInfo, L.CheckString(1))
			return 0
		},
	})
	L.SetGlobal("wol", mod)
}

// wol.on(type, [filter,] callback)
func wolOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	if fn, ok := L.Get(2).(*lua.LFunction); ok {
		h.fn = fn
	} else {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		h.filter = make(map[string]lua.LValue)
		filter.ForEach(func(k, v lua.LValue) {
			if key, ok := k.(lua.LString); ok {
				h.filter[string(key)] = v
			}
		})
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// actionContext bounds a registry call by the VM lifetime and actionTimeout.
func actionContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, actionTimeout)
}

// wol.wake(name) -> true | false, err
func wolWake(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	ctx, cancel := actionContext(vm)
	defer cancel()

	if err := e.reg.WakeDevice(ctx, name); err != nil {
		e.logger.Warn("script wake failed", "name", name, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// wol.probe(name) -> {address=, is_alive=} | nil, err
func wolProbe(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	ctx, cancel := actionContext(vm)
	defer cancel()

	res, err := e.reg.ProbeDevice(ctx, name)
	if err != nil {
		e.logger.Warn("script probe failed", "name", name, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	t := L.NewTable()
	t.RawSetString("address", lua.LString(res.Address))
	t.RawSetString("is_alive", lua.LBool(res.IsAlive))
	L.Push(t)
	return 1
}

// wol.devices() -> array of {name=, ip=, mac=} sorted by name
func wolDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.reg.ListDevices()
	if err != nil {
		e.logger.Warn("script list devices", "err", err)
		L.Push(tbl)
		return 1
	}

	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := L.NewTable()
		d.RawSetString("name", lua.LString(name))
		d.RawSetString("ip", lua.LString(devices[name].IP))
		d.RawSetString("mac", lua.LString(devices[name].MAC))
		tbl.Append(d)
	}
	L.Push(tbl)
	return 1
}

// wol.after(seconds, callback)
func wolAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		e.enqueue(vm, fn, "after")
	}()
	return 0
}

// wol.every(seconds, callback) repeats until the script is stopped.
func wolEvery(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)
	if d < minEveryInterval {
		L.ArgError(1, "interval must be at least 1 second")
		return 0
	}

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.enqueue(vm, fn, "every")
			case <-vm.ctx.Done():
				return
			}
		}
	}()
	return 0
}

// enqueue schedules fn on the VM goroutine without blocking.
func (e *Engine) enqueue(vm *scriptVM, fn *lua.LFunction, origin string) {
	select {
	case vm.commands <- func(L *lua.LState) {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
			e.logger.Error(origin+" callback error", "err", err)
		}
	}:
	default:
		e.logger.Warn(origin + ": command channel full")
	}
}
