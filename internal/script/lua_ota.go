//go:build !no_scripts

package script

import (
	"encoding/hex"
	"time"

	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"

	lua "github.com/yuin/gopher-lua"
)

// registerOTAModule registers the `ota` global table in a Lua state.
//
// Device calls follow the Lua convention of returning nil (or false) plus
// an error string on failure instead of raising.
func registerOTAModule(L *lua.LState, r *Runner, vm *vmState) {
	mod := L.NewTable()

	queries := map[string]func() (uint32, error){
		"chip_id":            func() (uint32, error) { return r.updater.ChipID(vm.ctx) },
		"bootloader_version": func() (uint32, error) { return r.updater.BootloaderVersion(vm.ctx) },
		"active_crc":         func() (uint32, error) { return r.updater.ActiveCRC(vm.ctx) },
		"inactive_crc":       func() (uint32, error) { return r.updater.InactiveCRC(vm.ctx) },
	}
	for name, q := range queries {
		mod.RawSetString(name, L.NewFunction(func(L *lua.LState) int {
			return pushUint(L, q)
		}))
	}

	mod.RawSetString("app_version", L.NewFunction(func(L *lua.LState) int {
		core, ok := checkCore(L, 1, r.defaultCore)
		if !ok {
			return 2
		}
		return pushUint(L, func() (uint32, error) { return r.updater.AppVersion(vm.ctx, core) })
	}))

	mod.RawSetString("update", L.NewFunction(func(L *lua.LState) int {
		return otaUpdate(L, r, vm)
	}))

	mod.RawSetString("verify_active", L.NewFunction(func(L *lua.LState) int {
		crc := checkUint32(L, 1)
		return pushResult(L, r.updater.VerifyActive(vm.ctx, crc))
	}))

	mod.RawSetString("verify_inactive", L.NewFunction(func(L *lua.LState) int {
		crc := checkUint32(L, 1)
		return pushResult(L, r.updater.VerifyInactiveCRC(vm.ctx, crc))
	}))

	mod.RawSetString("activate", L.NewFunction(func(L *lua.LState) int {
		core, ok := checkCore(L, 1, r.defaultCore)
		if !ok {
			return 2
		}
		crc := checkUint32(L, 2)
		return pushResult(L, r.updater.UpdateActive(vm.ctx, core, crc))
	}))

	mod.RawSetString("config_read", L.NewFunction(func(L *lua.LState) int {
		data, err := r.updater.ReadConfig(vm.ctx)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(hex.EncodeToString(data)))
		return 1
	}))

	mod.RawSetString("config_write", L.NewFunction(func(L *lua.LState) int {
		return pushResult(L, r.updater.WriteConfig(vm.ctx))
	}))

	mod.RawSetString("config_update", L.NewFunction(func(L *lua.LState) int {
		return pushResult(L, r.updater.UpdateConfig(vm.ctx))
	}))

	mod.RawSetString("write_protect", L.NewFunction(func(L *lua.LState) int {
		if L.CheckBool(1) {
			return pushResult(L, r.updater.WriteProtect(vm.ctx))
		}
		return pushResult(L, r.updater.WriteUnprotect(vm.ctx))
	}))

	mod.RawSetString("crc", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		img, err := ota.LoadImage(path, r.defaultCore)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LNumber(img.CRC()))
		return 1
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		vm.log(msg)
		r.logger.Info("script log", "msg", msg)
		return 0
	}))

	mod.RawSetString("sleep", L.NewFunction(func(L *lua.LState) int {
		d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-vm.ctx.Done():
			L.RaiseError("sleep interrupted: %v", vm.ctx.Err())
		}
		return 0
	}))

	L.SetGlobal("ota", mod)
}

// ota.update(path [, core]) -> summary table, err
func otaUpdate(L *lua.LState, r *Runner, vm *vmState) int {
	path := L.CheckString(1)
	core, ok := checkCore(L, 2, r.defaultCore)
	if !ok {
		return 2
	}

	s, err := r.updater.FullUpdate(vm.ctx, path, core)
	if s == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	sum := s.Summary()
	tbl := L.NewTable()
	tbl.RawSetString("id", lua.LString(sum.SessionID))
	tbl.RawSetString("state", lua.LString(sum.State))
	tbl.RawSetString("crc", lua.LNumber(sum.ImageCRC))
	tbl.RawSetString("total_chunks", lua.LNumber(sum.TotalChunks))
	tbl.RawSetString("chunks_sent", lua.LNumber(sum.ChunksSent))
	if sum.FailedStep != "" {
		tbl.RawSetString("failed_step", lua.LString(sum.FailedStep))
	}
	if sum.FailedChunk != nil {
		tbl.RawSetString("failed_chunk", lua.LNumber(*sum.FailedChunk))
	}

	L.Push(tbl)
	if err != nil {
		L.Push(lua.LString(err.Error()))
		return 2
	}
	return 1
}

func pushUint(L *lua.LState, fn func() (uint32, error)) int {
	v, err := fn()
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(v))
	return 1
}

func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// checkCore reads an optional core name at idx. On a bad name it pushes
// nil, err and returns false.
func checkCore(L *lua.LState, idx int, def protocol.Core) (protocol.Core, bool) {
	name := L.OptString(idx, "")
	if name == "" {
		return def, true
	}
	core, err := protocol.ParseCore(name)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 0, false
	}
	return core, true
}

func checkUint32(L *lua.LState, idx int) uint32 {
	n := L.CheckNumber(idx)
	if n < 0 || n > 0xFFFFFFFF {
		L.ArgError(idx, "value out of uint32 range")
	}
	return uint32(n)
}
