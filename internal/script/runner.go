//go:build !no_scripts

package script

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"

	lua "github.com/yuin/gopher-lua"
)

// Runner executes scripts against an updater.
type Runner struct {
	updater     *ota.Updater
	manager     *Manager
	logger      *slog.Logger
	timeout     time.Duration
	defaultCore protocol.Core
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithDefaultCore sets the core used when a script omits one.
func WithDefaultCore(c protocol.Core) Option {
	return func(r *Runner) { r.defaultCore = c }
}

// NewRunner creates a runner. mgr may be nil when only inline code is run.
func NewRunner(updater *ota.Updater, mgr *Manager, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		updater:     updater,
		manager:     mgr,
		logger:      logger.With("component", "script"),
		timeout:     DefaultTimeout,
		defaultCore: protocol.CoreCM4,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Manager returns the script manager, or nil.
func (r *Runner) Manager() *Manager { return r.manager }

// RunScript loads a script by ID and runs it.
func (r *Runner) RunScript(ctx context.Context, id string, args ...string) *RunResult {
	if r.manager == nil {
		return &RunResult{OK: false, Error: "no scripts directory configured", Duration: "0s"}
	}
	s, err := r.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: "0s"}
	}
	return r.Run(ctx, s.LuaCode, args...)
}

// vmState is the per-run state shared with the ota module functions.
type vmState struct {
	ctx  context.Context
	logs []string
}

func (vm *vmState) log(msg string) {
	vm.logs = append(vm.logs, msg)
}

// Run executes code in a fresh sandboxed VM. args are exposed as the
// global `arg` table, 1-indexed.
func (r *Runner) Run(ctx context.Context, code string, args ...string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	L := lua.NewState()
	defer L.Close()

	// Sandbox
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetContext(ctx)

	vm := &vmState{ctx: ctx}
	registerOTAModule(L, r, vm)

	argTbl := L.NewTable()
	for i, a := range args {
		argTbl.RawSetInt(i+1, lua.LString(a))
	}
	L.SetGlobal("arg", argTbl)

	r.logger.Info("running script", "code_len", len(code), "args", len(args))

	if err := L.DoString(code); err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "context deadline exceeded") {
			errStr = fmt.Sprintf("timeout (%s)", r.timeout)
		}
		r.logger.Warn("script error", "err", errStr)
		return &RunResult{OK: false, Error: errStr, Logs: vm.logs, Duration: time.Since(start).String()}
	}

	dur := time.Since(start)
	r.logger.Info("script complete", "logs", len(vm.logs), "duration", dur)
	return &RunResult{OK: true, Logs: vm.logs, Duration: dur.String()}
}
