//go:build no_scripts

package script

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"
)

var errDisabled = errors.New("scripting disabled at build time")

type Manager struct{ dir string }

func NewManager(dir string) (*Manager, error) { return &Manager{dir: dir}, nil }
func (m *Manager) Dir() string { return m.dir }
func (m *Manager) List() ([]*Script, error) { return nil, nil }
func (m *Manager) Get(string) (*Script, error) { return nil, errDisabled }

type Runner struct{ manager *Manager }

type Option func(*Runner)

func WithTimeout(time.Duration) Option { return func(*Runner) {} }
func WithDefaultCore(protocol.Core) Option { return func(*Runner) {} }

func NewRunner(_ *ota.Updater, mgr *Manager, _ *slog.Logger, _ ...Option) *Runner {
	return &Runner{manager: mgr}
}

func (r *Runner) Manager() *Manager { return r.manager }

func (r *Runner) RunScript(context.Context, string, ...string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error(), Duration: "0s"}
}

func (r *Runner) Run(context.Context, string, ...string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error(), Duration: "0s"}
}
