// Package script runs Lua maintenance scripts against the bootloader.
//
// Scripts get an `ota` global table that wraps the updater: device queries,
// full updates, verification, activation and config commands. Each run uses
// a fresh sandboxed VM bounded by a timeout.
package script

import "time"

// DefaultTimeout bounds a single script run. Full updates over BLE can take
// several minutes.
const DefaultTimeout = 30 * time.Minute

// Script is a Lua file from the scripts directory.
type Script struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	LuaCode     string `json:"lua_code"`
	FilePath    string `json:"-"`
}

// RunResult is the result of a script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}
