//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"ble-ota-flasher/internal/events"
	"ble-ota-flasher/internal/protocol"
)

const (
	actionUpdate       = "update"
	actionVerifyActive = "verify_active"
)

// message is one MQTT publication.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// command is the JSON body accepted on <prefix>/command.
type command struct {
	Action string `json:"action"`
	Path   string `json:"path,omitempty"`
	Core   string `json:"core,omitempty"`
	CRC    uint32 `json:"crc,omitempty"`

	core protocol.Core
}

type commandResult struct {
	Action    string `json:"action"`
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func availabilityTopic(prefix string) string { return prefix + "/bridge/state" }
func commandTopic(prefix string) string      { return prefix + "/command" }

// buildMessages maps an event to the topics it is published on.
// Session state and results are retained so late subscribers see the
// last outcome; progress is not.
func buildMessages(prefix string, event events.Event) []message {
	switch data := event.Data.(type) {
	case events.StateChange:
		return []message{{
			Topic:    prefix + "/session/state",
			Payload:  mustJSON(data),
			Retained: true,
		}}
	case events.Progress:
		return []message{{
			Topic:   prefix + "/session/progress",
			Payload: mustJSON(data),
		}}
	case events.StepResult:
		return []message{{
			Topic:   prefix + "/step/" + data.Step,
			Payload: mustJSON(data),
		}}
	case events.SessionSummary:
		return []message{{
			Topic:    prefix + "/session/result",
			Payload:  mustJSON(data),
			Retained: true,
		}}
	case events.Connection:
		state := "disconnected"
		if data.Connected {
			state = "connected"
		}
		return []message{{
			Topic:    prefix + "/device/" + data.Transport,
			Payload:  []byte(state),
			Retained: true,
		}}
	}
	return nil
}

// parseCommand decodes and validates a command payload, filling defaults.
func parseCommand(payload []byte, defaultPath string, defaultCore protocol.Core) (command, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("invalid command JSON: %w", err)
	}
	cmd.Action = strings.ToLower(strings.TrimSpace(cmd.Action))

	switch cmd.Action {
	case actionUpdate:
		if cmd.Path == "" {
			cmd.Path = defaultPath
		}
		if cmd.Path == "" {
			return cmd, fmt.Errorf("update: no firmware path")
		}
		cmd.core = defaultCore
		if cmd.Core != "" {
			core, err := protocol.ParseCore(cmd.Core)
			if err != nil {
				return cmd, err
			}
			cmd.core = core
		}
	case actionVerifyActive:
		if cmd.CRC == 0 {
			return cmd, fmt.Errorf("verify_active: crc required")
		}
	default:
		return cmd, fmt.Errorf("unknown action %q", cmd.Action)
	}
	return cmd, nil
}
