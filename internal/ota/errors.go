package ota

import (
	"errors"
	"fmt"

	"ble-ota-flasher/internal/protocol"
)

var (
	// ErrPrecondition marks failures detected before any transaction was sent.
	ErrPrecondition = errors.New("precondition failed")
	// ErrFileNotFound means the firmware path does not exist.
	ErrFileNotFound = errors.New("firmware file not found")
	// ErrSessionActive means another session is still running on the engine.
	ErrSessionActive = errors.New("update session already in progress")
	// ErrDeviceBusy means a standalone device operation is still running.
	ErrDeviceBusy = errors.New("device operation in progress")
	// ErrBadState means a step was invoked out of order.
	ErrBadState = errors.New("invalid session state")
)

// Step names a workflow step for error and event reporting.
type Step string

const (
	StepLoad           Step = "load"
	StepComputeCRC     Step = "compute_crc"
	StepInit           Step = "init"
	StepUpload         Step = "upload"
	StepVerifyInactive Step = "verify_inactive"
	StepVerifyActive   Step = "verify_active"
	StepActivate       Step = "activate"
	StepConfigRead     Step = "config_read"
	StepConfigWrite    Step = "config_write"
	StepConfigUpdate   Step = "config_update"
	StepQuery          Step = "query"
	StepCommand        Step = "command"
)

// StepError reports which step failed and, for uploads, which chunk.
type StepError struct {
	Step     Step
	Chunk    uint32
	HasChunk bool
	Err      error
}

func (e *StepError) Error() string {
	if e.HasChunk {
		return fmt.Sprintf("%s chunk %d: %v", e.Step, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RejectedError means the device answered with a non-ACK status.
type RejectedError struct {
	Command protocol.Command
	Status  protocol.Status
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("device rejected %s: %s", e.Command, e.Status)
}
