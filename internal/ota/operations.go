package ota

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/transaction"
)

// Standalone operations. These run outside the session state machine
// against whatever image is resident on the device, and fail with
// ErrSessionActive while a session is not terminal.

// VerifyInactiveCRC asks the device to check the inactive slot against crc.
func (u *Updater) VerifyInactiveCRC(ctx context.Context, crc uint32) error {
	return u.simple(ctx, StepVerifyInactive, protocol.CmdVerifyInactive, crcPayload(crc), u.timeouts.VerifyInactive)
}

// VerifyActive asks the device to check the active slot against crc.
func (u *Updater) VerifyActive(ctx context.Context, crc uint32) error {
	return u.simple(ctx, StepVerifyActive, protocol.CmdVerifyActive, crcPayload(crc), u.timeouts.VerifyActive)
}

// UpdateActive copies the inactive image to the active slot of core.
func (u *Updater) UpdateActive(ctx context.Context, core protocol.Core, crc uint32) error {
	return u.simple(ctx, StepActivate, core.CopyToActiveCommand(), crcPayload(crc), u.timeouts.Activate)
}

// ReadConfig, WriteConfig and UpdateConfig carry no payload.
func (u *Updater) ReadConfig(ctx context.Context) ([]byte, error) {
	resp, err := u.step(ctx, StepConfigRead, protocol.CmdConfigRead, nil, u.timeouts.Config, u.timeouts.DefaultAttempts)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (u *Updater) WriteConfig(ctx context.Context) error {
	return u.simple(ctx, StepConfigWrite, protocol.CmdConfigWrite, nil, u.timeouts.Config)
}

func (u *Updater) UpdateConfig(ctx context.Context) error {
	return u.simple(ctx, StepConfigUpdate, protocol.CmdConfigUpdate, nil, u.timeouts.Config)
}

// ChipID returns the device identifier.
func (u *Updater) ChipID(ctx context.Context) (uint32, error) {
	return u.queryUint(ctx, protocol.CmdGetChipID)
}

// BootloaderVersion returns the bootloader version word.
func (u *Updater) BootloaderVersion(ctx context.Context) (uint32, error) {
	return u.queryUint(ctx, protocol.CmdGetBootloaderVersion)
}

// AppVersion returns the application version of core.
func (u *Updater) AppVersion(ctx context.Context, core protocol.Core) (uint32, error) {
	return u.queryUint(ctx, core.AppVersionCommand())
}

// ActiveCRC returns the CRC the device computes over its active image.
func (u *Updater) ActiveCRC(ctx context.Context) (uint32, error) {
	return u.queryUint(ctx, protocol.CmdCRCActive)
}

// InactiveCRC returns the CRC the device computes over its inactive image.
func (u *Updater) InactiveCRC(ctx context.Context) (uint32, error) {
	return u.queryUint(ctx, protocol.CmdCRCInactive)
}

func (u *Updater) ReadProtect(ctx context.Context) error {
	return u.simple(ctx, StepCommand, protocol.CmdReadProtect, nil, u.timeouts.Default)
}

func (u *Updater) ReadUnprotect(ctx context.Context) error {
	return u.simple(ctx, StepCommand, protocol.CmdReadUnprotect, nil, u.timeouts.Default)
}

func (u *Updater) WriteProtect(ctx context.Context) error {
	return u.simple(ctx, StepCommand, protocol.CmdWriteProtect, nil, u.timeouts.Default)
}

func (u *Updater) WriteUnprotect(ctx context.Context) error {
	return u.simple(ctx, StepCommand, protocol.CmdWriteUnprotect, nil, u.timeouts.Default)
}

// GoToLocation makes the bootloader jump to addr.
func (u *Updater) GoToLocation(ctx context.Context, addr uint32) error {
	return u.simple(ctx, StepCommand, protocol.CmdGoToLocation, crcPayload(addr), u.timeouts.Default)
}

// EraseSectors erases flash sectors; the payload layout is device defined.
func (u *Updater) EraseSectors(ctx context.Context, payload []byte) error {
	return u.simple(ctx, StepCommand, protocol.CmdEraseFlashSectors, payload, u.timeouts.Init)
}

// Command sends an arbitrary command and returns the raw response,
// whatever its status. Zero timeout or attempts select the defaults.
func (u *Updater) Command(ctx context.Context, cmd protocol.Command, payload []byte, timeout time.Duration, attempts int) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = u.timeouts.Default
	}
	if attempts <= 0 {
		attempts = u.timeouts.DefaultAttempts
	}
	release, err := u.acquire()
	if err != nil {
		return nil, &StepError{Step: StepCommand, Err: err}
	}
	defer release()
	resp, err := u.exec.Execute(ctx, transaction.Request{Command: cmd, Payload: payload, Timeout: timeout, Attempts: attempts})
	if err != nil {
		return nil, &StepError{Step: StepCommand, Err: err}
	}
	return resp, nil
}

func (u *Updater) simple(ctx context.Context, step Step, cmd protocol.Command, payload []byte, timeout time.Duration) error {
	_, err := u.step(ctx, step, cmd, payload, timeout, u.timeouts.DefaultAttempts)
	return err
}

func (u *Updater) step(ctx context.Context, step Step, cmd protocol.Command, payload []byte, timeout time.Duration, attempts int) (*protocol.Response, error) {
	release, err := u.acquire()
	if err != nil {
		return nil, &StepError{Step: step, Err: err}
	}
	defer release()
	return u.exchange(ctx, step, cmd, payload, timeout, attempts)
}

// exchange runs one ACK-expecting transaction without the session guard.
func (u *Updater) exchange(ctx context.Context, step Step, cmd protocol.Command, payload []byte, timeout time.Duration, attempts int) (*protocol.Response, error) {
	resp, err := u.expectACK(ctx, step, transaction.Request{
		Command:  cmd,
		Payload:  payload,
		Timeout:  timeout,
		Attempts: attempts,
	})
	if err != nil {
		return nil, &StepError{Step: step, Err: err}
	}
	return resp, nil
}

func (u *Updater) queryUint(ctx context.Context, cmd protocol.Command) (uint32, error) {
	resp, err := u.step(ctx, StepQuery, cmd, nil, u.timeouts.Default, u.timeouts.DefaultAttempts)
	if err != nil {
		return 0, err
	}
	v, err := decodeUint(resp.Payload)
	if err != nil {
		return 0, &StepError{Step: StepQuery, Err: fmt.Errorf("%s: %w", cmd, err)}
	}
	return v, nil
}

// decodeUint reads a 1 to 4 byte big-endian unsigned value.
func decodeUint(p []byte) (uint32, error) {
	switch len(p) {
	case 1:
		return uint32(p[0]), nil
	case 2:
		return uint32(binary.BigEndian.Uint16(p)), nil
	case 3:
		return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2]), nil
	case 4:
		return binary.BigEndian.Uint32(p), nil
	default:
		return 0, fmt.Errorf("unexpected payload length %d", len(p))
	}
}
