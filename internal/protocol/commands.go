// Package protocol implements the OTA command/response wire protocol:
// command and status registry, CRC32 primitive and packet framing.
package protocol

import (
	"fmt"
	"strings"
)

// Command is a request code carried in the command byte of an outbound packet.
type Command uint8

// Command codes understood by the device bootloader.
const (
	CmdInitFirmwareImage    Command = 0x00 // OTA initialize, erases sectors
	CmdUploadFirmwareChunk  Command = 0x01
	CmdGetBootloaderVersion Command = 0x02
	CmdGetAppVersionCM7     Command = 0x03
	CmdGetAppVersionCM4     Command = 0x04
	CmdGetChipID            Command = 0x05
	CmdGoToLocation         Command = 0x06
	CmdReadProtect          Command = 0x07
	CmdReadUnprotect        Command = 0x08
	CmdEraseFlashSectors    Command = 0x09
	CmdWriteProtect         Command = 0x0A
	CmdWriteUnprotect       Command = 0x0B
	CmdCRCActive            Command = 0x0C
	CmdCRCInactive          Command = 0x0D
	CmdVerifyActive         Command = 0x0E
	CmdVerifyInactive       Command = 0x0F
	CmdConfigRead           Command = 0x10
	CmdConfigWrite          Command = 0x11
	CmdConfigUpdate         Command = 0x12
	CmdCopyToActiveCM7      Command = 0x15
	CmdCopyToActiveCM4      Command = 0x16
)

// String returns a human-readable name for a command code.
func (c Command) String() string {
	switch c {
	case CmdInitFirmwareImage:
		return "InitFirmwareImage"
	case CmdUploadFirmwareChunk:
		return "UploadFirmwareChunk"
	case CmdGetBootloaderVersion:
		return "GetBootloaderVersion"
	case CmdGetAppVersionCM7:
		return "GetAppVersionCM7"
	case CmdGetAppVersionCM4:
		return "GetAppVersionCM4"
	case CmdGetChipID:
		return "GetChipID"
	case CmdGoToLocation:
		return "GoToLocation"
	case CmdReadProtect:
		return "ReadProtect"
	case CmdReadUnprotect:
		return "ReadUnprotect"
	case CmdEraseFlashSectors:
		return "EraseFlashSectors"
	case CmdWriteProtect:
		return "WriteProtect"
	case CmdWriteUnprotect:
		return "WriteUnprotect"
	case CmdCRCActive:
		return "CRCActive"
	case CmdCRCInactive:
		return "CRCInactive"
	case CmdVerifyActive:
		return "VerifyFirmwareActive"
	case CmdVerifyInactive:
		return "VerifyFirmwareInactive"
	case CmdConfigRead:
		return "ConfigRead"
	case CmdConfigWrite:
		return "ConfigWrite"
	case CmdConfigUpdate:
		return "ConfigUpdate"
	case CmdCopyToActiveCM7:
		return "CopyToActiveCM7"
	case CmdCopyToActiveCM4:
		return "CopyToActiveCM4"
	default:
		return fmt.Sprintf("0x%02X", uint8(c))
	}
}

// Status is the response code carried in the command byte of an inbound packet.
type Status uint8

// Response status codes.
const (
	StatusACK  Status = 0x40
	StatusNACK Status = 0x41
	StatusBusy Status = 0x42
)

// Valid reports whether s is one of the known response codes.
func (s Status) Valid() bool {
	return s == StatusACK || s == StatusNACK || s == StatusBusy
}

func (s Status) String() string {
	switch s {
	case StatusACK:
		return "ACK"
	case StatusNACK:
		return "NACK"
	case StatusBusy:
		return "BUSY"
	default:
		return fmt.Sprintf("0x%02X", uint8(s))
	}
}

// Core identifies the processor core a firmware image targets.
type Core uint8

const (
	CoreCM7 Core = 0x01
	CoreCM4 Core = 0x02
)

func (c Core) String() string {
	switch c {
	case CoreCM7:
		return "cm7"
	case CoreCM4:
		return "cm4"
	default:
		return fmt.Sprintf("core(0x%02X)", uint8(c))
	}
}

// ParseCore parses "cm4" or "cm7" (case-insensitive).
func ParseCore(s string) (Core, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cm7":
		return CoreCM7, nil
	case "cm4", "":
		return CoreCM4, nil
	default:
		return 0, fmt.Errorf("unknown core %q (supported: cm4, cm7)", s)
	}
}

// CopyToActiveCommand returns the core-specific "copy to active location" command.
func (c Core) CopyToActiveCommand() Command {
	if c == CoreCM7 {
		return CmdCopyToActiveCM7
	}
	return CmdCopyToActiveCM4
}

// AppVersionCommand returns the core-specific application version command.
func (c Core) AppVersionCommand() Command {
	if c == CoreCM7 {
		return CmdGetAppVersionCM7
	}
	return CmdGetAppVersionCM4
}
