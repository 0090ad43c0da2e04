package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/script"
)

type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"update":        {"load, init, upload, verify and activate the firmware", cmdUpdate},
	"init":          {"send the init command for the firmware", cmdInit},
	"upload":        {"init and upload all chunks without verifying", cmdUpload},
	"verify":        {"verify the inactive slot against [crc] or the firmware CRC", cmdVerify},
	"verify-active": {"verify the active slot against [crc] or the firmware CRC", cmdVerifyActive},
	"activate":      {"copy the inactive image to the active slot of the core", cmdActivate},
	"config-read":   {"read the device configuration", cmdConfigRead},
	"config-write":  {"write the device configuration", cmdConfigWrite},
	"config-update": {"update the device configuration", cmdConfigUpdate},
	"chip-id":       {"print the chip ID", cmdChipID},
	"version":       {"print bootloader and application versions", cmdVersion},
	"crc":           {"print the firmware CRC, or the device slot CRC with active|inactive", cmdCRC},
	"protect":       {"read|write on|off: set flash protection", cmdProtect},
	"goto":          {"<addr>: jump to an address", cmdGoTo},
	"erase":         {"<hex>: erase flash sectors described by the payload", cmdErase},
	"history":       {"list recorded update sessions [limit]", cmdHistory},
	"serve":         {"run the HTTP API and MQTT bridge until interrupted", cmdServe},
	"run":           {"<script.lua|id> [args...]: run a Lua script", cmdRun},
}

func commandUsage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "  %-14s %s\n", name, commands[name].usage)
	}
	return b.String()
}

func cmdUpdate(ctx context.Context, a *app, _ []string) error {
	path, err := a.firmwarePath()
	if err != nil {
		return err
	}
	if err := a.openStore(); err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	finish := attachProgress(a.bus, os.Stderr)
	s, err := a.updater.FullUpdate(ctx, path, a.cfg.core())
	finish()
	if s != nil {
		printSummary(a, s)
	}
	return err
}

func cmdInit(ctx context.Context, a *app, _ []string) error {
	path, err := a.firmwarePath()
	if err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	s, err := a.updater.PrepareUpload(ctx, path, a.cfg.core())
	if err != nil {
		return err
	}
	printSummary(a, s)
	return nil
}

func cmdUpload(ctx context.Context, a *app, _ []string) error {
	path, err := a.firmwarePath()
	if err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	s, err := a.updater.PrepareUpload(ctx, path, a.cfg.core())
	if err != nil {
		return err
	}
	finish := attachProgress(a.bus, os.Stderr)
	err = a.updater.UploadChunks(ctx, s, a.cfg.Timeouts.Chunk, a.cfg.Timeouts.ChunkAttempts)
	finish()
	printSummary(a, s)
	return err
}

// crcArg parses an optional CRC argument, falling back to the firmware CRC.
func crcArg(a *app, args []string) (uint32, error) {
	if len(args) > 0 {
		v, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid crc %q: %w", args[0], err)
		}
		return uint32(v), nil
	}
	img, err := a.image()
	if err != nil {
		return 0, err
	}
	return img.CRC(), nil
}

func cmdVerify(ctx context.Context, a *app, args []string) error {
	crc, err := crcArg(a, args)
	if err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	if err := a.updater.VerifyInactiveCRC(ctx, crc); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "inactive image verified (crc 0x%08X)\n", crc)
	return nil
}

func cmdVerifyActive(ctx context.Context, a *app, args []string) error {
	crc, err := crcArg(a, args)
	if err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	if err := a.updater.VerifyActive(ctx, crc); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "active image verified (crc 0x%08X)\n", crc)
	return nil
}

func cmdActivate(ctx context.Context, a *app, args []string) error {
	crc, err := crcArg(a, args)
	if err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	core := a.cfg.core()
	if err := a.updater.UpdateActive(ctx, core, crc); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s active image updated (crc 0x%08X)\n", core, crc)
	return nil
}

func cmdConfigRead(ctx context.Context, a *app, _ []string) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	data, err := a.updater.ReadConfig(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, hex.EncodeToString(data))
	return nil
}

func cmdConfigWrite(ctx context.Context, a *app, _ []string) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	return a.updater.WriteConfig(ctx)
}

func cmdConfigUpdate(ctx context.Context, a *app, _ []string) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	return a.updater.UpdateConfig(ctx)
}

func cmdChipID(ctx context.Context, a *app, _ []string) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	id, err := a.updater.ChipID(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "0x%03X\n", id)
	return nil
}

func cmdVersion(ctx context.Context, a *app, _ []string) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	boot, err := a.updater.BootloaderVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "bootloader  %s\n", formatVersion(boot))
	for _, core := range []protocol.Core{protocol.CoreCM7, protocol.CoreCM4} {
		v, err := a.updater.AppVersion(ctx, core)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "app %s     %s\n", core, formatVersion(v))
	}
	return nil
}

// formatVersion renders 0x00MMmmpp as MM.mm.pp.
func formatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d (0x%08X)", (v>>16)&0xFF, (v>>8)&0xFF, v&0xFF, v)
}

func cmdCRC(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		img, err := a.image()
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s: %d bytes, %d chunks, crc 0x%08X\n", img.Path(), img.Size(), img.TotalChunks(), img.CRC())
		return nil
	}

	var query func(context.Context) (uint32, error)
	switch args[0] {
	case "active":
		query = a.updater.ActiveCRC
	case "inactive":
		query = a.updater.InactiveCRC
	default:
		return fmt.Errorf("crc: expected active or inactive, got %q", args[0])
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	crc, err := query(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s crc 0x%08X\n", args[0], crc)
	return nil
}

func cmdProtect(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("protect: expected read|write on|off")
	}
	var fn func(context.Context) error
	switch args[0] + " " + args[1] {
	case "read on":
		fn = a.updater.ReadProtect
	case "read off":
		fn = a.updater.ReadUnprotect
	case "write on":
		fn = a.updater.WriteProtect
	case "write off":
		fn = a.updater.WriteUnprotect
	default:
		return fmt.Errorf("protect: expected read|write on|off, got %q", strings.Join(args, " "))
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func cmdGoTo(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("goto: expected an address")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("goto: invalid address %q: %w", args[0], err)
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	return a.updater.GoToLocation(ctx, uint32(addr))
}

func cmdErase(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("erase: expected a hex payload")
	}
	payload, err := hex.DecodeString(args[0])
	if err != nil {
		return fmt.Errorf("erase: invalid payload: %w", err)
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	return a.updater.EraseSectors(ctx, payload)
}

func cmdHistory(_ context.Context, a *app, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("history: invalid limit %q", args[0])
		}
		limit = n
	}
	if err := a.openStore(); err != nil {
		return err
	}
	recs, err := a.db.ListSessions(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSESSION\tCHIP\tCORE\tSTATE\tCHUNKS\tCRC\tDURATION\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t0x%08X\t%s\t%s\n",
			r.StartedAt.Format(time.DateTime), r.ID, r.ChipID, r.Core, r.State,
			r.ChunksSent, r.TotalChunks, r.ImageCRC, r.Duration().Round(time.Millisecond), r.Error)
	}
	return tw.Flush()
}

func cmdRun(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("run: expected a script file or id")
	}
	if err := a.openStore(); err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}

	var mgr *script.Manager
	if a.cfg.ScriptsDir != "" {
		m, err := script.NewManager(a.cfg.ScriptsDir)
		if err != nil {
			return err
		}
		mgr = m
	}
	runner := script.NewRunner(a.updater, mgr, a.logger, script.WithDefaultCore(a.cfg.core()))

	finish := attachProgress(a.bus, os.Stderr)
	var res *script.RunResult
	if code, err := os.ReadFile(args[0]); err == nil {
		res = runner.Run(ctx, string(code), args[1:]...)
	} else {
		res = runner.RunScript(ctx, strings.TrimSuffix(args[0], ".lua"), args[1:]...)
	}
	finish()

	for _, line := range res.Logs {
		fmt.Fprintln(a.stdout, line)
	}
	if !res.OK {
		return fmt.Errorf("script: %s", res.Error)
	}
	return nil
}

func printSummary(a *app, s *ota.Session) {
	sum := s.Summary()
	fmt.Fprintf(a.stdout, "session %s: %s\n", sum.SessionID, sum.State)
	if sum.TotalChunks > 0 {
		fmt.Fprintf(a.stdout, "  image %s (%d bytes, crc 0x%08X, core %s)\n", sum.ImagePath, sum.ImageSize, sum.ImageCRC, sum.Core)
		fmt.Fprintf(a.stdout, "  chunks %d/%d\n", sum.ChunksSent, sum.TotalChunks)
	}
}
