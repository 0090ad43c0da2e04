package web

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"ble-ota-flasher/internal/events"
	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/store"
	"ble-ota-flasher/internal/transaction"
)

type statusResponse struct {
	Version   string                 `json:"version"`
	Transport string                 `json:"transport,omitempty"`
	Connected bool                   `json:"connected"`
	Busy      bool                   `json:"busy"`
	Session   *events.SessionSummary `json:"session,omitempty"`
	Progress  *events.Progress       `json:"progress,omitempty"`
}

func (s *Server) status() statusResponse {
	st := statusResponse{
		Version:   s.version,
		Transport: s.transport,
		Busy:      s.busy(),
		Progress:  s.progress(),
	}
	if s.link != nil {
		st.Connected = s.link.IsConnected()
	}
	if cur := s.updater.Current(); cur != nil {
		sum := cur.Summary()
		st.Session = &sum
	}
	return st
}

// busy reports whether an update session is still running.
func (s *Server) busy() bool {
	cur := s.updater.Current()
	return cur != nil && !cur.State().Terminal()
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleAPICurrentSession(w http.ResponseWriter, r *http.Request) {
	cur := s.updater.Current()
	if cur == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no session"})
		return
	}
	s.writeJSON(w, http.StatusOK, cur.Summary())
}

type startUpdateRequest struct {
	Path string `json:"path"`
	Core string `json:"core"`
}

func (s *Server) handleAPIStartUpdate(w http.ResponseWriter, r *http.Request) {
	var req startUpdateRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}

	path := req.Path
	if path == "" {
		path = s.defaultPath
	}
	if path == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	path = ota.ConfinePath(s.firmwareDir, path)

	core := s.defaultCore
	if req.Core != "" {
		c, err := protocol.ParseCore(req.Core)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		core = c
	}

	sess, done, err := s.updater.Start(s.ctx, path, core)
	if err != nil {
		if errors.Is(err, ota.ErrSessionActive) || errors.Is(err, ota.ErrDeviceBusy) {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := <-done; err != nil {
			s.logger.Warn("update finished with error", "session", sess.ID(), "err", err)
			return
		}
		s.logger.Info("update finished", "session", sess.ID())
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sess.ID(),
		"path":       path,
		"core":       core.String(),
	})
}

type deviceInfo struct {
	ChipID            string            `json:"chip_id"`
	BootloaderVersion uint32            `json:"bootloader_version"`
	AppVersions       map[string]uint32 `json:"app_versions"`
	ActiveCRC         uint32            `json:"active_crc"`
}

func (s *Server) handleAPIDeviceInfo(w http.ResponseWriter, r *http.Request) {
	if !s.deviceReady(w) {
		return
	}
	ctx := r.Context()

	var chipID uint32
	info := deviceInfo{AppVersions: make(map[string]uint32, 2)}
	queries := []struct {
		dst *uint32
		fn  func(context.Context) (uint32, error)
	}{
		{&chipID, s.updater.ChipID},
		{&info.BootloaderVersion, s.updater.BootloaderVersion},
		{&info.ActiveCRC, s.updater.ActiveCRC},
	}
	for _, q := range queries {
		v, err := q.fn(ctx)
		if err != nil {
			s.writeDeviceError(w, err)
			return
		}
		*q.dst = v
	}
	for _, core := range []protocol.Core{protocol.CoreCM7, protocol.CoreCM4} {
		v, err := s.updater.AppVersion(ctx, core)
		if err != nil {
			s.writeDeviceError(w, err)
			return
		}
		info.AppVersions[core.String()] = v
	}
	info.ChipID = store.ChipKey(chipID)

	if s.store != nil {
		if err := s.store.UpdateDevice(info.ChipID, func(dev *store.Device) error {
			now := time.Now()
			if dev.FirstSeen.IsZero() {
				dev.FirstSeen = now
			}
			dev.LastSeen = now
			dev.BootloaderVersion = info.BootloaderVersion
			dev.AppVersions = info.AppVersions
			dev.ActiveCRC = info.ActiveCRC
			return nil
		}); err != nil {
			s.logger.Error("save device", "chip_id", info.ChipID, "err", err)
		}
	}

	s.writeJSON(w, http.StatusOK, info)
}

type crcRequest struct {
	CRC  *uint32 `json:"crc"`
	Path string  `json:"path"`
	Core string  `json:"core"`
}

// resolveCRC takes the CRC from the request or computes it from an image.
func (s *Server) resolveCRC(req crcRequest) (uint32, error) {
	if req.CRC != nil {
		return *req.CRC, nil
	}
	path := req.Path
	if path == "" {
		path = s.defaultPath
	}
	if path == "" {
		return 0, errors.New("crc or path is required")
	}
	path = ota.ConfinePath(s.firmwareDir, path)
	img, err := ota.LoadImage(path, s.defaultCore)
	if err != nil {
		return 0, err
	}
	return img.CRC(), nil
}

func (s *Server) handleAPIVerifyActive(w http.ResponseWriter, r *http.Request) {
	var req crcRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	crc, err := s.resolveCRC(req)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.deviceReady(w) {
		return
	}
	if err := s.updater.VerifyActive(r.Context(), crc); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "crc": fmt.Sprintf("0x%08X", crc)})
}

func (s *Server) handleAPIActivate(w http.ResponseWriter, r *http.Request) {
	var req crcRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	core := s.defaultCore
	if req.Core != "" {
		c, err := protocol.ParseCore(req.Core)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		core = c
	}
	crc, err := s.resolveCRC(req)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.deviceReady(w) {
		return
	}
	if err := s.updater.UpdateActive(r.Context(), core, crc); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "core": core.String()})
}

func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	op := r.PathValue("op")
	if op != "read" && op != "write" && op != "update" {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown config operation"})
		return
	}
	if !s.deviceReady(w) {
		return
	}

	ctx := r.Context()
	switch op {
	case "read":
		data, err := s.updater.ReadConfig(ctx)
		if err != nil {
			s.writeDeviceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"data": hex.EncodeToString(data)})
		return
	case "write":
		if err := s.updater.WriteConfig(ctx); err != nil {
			s.writeDeviceError(w, err)
			return
		}
	case "update":
		if err := s.updater.UpdateConfig(ctx); err != nil {
			s.writeDeviceError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type protectRequest struct {
	Kind    string `json:"kind"` // "read" or "write"
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleAPIProtect(w http.ResponseWriter, r *http.Request) {
	var req protectRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var fn func(context.Context) error
	switch {
	case req.Kind == "read" && req.Enabled:
		fn = s.updater.ReadProtect
	case req.Kind == "read":
		fn = s.updater.ReadUnprotect
	case req.Kind == "write" && req.Enabled:
		fn = s.updater.WriteProtect
	case req.Kind == "write":
		fn = s.updater.WriteUnprotect
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be read or write"})
		return
	}
	if !s.deviceReady(w) {
		return
	}
	if err := fn(r.Context()); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAPIListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := s.store.ListSessions(limit)
	if err != nil {
		s.logger.Error("list sessions", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if recs == nil {
		recs = []*store.SessionRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAPIGetSession(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	rec, err := s.store.GetSession(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAPIDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteSession(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	devs, err := s.store.ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if devs == nil {
		devs = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devs)
}

// deviceReady rejects device commands while disconnected or mid-update.
func (s *Server) deviceReady(w http.ResponseWriter) bool {
	if s.link != nil && !s.link.IsConnected() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "device not connected"})
		return false
	}
	if s.busy() {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": ota.ErrSessionActive.Error()})
		return false
	}
	return true
}

func (s *Server) storeReady(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history not available"})
		return false
	}
	return true
}

// writeDeviceError maps a failed device command to a gateway status.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	body := map[string]string{"error": err.Error()}

	var rej *ota.RejectedError
	switch {
	case errors.Is(err, ota.ErrSessionActive):
		status = http.StatusConflict
	case errors.As(err, &rej):
		body["status"] = rej.Status.String()
	case errors.Is(err, transaction.ErrNoResponse),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.logger.Warn("device command failed", "err", err)
	s.writeJSON(w, status, body)
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
