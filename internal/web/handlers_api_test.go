package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ble-ota-flasher/internal/devicesim"
	"ble-ota-flasher/internal/events"
	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/script"
	"ble-ota-flasher/internal/store"
	"ble-ota-flasher/internal/transaction"
)

type testEnv struct {
	srv     *Server
	db      *store.BoltStore
	dev     *devicesim.Device
	updater *ota.Updater
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestServer(t *testing.T, dev *devicesim.Device, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if dev == nil {
		dev = devicesim.New(devicesim.WithLogger(logger))
	}
	if err := dev.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(logger)
	store.NewRecorder(db, logger).Attach(bus)

	engine := transaction.New(dev, transaction.WithRetryPause(time.Millisecond), transaction.WithLogger(logger))
	timeouts := ota.Timeouts{
		Init:            200 * time.Millisecond,
		Chunk:           200 * time.Millisecond,
		ChunkAttempts:   1,
		VerifyInactive:  200 * time.Millisecond,
		VerifyActive:    200 * time.Millisecond,
		Activate:        200 * time.Millisecond,
		Config:          200 * time.Millisecond,
		Default:         100 * time.Millisecond,
		DefaultAttempts: 1,
	}
	u := ota.NewUpdater(engine, ota.WithTimeouts(timeouts), ota.WithEmitter(bus), ota.WithLogger(logger))

	all := append([]ServerOption{
		WithStore(db),
		WithLink("sim", dev),
		WithVersion("test"),
	}, opts...)
	srv := NewServer(u, bus, logger, all...)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, db: db, dev: dev, updater: u}
}

func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func writeFirmware(t *testing.T, dir string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	path := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAPIStatus(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do("GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st statusResponse
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Connected || st.Transport != "sim" || st.Busy || st.Session != nil {
		t.Errorf("status = %+v", st)
	}
	if st.Version != "test" {
		t.Errorf("version = %q", st.Version)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	env := setupTestServer(t, nil, WithAPIKey("secret"))

	if w := env.do("GET", "/api/status", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}
	if w := env.do("GET", "/api/status", nil, "X-API-Key", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
	if w := env.do("GET", "/api/status", nil, "X-API-Key", "secret"); w.Code != http.StatusOK {
		t.Errorf("good key: status = %d, want 200", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t, nil, WithAllowedOrigins([]string{"http://ui.local"}))

	w := env.do("OPTIONS", "/api/update", nil, "Origin", "http://ui.local")
	if w.Code != http.StatusNoContent {
		t.Errorf("allowed preflight = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Errorf("allow-origin = %q", got)
	}

	if w := env.do("POST", "/api/update", nil, "Origin", "http://evil.local"); w.Code != http.StatusForbidden {
		t.Errorf("foreign origin POST = %d, want 403", w.Code)
	}
}

func TestAPIStartUpdateRecordsHistory(t *testing.T) {
	env := setupTestServer(t, nil)
	path, data := writeFirmware(t, t.TempDir(), 2000)

	w := env.do("POST", "/api/update", map[string]string{"path": path, "core": "cm7"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var started map[string]string
	if err := json.NewDecoder(w.Body).Decode(&started); err != nil {
		t.Fatal(err)
	}
	if started["session_id"] == "" || started["core"] != "cm7" {
		t.Errorf("response = %v", started)
	}

	waitFor(t, func() bool {
		recs, err := env.db.ListSessions(0)
		return err == nil && len(recs) == 1
	})

	rec, err := env.db.GetSession(started["session_id"])
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != string(ota.StateCompleted) {
		t.Errorf("state = %q, error = %q", rec.State, rec.Error)
	}
	if !bytes.Equal(env.dev.ActiveImage(), data) {
		t.Error("active image does not match firmware")
	}

	w = env.do("GET", "/api/sessions/"+rec.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get session = %d", w.Code)
	}
	w = env.do("GET", "/api/sessions?limit=5", nil)
	var list []*store.SessionRecord
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("history = %d entries", len(list))
	}
}

func TestAPIStartUpdateConflict(t *testing.T) {
	dev := devicesim.New(devicesim.WithLatency(20*time.Millisecond), devicesim.WithLogger(testLogger()))
	env := setupTestServer(t, dev)
	path, _ := writeFirmware(t, t.TempDir(), 2000)

	if w := env.do("POST", "/api/update", map[string]string{"path": path}); w.Code != http.StatusAccepted {
		t.Fatalf("first = %d", w.Code)
	}
	if w := env.do("POST", "/api/update", map[string]string{"path": path}); w.Code != http.StatusConflict {
		t.Errorf("second = %d, want 409", w.Code)
	}
	if w := env.do("GET", "/api/device", nil); w.Code != http.StatusConflict {
		t.Errorf("device query during update = %d, want 409", w.Code)
	}

	waitFor(t, func() bool { return !env.srv.busy() })
}

func TestAPIStartUpdateBadRequests(t *testing.T) {
	env := setupTestServer(t, nil)

	if w := env.do("POST", "/api/update", nil); w.Code != http.StatusBadRequest {
		t.Errorf("no path = %d, want 400", w.Code)
	}
	if w := env.do("POST", "/api/update", map[string]string{"path": "x.bin", "core": "m0"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad core = %d, want 400", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/update", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d, want 400", w.Code)
	}
}

func TestAPIStartUpdateDefaultsConfinedToDir(t *testing.T) {
	dir := t.TempDir()
	writeFirmware(t, dir, 2000)
	env := setupTestServer(t, nil, WithFirmwareDefaults("fw.bin", dir, protocol.CoreCM4))

	w := env.do("POST", "/api/update", map[string]string{"path": "../../etc/fw.bin"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	var started map[string]string
	if err := json.NewDecoder(w.Body).Decode(&started); err != nil {
		t.Fatal(err)
	}
	if started["path"] != filepath.Join(dir, "fw.bin") {
		t.Errorf("path = %q", started["path"])
	}
	waitFor(t, func() bool { return !env.srv.busy() })
}

func TestAPIDeviceInfo(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do("GET", "/api/device", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var info deviceInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.ChipID != "0x450" {
		t.Errorf("chip id = %q", info.ChipID)
	}
	if info.BootloaderVersion != devicesim.DefaultBootloaderVersion {
		t.Errorf("bootloader = 0x%X", info.BootloaderVersion)
	}
	if info.AppVersions["cm4"] != devicesim.DefaultAppVersion {
		t.Errorf("app versions = %v", info.AppVersions)
	}

	w = env.do("GET", "/api/devices", nil)
	var devs []*store.Device
	if err := json.NewDecoder(w.Body).Decode(&devs); err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].ChipID != "0x450" {
		t.Errorf("devices = %+v", devs)
	}
}

func TestAPIVerifyActive(t *testing.T) {
	image := bytes.Repeat([]byte{0xAB}, 4096)
	dev := devicesim.New(devicesim.WithActiveImage(image), devicesim.WithLogger(testLogger()))
	env := setupTestServer(t, dev)

	good := protocol.CRC32(image, protocol.CRCSeed)
	if w := env.do("POST", "/api/device/verify-active", map[string]uint32{"crc": good}); w.Code != http.StatusOK {
		t.Errorf("good crc = %d body=%s", w.Code, w.Body.String())
	}

	w := env.do("POST", "/api/device/verify-active", map[string]uint32{"crc": good + 1})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("bad crc = %d, want 502", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "NACK" {
		t.Errorf("body = %v", body)
	}

	if w := env.do("POST", "/api/device/verify-active", nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing crc = %d, want 400", w.Code)
	}
}

func TestAPIConfig(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do("POST", "/api/device/config/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read = %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["data"] != "01000000" {
		t.Errorf("data = %q", body["data"])
	}

	for _, op := range []string{"write", "update"} {
		if w := env.do("POST", "/api/device/config/"+op, nil); w.Code != http.StatusOK {
			t.Errorf("%s = %d", op, w.Code)
		}
	}
	if w := env.do("POST", "/api/device/config/erase", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown op = %d, want 404", w.Code)
	}
}

func TestAPIProtect(t *testing.T) {
	env := setupTestServer(t, nil)

	if w := env.do("POST", "/api/device/protect", map[string]any{"kind": "write", "enabled": true}); w.Code != http.StatusOK {
		t.Fatalf("protect = %d", w.Code)
	}
	// Init is refused while write-protected.
	path, _ := writeFirmware(t, t.TempDir(), 2000)
	env.do("POST", "/api/update", map[string]string{"path": path})
	waitFor(t, func() bool { return !env.srv.busy() })
	if sum := env.updater.Current().Summary(); sum.State != string(ota.StateFailed) || sum.FailedStep != string(ota.StepInit) {
		t.Errorf("summary = %+v", sum)
	}

	if w := env.do("POST", "/api/device/protect", map[string]any{"kind": "flash"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad kind = %d, want 400", w.Code)
	}
}

func TestAPIDeviceErrors(t *testing.T) {
	dev := devicesim.New(devicesim.WithFaults(devicesim.Faults{Silent: true}), devicesim.WithLogger(testLogger()))
	env := setupTestServer(t, dev)

	if w := env.do("GET", "/api/device", nil); w.Code != http.StatusGatewayTimeout {
		t.Errorf("silent device = %d, want 504", w.Code)
	}

	if err := dev.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if w := env.do("GET", "/api/device", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("disconnected = %d, want 503", w.Code)
	}
}

func TestAPIHistoryWithoutStore(t *testing.T) {
	logger := testLogger()
	dev := devicesim.New(devicesim.WithLogger(logger))
	u := ota.NewUpdater(transaction.New(dev), ota.WithLogger(logger))
	srv := NewServer(u, events.NewBus(logger), logger)
	t.Cleanup(srv.Stop)

	for _, path := range []string{"/api/sessions", "/api/devices", "/api/sessions/x"} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s = %d, want 503", path, w.Code)
		}
	}
}

func TestAPISessionNotFound(t *testing.T) {
	env := setupTestServer(t, nil)
	if w := env.do("GET", "/api/sessions/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if w := env.do("GET", "/api/update", nil); w.Code != http.StatusNotFound {
		t.Errorf("current session = %d, want 404", w.Code)
	}
}

func TestAPIScripts(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "chip.lua"), []byte("-- print chip\nota.log(tostring(ota.chip_id()))\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr, err := script.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	env := setupTestServer(t, nil)
	env.srv.scripts = script.NewRunner(env.updater, mgr, testLogger())

	w := env.do("GET", "/api/scripts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var list []script.Script
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "chip" || list[0].Description != "print chip" {
		t.Errorf("scripts = %+v", list)
	}

	w = env.do("POST", "/api/scripts/chip/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run = %d body=%s", w.Code, w.Body.String())
	}
	var res script.RunResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "1104" {
		t.Errorf("logs = %v", res.Logs)
	}

	if w := env.do("POST", "/api/scripts/missing/run", nil); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing script = %d, want 422", w.Code)
	}
}
