//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ble-ota-flasher/internal/devicesim"
	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/transaction"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// stubClient records publications. Other Client methods are not used by
// the command path and panic through the nil embedded interface.
type stubClient struct {
	pahomqtt.Client

	mu        sync.Mutex
	published map[string][][]byte
}

func (c *stubClient) Publish(topic string, _ byte, _ bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = make(map[string][][]byte)
	}
	c.published[topic] = append(c.published[topic], payload.([]byte))
	return doneToken{}
}

func (c *stubClient) Disconnect(uint) {}

func (c *stubClient) results() []commandResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []commandResult
	for _, p := range c.published["ota/command/result"] {
		var res commandResult
		if err := json.Unmarshal(p, &res); err == nil {
			out = append(out, res)
		}
	}
	return out
}

type bridgeEnv struct {
	bridge  *Bridge
	client  *stubClient
	dev     *devicesim.Device
	updater *ota.Updater
	dir     string
}

func newBridgeEnv(t *testing.T, dev *devicesim.Device) *bridgeEnv {
	t.Helper()
	if err := dev.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timeouts := ota.DefaultTimeouts()
	timeouts.Init = 200 * time.Millisecond
	timeouts.Chunk = 200 * time.Millisecond
	timeouts.VerifyInactive = 200 * time.Millisecond
	timeouts.VerifyActive = 200 * time.Millisecond
	timeouts.Activate = 200 * time.Millisecond
	engine := transaction.New(dev, transaction.WithRetryPause(time.Millisecond))
	u := ota.NewUpdater(engine, ota.WithTimeouts(timeouts), ota.WithLogger(logger))

	dir := t.TempDir()
	client := &stubClient{}
	b := newBridge(u, "", protocol.CoreCM4, Config{TopicPrefix: "ota", FirmwareDir: dir}, logger)
	b.client = client
	t.Cleanup(b.Stop)
	return &bridgeEnv{bridge: b, client: client, dev: dev, updater: u, dir: dir}
}

func (e *bridgeEnv) writeFirmware(t *testing.T, name string, size int) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*13 + 1)
	}
	if err := os.WriteFile(filepath.Join(e.dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *bridgeEnv) sessionDone() bool {
	cur := e.updater.Current()
	return cur != nil && cur.State().Terminal()
}

func TestCommandUpdateConfinedToFirmwareDir(t *testing.T) {
	env := newBridgeEnv(t, devicesim.New())
	env.writeFirmware(t, "fw.bin", 2000)

	env.bridge.dispatch([]byte(`{"action":"update","path":"../../etc/fw.bin"}`))
	waitUntil(t, "update result", func() bool { return len(env.client.results()) == 1 })
	waitUntil(t, "session end", env.sessionDone)

	res := env.client.results()[0]
	if !res.OK || res.SessionID == "" {
		t.Fatalf("result = %+v", res)
	}
	sum := env.updater.Current().Summary()
	if sum.ImagePath != filepath.Join(env.dir, "fw.bin") {
		t.Errorf("image path = %q", sum.ImagePath)
	}
	if sum.State != string(ota.StateCompleted) {
		t.Errorf("state = %s (%s)", sum.State, sum.Error)
	}
}

func TestCommandVerifyActiveRefusedDuringUpdate(t *testing.T) {
	env := newBridgeEnv(t, devicesim.New(devicesim.WithLatency(2*time.Millisecond)))
	env.writeFirmware(t, "fw.bin", 40*ota.ChunkSize)

	env.bridge.dispatch([]byte(`{"action":"update","path":"fw.bin"}`))
	waitUntil(t, "upload start", func() bool {
		cur := env.updater.Current()
		return cur != nil && cur.ChunksSent() > 0
	})

	env.bridge.dispatch([]byte(`{"action":"verify_active","crc":305419896}`))
	waitUntil(t, "verify result", func() bool { return len(env.client.results()) == 2 })
	waitUntil(t, "session end", env.sessionDone)

	var verify *commandResult
	for _, res := range env.client.results() {
		if res.Action == actionVerifyActive {
			res := res
			verify = &res
		}
	}
	if verify == nil || verify.OK || !strings.Contains(verify.Error, ota.ErrSessionActive.Error()) {
		t.Fatalf("verify result = %+v", verify)
	}
	for _, r := range env.dev.Requests() {
		if r.Command == protocol.CmdVerifyActive {
			t.Fatal("verify_active reached the device during the upload")
		}
	}
	if st := env.updater.Current().State(); st != ota.StateCompleted {
		t.Errorf("session state = %s", st)
	}
}

func TestCommandVerifyActiveIdle(t *testing.T) {
	active := make([]byte, 500)
	env := newBridgeEnv(t, devicesim.New(devicesim.WithActiveImage(active)))
	crc := protocol.CRC32(active, protocol.CRCSeed)

	payload, _ := json.Marshal(map[string]any{"action": "verify_active", "crc": crc})
	env.bridge.dispatch(payload)
	waitUntil(t, "verify result", func() bool { return len(env.client.results()) == 1 })

	if res := env.client.results()[0]; !res.OK {
		t.Errorf("result = %+v", res)
	}
}

func TestCommandInvalidPayload(t *testing.T) {
	env := newBridgeEnv(t, devicesim.New())

	env.bridge.dispatch([]byte(`{"action":"reboot"}`))
	waitUntil(t, "result", func() bool { return len(env.client.results()) == 1 })

	if res := env.client.results()[0]; res.OK || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
	if len(env.dev.Requests()) != 0 {
		t.Error("invalid command reached the device")
	}
}

func TestDispatchAfterStopIgnored(t *testing.T) {
	env := newBridgeEnv(t, devicesim.New())
	env.bridge.Stop()

	env.bridge.dispatch([]byte(`{"action":"verify_active","crc":1}`))
	time.Sleep(20 * time.Millisecond)
	if n := len(env.client.results()); n != 0 {
		t.Errorf("results after stop = %d", n)
	}
}
