//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ble-ota-flasher/internal/events"
	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	// FirmwareDir confines command paths to files in this directory.
	FirmwareDir string
}

// Bridge publishes OTA session events to MQTT and accepts update commands.
type Bridge struct {
	client      pahomqtt.Client
	updater     *ota.Updater
	defaultPath string
	defaultCore protocol.Core
	firmwareDir string
	prefix      string
	logger      *slog.Logger
	unsub       func()

	// Commands run on their own goroutines, bound to ctx and tracked by wg.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewBridge creates and connects an MQTT bridge. Commands start updates on
// updater; defaultPath and defaultCore fill fields a command leaves empty.
func NewBridge(updater *ota.Updater, defaultPath string, defaultCore protocol.Core, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(updater, defaultPath, defaultCore, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ota-flasher"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(availabilityTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(updater *ota.Updater, defaultPath string, defaultCore protocol.Core, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		updater:     updater,
		defaultPath: defaultPath,
		defaultCore: defaultCore,
		firmwareDir: cfg.FirmwareDir,
		prefix:      cfg.TopicPrefix,
		logger:      logger.With("component", "mqtt"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to OTA events and begins MQTT publishing.
func (b *Bridge) Start(bus *events.Bus) {
	b.unsub = bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop cancels running commands, waits for them, publishes offline state
// and disconnects.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	for _, msg := range buildMessages(b.prefix, event) {
		b.publish(msg.Topic, msg.Payload, msg.Retained)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(availabilityTopic(b.prefix), []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	topic := commandTopic(b.prefix)
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.dispatch(msg.Payload())
	})
}

// dispatch runs a command off the paho callback goroutine, which must not
// block for the length of a device transaction.
func (b *Bridge) dispatch(payload []byte) {
	data := append([]byte(nil), payload...)
	if !b.track(func() { b.handleCommand(data) }) {
		b.logger.Debug("command ignored, bridge stopped")
	}
}

// track runs fn on a goroutine Stop waits for. It reports false once
// the bridge is stopped.
func (b *Bridge) track(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

func (b *Bridge) handleCommand(payload []byte) {
	cmd, err := parseCommand(payload, b.defaultPath, b.defaultCore)
	if err != nil {
		b.logger.Warn("invalid command", "err", err)
		b.publishCommandResult(commandResult{Action: cmd.Action, OK: false, Error: err.Error()})
		return
	}

	switch cmd.Action {
	case actionUpdate:
		path := ota.ConfinePath(b.firmwareDir, cmd.Path)
		s, done, err := b.updater.Start(b.ctx, path, cmd.core)
		if err != nil {
			b.logger.Warn("update command rejected", "err", err)
			b.publishCommandResult(commandResult{Action: cmd.Action, OK: false, Error: err.Error()})
			return
		}
		b.publishCommandResult(commandResult{Action: cmd.Action, OK: true, SessionID: s.ID()})
		if err := <-done; err != nil {
			b.logger.Warn("update from MQTT failed", "session", s.ID(), "err", err)
		}
	case actionVerifyActive:
		err := b.updater.VerifyActive(b.ctx, cmd.CRC)
		res := commandResult{Action: cmd.Action, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		b.publishCommandResult(res)
	}
}

func (b *Bridge) publishCommandResult(res commandResult) {
	b.publish(commandTopic(b.prefix)+"/result", mustJSON(res), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
