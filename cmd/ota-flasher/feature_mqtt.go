//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "ble-ota-flasher/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(a *app, logger *slog.Logger) *mqttStopper {
	cfg := a.cfg
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(a.updater, cfg.Firmware.Path, cfg.core(), mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		FirmwareDir: cfg.Firmware.Dir,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start(a.bus)
	return &mqttStopper{bridge: bridge}
}
