//go:build no_mqtt

package main

import "log/slog"

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *app, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
