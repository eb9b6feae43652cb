//go:build no_mqtt

package main

import (
	"log/slog"

	"wuling-go-home/internal/coordinator"
	"wuling-go-home/internal/notify"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *coordinator.Coordinator, _ *notify.Directory, _ *Config, _ *slog.Logger) (*mqttStopper, notify.Publisher) {
	return &mqttStopper{}, nil
}
