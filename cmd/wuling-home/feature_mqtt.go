//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "wuling-go-home/internal/mqtt"

	"wuling-go-home/internal/coordinator"
	"wuling-go-home/internal/notify"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// initMQTT connects the bridge. The returned publisher backs mqtt notify
// services and is nil when the bridge is not running.
func initMQTT(coord *coordinator.Coordinator, targets *notify.Directory, cfg *Config, logger *slog.Logger) (*mqttStopper, notify.Publisher) {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}, nil
	}
	bridge, err := mqttbridge.NewBridge(coord, targets, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}, nil
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}, bridge
}
