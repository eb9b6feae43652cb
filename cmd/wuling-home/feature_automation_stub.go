//go:build no_automation

package main

import (
	"log/slog"

	"wuling-go-home/internal/coordinator"
	"wuling-go-home/internal/notify"
	"wuling-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *coordinator.Coordinator, _ *notify.Registry, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
