package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wuling-go-home/internal/coordinator"
	"wuling-go-home/internal/notify"
	"wuling-go-home/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
cloud:
  access_token: tok
  client_id: cid
  client_secret: secret
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cloud.AccessToken != "tok" || cfg.Cloud.ClientID != "cid" || cfg.Cloud.ClientSecret != "secret" {
		t.Errorf("credentials = %+v", cfg.Cloud.Credentials)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.Vehicle.BasicRefreshRate != coordinator.DefaultBasicRefreshRate {
		t.Errorf("basic rate = %d", cfg.Vehicle.BasicRefreshRate)
	}
	if cfg.Vehicle.OtherRefreshRate != coordinator.DefaultOtherRefreshRate {
		t.Errorf("other rate = %d", cfg.Vehicle.OtherRefreshRate)
	}
	if cfg.MQTT.TopicPrefix != "wuling" || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("defaults = %+v %+v", cfg.MQTT, cfg.Log)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, minimalConfig+`
amap:
  key: amap-key
vehicle:
  basic_api_refresh_rate: 30
  other_api_refresh_rate: 300
  debug: true
notify:
  mobile_app_pixel:
    type: telegram
    bot_token: bot
    chat_ids: ["1"]
targets:
  - id: device_tracker.pixel
    name: Pixel
mqtt:
  enabled: true
  broker: tcp://localhost:1883
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.AMap.Key != "amap-key" || cfg.Vehicle.BasicRefreshRate != 30 || !cfg.Vehicle.Debug {
		t.Errorf("cfg = %+v", cfg)
	}
	if svc := cfg.Notify["mobile_app_pixel"]; svc.Type != "telegram" || len(svc.ChatIDs) != 1 {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	targets := staticTargets(cfg.Targets)
	if len(targets) != 1 || targets[0].ID != "device_tracker.pixel" || targets[0].Name != "Pixel" {
		t.Errorf("targets = %+v", targets)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "cloud: [")); err == nil {
		t.Error("expected error for bad yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		extra  string
		errSub string
	}{
		{"no credentials", "", "cloud.access_token"},
		{"basic rate too high", minimalConfig + "vehicle:\n  basic_api_refresh_rate: 500\n", "basic_api_refresh_rate"},
		{"other rate too low", minimalConfig + "vehicle:\n  other_api_refresh_rate: 5\n", "other_api_refresh_rate"},
		{"mqtt without broker", minimalConfig + "mqtt:\n  enabled: true\n", "mqtt.broker"},
		{"bad rate limit", minimalConfig + "amap:\n  rate_limit: fast\n", "amap.rate_limit"},
		{"mqtt notify without bridge", minimalConfig + "notify:\n  hass:\n    type: mqtt\n    topic: t\n", "notify.hass"},
		{"target without id", minimalConfig + "targets:\n  - name: x\n", "targets[0].id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.extra
			if body == "" {
				body = "log:\n  level: debug\n"
			}
			cfg, err := loadConfig(writeConfig(t, body))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("validate() = %v, want error containing %q", err, tt.errSub)
			}
		})
	}
}

func TestResolveAMapKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if got := resolveAMapKey("", db, logger); got != "" {
		t.Errorf("empty store key = %q", got)
	}
	if err := db.SaveSettings(&store.Settings{AMapKey: "stored"}); err != nil {
		t.Fatal(err)
	}
	if got := resolveAMapKey("", db, logger); got != "stored" {
		t.Errorf("stored key = %q", got)
	}
	if got := resolveAMapKey("configured", db, logger); got != "configured" {
		t.Errorf("configured key = %q", got)
	}
}

func TestRegisterServices(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := notify.NewRegistry(logger)
	registerServices(reg, map[string]notify.ServiceConfig{
		"mobile_app_pixel": {Type: "webhook", URL: "http://example.invalid/hook"},
		"broken":           {Type: "telegram"},
		"hass":             {Type: "mqtt", Topic: "wuling/notify"},
	}, nil, logger)

	if !reg.Has("mobile_app_pixel") {
		t.Error("webhook service not registered")
	}
	if reg.Has("broken") || reg.Has("hass") {
		t.Errorf("invalid services registered: %v", reg.Names())
	}
}
