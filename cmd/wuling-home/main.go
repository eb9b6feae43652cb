package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"wuling-go-home/internal/cloud"
	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/coordinator"
	"wuling-go-home/internal/geo"
	"wuling-go-home/internal/metrics"
	"wuling-go-home/internal/notify"
	"wuling-go-home/internal/store"
	"wuling-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type targetConfig struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Attributes map[string]string `yaml:"attributes"`
}

type Config struct {
	Cloud struct {
		cloud.Credentials `yaml:",inline"`
		BaseURL           string `yaml:"base_url"`
	} `yaml:"cloud"`
	AMap struct {
		Key       string `yaml:"key"`
		RateLimit string `yaml:"rate_limit"`
	} `yaml:"amap"`
	Vehicle struct {
		BasicRefreshRate int  `yaml:"basic_api_refresh_rate"`
		OtherRefreshRate int  `yaml:"other_api_refresh_rate"`
		Debug            bool `yaml:"debug"`
	} `yaml:"vehicle"`
	Notify  map[string]notify.ServiceConfig `yaml:"notify"`
	Targets []targetConfig                  `yaml:"targets"`
	Web     struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	DebugLog   string `yaml:"debug_log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Cloud.AccessToken == "" || c.Cloud.ClientID == "" || c.Cloud.ClientSecret == "" {
		return fmt.Errorf("cloud.access_token, cloud.client_id and cloud.client_secret are required")
	}
	if r := c.Vehicle.BasicRefreshRate; r < 1 || r > 120 {
		return fmt.Errorf("vehicle.basic_api_refresh_rate must be 1-120, got %d", r)
	}
	if r := c.Vehicle.OtherRefreshRate; r < 10 || r > 3600 {
		return fmt.Errorf("vehicle.other_api_refresh_rate must be 10-3600, got %d", r)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, err := time.ParseDuration(c.AMap.RateLimit); err != nil {
		return fmt.Errorf("amap.rate_limit: %w", err)
	}
	for name, svc := range c.Notify {
		if strings.EqualFold(svc.Type, "mqtt") && !c.MQTT.Enabled {
			return fmt.Errorf("notify.%s: mqtt service needs mqtt.enabled", name)
		}
	}
	for i, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("targets[%d].id is required", i)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("wuling-go-home starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := convert.NewRegistry(logger.With("component", "convert"), convert.VehicleRules()...)
	if err != nil {
		return fmt.Errorf("build rule registry: %w", err)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	m := metrics.New()
	events := coordinator.NewEventBus(logger)
	debugLog := cloud.NewDebugLog(cfg.DebugLog, logger.With("component", "debuglog"))

	directory := notify.NewDirectory(logger.With("component", "targets"), staticTargets(cfg.Targets), db)
	if err := directory.Load(); err != nil {
		logger.Warn("load discovered targets", "err", err)
	}
	services := notify.NewRegistry(logger.With("component", "notify"))

	cloudOpts := []cloud.Option{cloud.WithTracer(debugLog), cloud.WithMetrics(m)}
	if cfg.Cloud.BaseURL != "" {
		cloudOpts = append(cloudOpts, cloud.WithBaseURL(cfg.Cloud.BaseURL))
	}
	api := cloud.NewClient(cfg.Cloud.Credentials, cloud.NewIdentity(), logger.With("component", "cloud"), cloudOpts...)

	amapKey := resolveAMapKey(cfg.AMap.Key, db, logger)
	var geocoder coordinator.Geocoder
	if amapKey != "" {
		every, _ := time.ParseDuration(cfg.AMap.RateLimit)
		geocoder = geo.NewClient(amapKey, logger.With("component", "geo"),
			geo.WithRateLimit(every, 1),
			geo.WithTrace(debugLog.Write),
		)
	} else {
		logger.Info("no amap key configured, address lookup disabled")
	}

	coord, err := coordinator.New(coordinator.Config{
		API:      api,
		Geocoder: geocoder,
		Store:    db,
		Registry: registry,
		Notifier: services,
		Targets:  directory,
		Events:   events,
		Metrics:  m,
		DebugLog: debugLog,
		Defaults: store.Settings{
			BasicRefreshRate: cfg.Vehicle.BasicRefreshRate,
			OtherRefreshRate: cfg.Vehicle.OtherRefreshRate,
			DebugMode:        cfg.Vehicle.Debug,
			AMapKey:          amapKey,
		},
	}, logger.With("component", "coordinator"))
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return debugLog.Run(gctx) })

	startCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	err = coord.Start(startCtx)
	cancel()
	if err != nil {
		stop()
		_ = g.Wait()
		if errors.Is(err, cloud.ErrAuth) {
			return fmt.Errorf("vehicle cloud rejected the credentials, renew the access token: %w", err)
		}
		return fmt.Errorf("start coordinator: %w", err)
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt, publisher := initMQTT(coord, directory, cfg, logger)
	registerServices(services, cfg.Notify, publisher, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, services, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithTargets(directory),
		web.WithMetrics(m.Handler()),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger.With("component", "web"), webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		auto.Stop()
		mqtt.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
		coord.Stop()
		return nil
	})

	return g.Wait()
}

func staticTargets(list []targetConfig) []convert.Target {
	out := make([]convert.Target, 0, len(list))
	for _, t := range list {
		out = append(out, convert.Target{ID: t.ID, Name: t.Name, Attributes: t.Attributes})
	}
	return out
}

// resolveAMapKey prefers the configured key and falls back to the one
// persisted by an earlier run.
func resolveAMapKey(configured string, db *store.BoltStore, logger *slog.Logger) string {
	if configured != "" {
		return configured
	}
	s, err := db.GetSettings()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("read stored settings", "err", err)
		}
		return ""
	}
	return s.AMapKey
}

// registerServices builds the configured notification services. A service
// that fails to build is skipped so the rest still deliver.
func registerServices(reg *notify.Registry, cfgs map[string]notify.ServiceConfig, pub notify.Publisher, logger *slog.Logger) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		svc, err := notify.Build(cfgs[name], pub)
		if err != nil {
			logger.Error("notify service", "name", name, "err", err)
			continue
		}
		reg.Register(name, svc)
	}
	logger.Info("notify services registered", "services", reg.Names())
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "wuling-home.db"
	}
	if cfg.DebugLog == "" {
		cfg.DebugLog = "wuling-debug.log"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Vehicle.BasicRefreshRate == 0 {
		cfg.Vehicle.BasicRefreshRate = coordinator.DefaultBasicRefreshRate
	}
	if cfg.Vehicle.OtherRefreshRate == 0 {
		cfg.Vehicle.OtherRefreshRate = coordinator.DefaultOtherRefreshRate
	}
	if cfg.AMap.RateLimit == "" {
		cfg.AMap.RateLimit = "1s"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "wuling"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
