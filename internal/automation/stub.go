//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/coordinator"
	"wuling-go-home/internal/notify"
)

// ErrScriptNotFound is returned for an ID with no script file.
var ErrScriptNotFound = errors.New("script not found")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script represents a single automation script stored on disk.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	Running  bool       `json:"running"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// SystemConfig holds system exec settings (stub).
type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
	Now           func() time.Time
}

// Vehicle is the part of the coordinator scripts can reach.
type Vehicle interface {
	SetValue(ctx context.Context, attr string, value any) (convert.Effect, error)
	Press(ctx context.Context, attr string) (convert.Attributes, error)
	State() *coordinator.StateStore
	Events() *coordinator.EventBus
}

// Notifier delivers script notifications.
type Notifier interface {
	Notify(ctx context.Context, target string, msg notify.Message) error
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns nil manager when automation is disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

// List returns nil.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Get returns ErrScriptNotFound.
func (m *Manager) Get(_ string) (*Script, error) { return nil, ErrScriptNotFound }

// Save returns the script unchanged.
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }

// Delete is a no-op.
func (m *Manager) Delete(_ string) error { return nil }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ Vehicle, _ *Manager, _ Notifier, _ *slog.Logger, _ SystemConfig) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// ReloadScript is a no-op.
func (e *Engine) ReloadScript(_ string) error { return nil }

// ReloadAll is a no-op.
func (e *Engine) ReloadAll() error { return nil }

// Running returns nil.
func (e *Engine) Running() []string { return nil }

// StopScript is a no-op.
func (e *Engine) StopScript(_ string) {}

// RunScript returns a stub result.
func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}

// RunLuaCode returns a stub result.
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}
