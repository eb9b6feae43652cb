package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DebugLog appends request dumps to a file while debug mode is on. Writes
// are queued and flushed by Run so callers never block on disk.
type DebugLog struct {
	path    string
	logger  *slog.Logger
	ch      chan string
	enabled atomic.Bool
	forced  atomic.Int32
	now     func() time.Time
}

// NewDebugLog creates a debug log writing to path. Nothing is written until
// Run is started and the log is enabled.
func NewDebugLog(path string, logger *slog.Logger) *DebugLog {
	return &DebugLog{
		path:   path,
		logger: logger,
		ch:     make(chan string, 256),
		now:    time.Now,
	}
}

// SetEnabled turns the log on or off.
func (d *DebugLog) SetEnabled(on bool) {
	if d == nil {
		return
	}
	d.enabled.Store(on)
}

// Enabled reports whether entries are currently recorded.
func (d *DebugLog) Enabled() bool {
	if d == nil {
		return false
	}
	return d.enabled.Load() || d.forced.Load() > 0
}

// Force records entries regardless of the toggle until release is called.
func (d *DebugLog) Force() (release func()) {
	if d == nil {
		return func() {}
	}
	d.forced.Add(1)
	var once sync.Once
	return func() { once.Do(func() { d.forced.Add(-1) }) }
}

// Write queues one entry. Entries are dropped when the queue is full.
func (d *DebugLog) Write(lines ...string) {
	if !d.Enabled() || len(lines) == 0 {
		return
	}
	stamp := d.now().Format("2006-01-02 15:04:05.000")
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "[%s] %s\n", stamp, l)
	}
	b.WriteString("\n")
	select {
	case d.ch <- b.String():
	default:
		d.logger.Warn("debug log queue full, entry dropped")
	}
}

// Run drains the queue into the file until ctx is cancelled.
func (d *DebugLog) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case entry := <-d.ch:
			d.append(entry)
		}
	}
}

func (d *DebugLog) drain() {
	for {
		select {
		case entry := <-d.ch:
			d.append(entry)
		default:
			return
		}
	}
}

func (d *DebugLog) append(entry string) {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		d.logger.Error("debug log dir", "err", err)
		return
	}
	f, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		d.logger.Error("debug log open", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		d.logger.Error("debug log write", "err", err)
	}
}
