// Package notify delivers push messages to user devices.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrNoService is returned when no service can serve a target.
var ErrNoService = errors.New("no notification service for target")

// Message is a push notification.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"message"`
}

// Service delivers messages to one destination.
type Service interface {
	Send(ctx context.Context, msg Message) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, msg Message) error

func (f ServiceFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

const (
	trackerPrefix   = "device_tracker."
	mobileAppPrefix = "mobile_app_"
)

// ResolveService maps a target id to a registered service name. A tracker id
// such as device_tracker.pixel resolves to mobile_app_pixel; if that name is
// not registered the stripped or raw id is tried instead.
func ResolveService(target string, has func(name string) bool) (string, bool) {
	if target == "" {
		return "", false
	}
	var candidates []string
	if strings.HasPrefix(target, trackerPrefix) {
		name := strings.TrimPrefix(target, trackerPrefix)
		primary := name
		if !strings.HasPrefix(name, mobileAppPrefix) {
			primary = mobileAppPrefix + name
		}
		candidates = append(candidates, primary, name)
	} else {
		primary := target
		if !strings.HasPrefix(target, mobileAppPrefix) {
			primary = mobileAppPrefix + target
		}
		candidates = append(candidates, primary, target)
	}
	for _, c := range candidates {
		if has(c) {
			return c, true
		}
	}
	return candidates[0], false
}

// Registry holds the configured services by name.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		services: make(map[string]Service),
		logger:   logger,
	}
}

// Register adds or replaces a service.
func (r *Registry) Register(name string, s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = s
	r.logger.Debug("notify service registered", "name", name)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[name]
	return ok
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Notify sends msg to the service resolved for target.
func (r *Registry) Notify(ctx context.Context, target string, msg Message) error {
	name, ok := ResolveService(target, r.Has)
	if !ok {
		r.logger.Warn("notify service not found", "target", target, "service", name)
		return fmt.Errorf("%s: %w", target, ErrNoService)
	}
	r.mu.RLock()
	svc := r.services[name]
	r.mu.RUnlock()
	if err := svc.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify %s: %w", name, err)
	}
	r.logger.Info("notification sent", "service", name, "title", msg.Title)
	return nil
}
