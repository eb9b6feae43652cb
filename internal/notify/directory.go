package notify

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/store"
)

// TargetStore persists discovered targets.
type TargetStore interface {
	SaveTarget(t *store.Target) error
	DeleteTarget(id string) error
	ListTargets() ([]*store.Target, error)
}

// Directory is the live set of candidate notification targets: the ones
// from the config file plus those discovered at runtime.
type Directory struct {
	mu      sync.RWMutex
	static  map[string]convert.Target
	dynamic map[string]convert.Target
	store   TargetStore
	logger  *slog.Logger
}

// NewDirectory creates a directory seeded with static targets. st may be nil.
func NewDirectory(logger *slog.Logger, static []convert.Target, st TargetStore) *Directory {
	d := &Directory{
		static:  make(map[string]convert.Target, len(static)),
		dynamic: make(map[string]convert.Target),
		store:   st,
		logger:  logger,
	}
	for _, t := range static {
		d.static[t.ID] = t
	}
	return d
}

// Load restores previously discovered targets from the store.
func (d *Directory) Load() error {
	if d.store == nil {
		return nil
	}
	list, err := d.store.ListTargets()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range list {
		d.dynamic[t.ID] = convert.Target{ID: t.ID, Name: t.Name, Attributes: t.Attributes}
	}
	return nil
}

// Upsert adds or updates a discovered target.
func (d *Directory) Upsert(t convert.Target, source string) {
	d.mu.Lock()
	d.dynamic[t.ID] = t
	d.mu.Unlock()
	if d.store != nil {
		rec := &store.Target{ID: t.ID, Name: t.Name, Attributes: t.Attributes, Source: source, LastSeen: time.Now()}
		if err := d.store.SaveTarget(rec); err != nil {
			d.logger.Error("save target", "id", t.ID, "err", err)
		}
	}
}

// Remove forgets a discovered target. Static targets cannot be removed.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	delete(d.dynamic, id)
	d.mu.Unlock()
	if d.store != nil {
		if err := d.store.DeleteTarget(id); err != nil {
			d.logger.Error("delete target", "id", id, "err", err)
		}
	}
}

// Targets returns all targets sorted by id. Static entries win over
// discovered ones with the same id.
func (d *Directory) Targets() []convert.Target {
	d.mu.RLock()
	defer d.mu.RUnlock()
	merged := make(map[string]convert.Target, len(d.static)+len(d.dynamic))
	for id, t := range d.dynamic {
		merged[id] = t
	}
	for id, t := range d.static {
		merged[id] = t
	}
	out := make([]convert.Target, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
