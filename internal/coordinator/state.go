package coordinator

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"wuling-go-home/internal/convert"
)

// Handler receives a full snapshot of the attribute map.
type Handler func(convert.Attributes)

type subscription struct {
	interest map[string]struct{}
	fn       Handler
}

// StateStore is the shared attribute map with interest-based fan-out.
type StateStore struct {
	mu     sync.RWMutex
	attrs  convert.Attributes
	subs   map[uint64]subscription
	nextID uint64
	logger *slog.Logger

	// OnSubscribers is called with the subscription count after it changes.
	OnSubscribers func(n int)
}

// NewStateStore creates an empty store.
func NewStateStore(logger *slog.Logger) *StateStore {
	return &StateStore{
		attrs:  make(convert.Attributes),
		subs:   make(map[uint64]subscription),
		logger: logger,
	}
}

// Get returns the stored value of one attribute.
func (s *StateStore) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[name]
	return v, ok
}

// Snapshot returns a copy of the whole map.
func (s *StateStore) Snapshot() convert.Attributes {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attrs.Clone()
}

// Subscribe registers fn for changes to any attribute in interest.
// Returns an unsubscribe function. An empty interest set never fires.
func (s *StateStore) Subscribe(interest []string, fn Handler) func() {
	set := make(map[string]struct{}, len(interest))
	for _, a := range interest {
		set[a] = struct{}{}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{interest: set, fn: fn}
	n := len(s.subs)
	s.mu.Unlock()
	s.reportSubscribers(n)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			n := len(s.subs)
			s.mu.Unlock()
			s.reportSubscribers(n)
		})
	}
}

func (s *StateStore) reportSubscribers(n int) {
	if s.OnSubscribers != nil {
		s.OnSubscribers(n)
	}
}

// Merge writes update into the map, last write wins, and notifies
// subscribers interested in the keys whose value changed. It returns the
// changed keys, sorted.
func (s *StateStore) Merge(update convert.Attributes) []string {
	if len(update) == 0 {
		return nil
	}
	s.mu.Lock()
	var changed []string
	for k, v := range update {
		if old, ok := s.attrs[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		s.attrs[k] = v
		changed = append(changed, k)
	}
	s.mu.Unlock()

	sort.Strings(changed)
	s.notify(changed)
	return changed
}

func (s *StateStore) notify(changed []string) {
	if len(changed) == 0 {
		return
	}
	s.mu.RLock()
	var targets []Handler
	for _, sub := range s.subs {
		for _, k := range changed {
			if _, ok := sub.interest[k]; ok {
				targets = append(targets, sub.fn)
				break
			}
		}
	}
	s.mu.RUnlock()

	for _, fn := range targets {
		snap := s.Snapshot()
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("state subscriber panic", "panic", r)
				}
			}()
			fn(snap)
		}()
	}
}
