package coordinator

import (
	"reflect"
	"testing"

	"wuling-go-home/internal/convert"
)

func TestStateStoreMerge(t *testing.T) {
	s := NewStateStore(newTestLogger())

	if changed := s.Merge(nil); changed != nil {
		t.Errorf("empty merge changed %v", changed)
	}

	changed := s.Merge(convert.Attributes{"battery": 80.0, "door_lock": true})
	if !reflect.DeepEqual(changed, []string{"battery", "door_lock"}) {
		t.Errorf("changed = %v", changed)
	}

	changed = s.Merge(convert.Attributes{"battery": 80.0, "door_lock": false, "options": []string{"", "a"}})
	if !reflect.DeepEqual(changed, []string{"door_lock", "options"}) {
		t.Errorf("changed = %v", changed)
	}

	changed = s.Merge(convert.Attributes{"options": []string{"", "a"}})
	if len(changed) != 0 {
		t.Errorf("equal slice reported as changed: %v", changed)
	}

	if v, _ := s.Get("battery"); v != 80.0 {
		t.Errorf("battery = %v", v)
	}
}

func TestStateStoreSubscribe(t *testing.T) {
	s := NewStateStore(newTestLogger())
	var doorSnaps []convert.Attributes
	var silent int

	unsub := s.Subscribe([]string{"door_lock", "door1_lock_status"}, func(a convert.Attributes) {
		doorSnaps = append(doorSnaps, a)
	})
	s.Subscribe(nil, func(convert.Attributes) { silent++ })

	s.Merge(convert.Attributes{"battery": 50.0})
	if len(doorSnaps) != 0 {
		t.Fatalf("notified for unrelated key")
	}

	s.Merge(convert.Attributes{"door1_lock_status": true})
	if len(doorSnaps) != 1 {
		t.Fatalf("notifications = %d, want 1", len(doorSnaps))
	}
	if doorSnaps[0]["battery"] != 50.0 {
		t.Errorf("snapshot is not the full map: %v", doorSnaps[0])
	}

	doorSnaps[0]["battery"] = 1.0
	if v, _ := s.Get("battery"); v != 50.0 {
		t.Error("subscriber mutated the store")
	}

	s.Merge(convert.Attributes{"door1_lock_status": true})
	if len(doorSnaps) != 1 {
		t.Error("notified without a change")
	}

	unsub()
	s.Merge(convert.Attributes{"door_lock": true})
	if len(doorSnaps) != 1 {
		t.Error("notified after unsubscribe")
	}
	if silent != 0 {
		t.Errorf("empty interest notified %d times", silent)
	}
}

func TestStateStorePanicRecovery(t *testing.T) {
	s := NewStateStore(newTestLogger())
	var got int
	var counts []int
	s.OnSubscribers = func(n int) { counts = append(counts, n) }

	s.Subscribe([]string{"a"}, func(convert.Attributes) { panic("boom") })
	s.Subscribe([]string{"a"}, func(convert.Attributes) { got++ })

	s.Merge(convert.Attributes{"a": 1})
	if got != 1 {
		t.Errorf("second subscriber called %d times", got)
	}
	if !reflect.DeepEqual(counts, []int{1, 2}) {
		t.Errorf("subscriber counts = %v", counts)
	}
}
