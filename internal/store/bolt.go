package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSettings = []byte("settings")
	bucketTargets  = []byte("targets")
	keySettings    = []byte("runtime")
	keyLabels      = []byte("target_labels")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSettings, bucketTargets} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func readSettings(b *bolt.Bucket) (*Settings, error) {
	data := b.Get(keySettings)
	if data == nil {
		return nil, fmt.Errorf("settings: %w", ErrNotFound)
	}
	// Deserialize via internal storage struct to recover the geocoder key.
	var st settingsStorage
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &Settings{
		BasicRefreshRate: st.BasicRefreshRate,
		OtherRefreshRate: st.OtherRefreshRate,
		DebugMode:        st.DebugMode,
		SelectedTarget:   st.SelectedTarget,
		AMapKey:          st.AMapKey,
		UpdatedAt:        st.UpdatedAt,
	}, nil
}

func writeSettings(b *bolt.Bucket, s *Settings) error {
	data, err := json.Marshal(settingsStorage{
		BasicRefreshRate: s.BasicRefreshRate,
		OtherRefreshRate: s.OtherRefreshRate,
		DebugMode:        s.DebugMode,
		SelectedTarget:   s.SelectedTarget,
		AMapKey:          s.AMapKey,
		UpdatedAt:        s.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return b.Put(keySettings, data)
}

func (s *BoltStore) GetSettings() (*Settings, error) {
	var out *Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		var err error
		out, err = readSettings(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SaveSettings(settings *Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		return writeSettings(b, settings)
	})
}

func (s *BoltStore) UpdateSettings(fn func(s *Settings) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		cur, err := readSettings(b)
		if err != nil {
			cur = &Settings{}
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.UpdatedAt = time.Now()
		return writeSettings(b, cur)
	})
}

func (s *BoltStore) SaveTarget(t *Target) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTargets)
		}
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) GetTarget(id string) (*Target, error) {
	var t Target
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTargets)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("target %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) DeleteTarget(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTargets)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListTargets() ([]*Target, error) {
	var targets []*Target
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		if b == nil {
			return nil // no bucket = no targets
		}
		targets = make([]*Target, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var t Target
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			targets = append(targets, &t)
			return nil
		})
	})
	return targets, err
}

func (s *BoltStore) GetTargetLabels() (map[string]string, error) {
	labels := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data := b.Get(keyLabels)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &labels)
	})
	if err != nil {
		return nil, err
	}
	return labels, nil
}

func (s *BoltStore) SaveTargetLabels(labels map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data, err := json.Marshal(labels)
		if err != nil {
			return err
		}
		return b.Put(keyLabels, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
