package store

import "time"

// Settings holds the runtime-mutable configuration.
// AMapKey is hidden from API/JSON serialization via json:"-".
type Settings struct {
	BasicRefreshRate int       `json:"basic_api_refresh_rate"`
	OtherRefreshRate int       `json:"other_api_refresh_rate"`
	DebugMode        bool      `json:"debug_mode"`
	SelectedTarget   string    `json:"selected_target"`
	AMapKey          string    `json:"-"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// settingsStorage is the internal struct used for DB serialization,
// preserving the geocoder key on disk.
type settingsStorage struct {
	BasicRefreshRate int       `json:"basic_api_refresh_rate"`
	OtherRefreshRate int       `json:"other_api_refresh_rate"`
	DebugMode        bool      `json:"debug_mode"`
	SelectedTarget   string    `json:"selected_target"`
	AMapKey          string    `json:"amap_key,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Target is a notification target discovered at runtime.
type Target struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Source     string            `json:"source,omitempty"`
	LastSeen   time.Time         `json:"last_seen"`
}
