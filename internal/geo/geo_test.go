package geo

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOutOfChina(t *testing.T) {
	tests := []struct {
		lon, lat float64
		want     bool
	}{
		{116.397, 39.909, false},
		{0, 0, true},
		{-122.4, 37.7, true},
		{140.0, 35.0, true},
		{100.0, 60.0, true},
	}
	for _, tt := range tests {
		if got := OutOfChina(tt.lon, tt.lat); got != tt.want {
			t.Errorf("OutOfChina(%v, %v) = %v, want %v", tt.lon, tt.lat, got, tt.want)
		}
	}
}

func TestToGCJ02(t *testing.T) {
	lon, lat := ToGCJ02(116.397, 39.909)
	if lon == 116.397 || lat == 39.909 {
		t.Fatal("point inside China was not shifted")
	}
	// GCJ-02 offsets around Beijing are a few hundred metres.
	if d := math.Abs(lon - 116.397); d < 0.001 || d > 0.02 {
		t.Errorf("longitude offset %v out of expected range", d)
	}
	if d := math.Abs(lat - 39.909); d < 0.0005 || d > 0.02 {
		t.Errorf("latitude offset %v out of expected range", d)
	}

	lon, lat = ToGCJ02(0, 0)
	if lon != 0 || lat != 0 {
		t.Errorf("ToGCJ02(0, 0) = %v, %v", lon, lat)
	}
}

const regeoOK = `{
  "status": "1", "info": "OK", "infocode": "10000",
  "regeocode": {
    "formatted_address": "Beijing Dongcheng Tiananmen",
    "addressComponent": {
      "province": "Beijing", "city": [], "district": "Dongcheng",
      "township": "Donghuamen", "adcode": "110101", "citycode": "010", "towncode": "110101001000",
      "streetNumber": {"street": "Dongchang'an", "number": "1", "distance": "20.5", "direction": "north"}
    }
  }
}`

func TestDistance(t *testing.T) {
	tests := []struct {
		name                   string
		lon1, lat1, lon2, lat2 float64
		want                   float64
	}{
		{"same point", 116.397, 39.909, 116.397, 39.909, 0},
		{"north 0.009 deg", 116.397, 39.909, 116.397, 39.918, 1000.76},
		{"equator 1 deg", 0, 0, 1, 0, 111195.08},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.lon1, tt.lat1, tt.lon2, tt.lat2)
			if math.Abs(got-tt.want) > 1 {
				t.Errorf("Distance = %.2f, want %.2f", got, tt.want)
			}
			if back := Distance(tt.lon2, tt.lat2, tt.lon1, tt.lat1); math.Abs(back-got) > 1e-6 {
				t.Errorf("not symmetric: %.4f vs %.4f", got, back)
			}
		})
	}
}

func TestReverseGeocode(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(regeoOK))
	}))
	defer srv.Close()

	c := NewClient("K", testLogger(), WithEndpoint(srv.URL), WithRateLimit(time.Millisecond, 10))
	addr, err := c.ReverseGeocode(context.Background(), 116.397, 39.909)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Formatted != "Beijing Dongcheng Tiananmen" {
		t.Errorf("formatted = %q", addr.Formatted)
	}
	if addr.City != "" || addr.Province != "Beijing" || addr.Street != "Dongchang'an" {
		t.Errorf("components = %+v", addr)
	}
	if !strings.Contains(gotQuery, "key=K") || !strings.Contains(gotQuery, "output=json") {
		t.Errorf("query = %q", gotQuery)
	}
	if strings.Contains(gotQuery, "116.397%2C39.909") {
		t.Error("untransformed coordinates sent")
	}
	if addr.Detail()["district"] != "Dongcheng" {
		t.Errorf("detail = %v", addr.Detail())
	}
}

func TestReverseGeocodeStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"0","info":"INVALID_USER_KEY","infocode":"10001"}`))
	}))
	defer srv.Close()

	c := NewClient("bad", testLogger(), WithEndpoint(srv.URL))
	if _, err := c.ReverseGeocode(context.Background(), 116.397, 39.909); err == nil {
		t.Fatal("expected error for status 0")
	}
}

func TestReverseGeocodeNoKey(t *testing.T) {
	c := NewClient("", testLogger())
	addr, err := c.ReverseGeocode(context.Background(), 116.397, 39.909)
	if addr != nil || err != nil {
		t.Errorf("no key: %v, %v", addr, err)
	}
}
