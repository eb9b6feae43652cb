package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("car/check/all", 120*time.Millisecond, nil)
	m.ObserveRequest("car/check/all", time.Second, errors.New("boom"))

	out := scrape(t, m)
	for _, want := range []string{
		`wuling_cloud_requests_total{endpoint="car/check/all",result="ok"} 1`,
		`wuling_cloud_requests_total{endpoint="car/check/all",result="error"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s", want)
		}
	}
}

func TestSetInterval(t *testing.T) {
	m := New()
	m.SetInterval(10*time.Second, true)
	out := scrape(t, m)
	if !strings.Contains(out, "wuling_poll_primary_interval_seconds 10") {
		t.Error("interval gauge not exported")
	}
	if !strings.Contains(out, "wuling_poll_override_active 1") {
		t.Error("override gauge not exported")
	}
}

func TestAddChanges(t *testing.T) {
	m := New()
	m.AddChanges(2)
	m.AddChanges(0)
	if out := scrape(t, m); !strings.Contains(out, "wuling_state_attribute_changes_total 2") {
		t.Errorf("metrics output missing counter:\n%s", out)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("x", time.Second, nil)
	m.ObservePoll("primary", nil)
	m.AddChanges(3)
	m.ObserveGeocode(true, nil)
	m.ObserveNotification("door", nil)
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}
