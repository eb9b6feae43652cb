package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestResolveService(t *testing.T) {
	tests := []struct {
		target     string
		registered []string
		want       string
		ok         bool
	}{
		{"device_tracker.pixel", []string{"mobile_app_pixel"}, "mobile_app_pixel", true},
		{"device_tracker.mobile_app_pixel", []string{"mobile_app_pixel"}, "mobile_app_pixel", true},
		{"device_tracker.pixel", []string{"pixel"}, "pixel", true},
		{"pixel", []string{"mobile_app_pixel"}, "mobile_app_pixel", true},
		{"mobile_app_pixel", []string{"mobile_app_pixel"}, "mobile_app_pixel", true},
		{"family_tablet", []string{"family_tablet"}, "family_tablet", true},
		{"device_tracker.pixel", nil, "mobile_app_pixel", false},
		{"", []string{"x"}, "", false},
	}
	for _, tt := range tests {
		has := func(name string) bool {
			for _, r := range tt.registered {
				if r == name {
					return true
				}
			}
			return false
		}
		got, ok := ResolveService(tt.target, has)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ResolveService(%q) = %q, %v; want %q, %v", tt.target, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRegistryNotify(t *testing.T) {
	r := NewRegistry(testLogger())
	var got []Message
	r.Register("mobile_app_pixel", ServiceFunc(func(_ context.Context, m Message) error {
		got = append(got, m)
		return nil
	}))

	if err := r.Notify(context.Background(), "device_tracker.pixel", Message{Title: "Car", Body: "started"}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Body != "started" {
		t.Errorf("delivered = %v", got)
	}

	err := r.Notify(context.Background(), "device_tracker.tablet", Message{})
	if !errors.Is(err, ErrNoService) {
		t.Errorf("err = %v, want ErrNoService", err)
	}
}

func TestTelegramSend(t *testing.T) {
	var mu sync.Mutex
	var chats []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/botTOKEN/sendMessage") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		chats = append(chats, body["chat_id"])
		mu.Unlock()
		if !strings.Contains(body["text"], "door open") {
			t.Errorf("text = %q", body["text"])
		}
	}))
	defer srv.Close()

	tg := &Telegram{BotToken: "TOKEN", ChatIDs: []string{"1", "2"}, APIBase: srv.URL}
	if err := tg.Send(context.Background(), Message{Title: "Warning", Body: "door open"}); err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Errorf("chats = %v", chats)
	}
}

func TestWebhookSendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "abc" {
			t.Errorf("header missing")
		}
		b, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(b), `"message":"hi"`) {
			t.Errorf("body = %s", b)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := &Webhook{URL: srv.URL, Headers: map[string]string{"X-Token": "abc"}}
	if err := wh.Send(context.Background(), Message{Body: "hi"}); err == nil {
		t.Error("expected error on 500")
	}
}

type fakePublisher struct {
	topic   string
	payload []byte
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.topic, p.payload = topic, payload
	return nil
}

func TestBuild(t *testing.T) {
	pub := &fakePublisher{}
	svc, err := Build(ServiceConfig{Type: "mqtt", Topic: "phone/notify"}, pub)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Send(context.Background(), Message{Title: "Car", Body: "started"}); err != nil {
		t.Fatal(err)
	}
	if pub.topic != "phone/notify" || !strings.Contains(string(pub.payload), "started") {
		t.Errorf("published %s %s", pub.topic, pub.payload)
	}

	bad := []ServiceConfig{
		{Type: "telegram"},
		{Type: "webhook"},
		{Type: "mqtt", Topic: "x"},
		{Type: "pager"},
	}
	for _, cfg := range bad {
		if _, err := Build(cfg, nil); err == nil {
			t.Errorf("Build(%+v) accepted", cfg)
		}
	}
}

func TestDirectory(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	d := NewDirectory(testLogger(), []convert.Target{{ID: "device_tracker.static_phone", Name: "Static"}}, st)
	d.Upsert(convert.Target{ID: "device_tracker.mobile_app_b", Name: "B"}, "mqtt")
	d.Upsert(convert.Target{ID: "device_tracker.mobile_app_a", Name: "A"}, "mqtt")

	got := d.Targets()
	if len(got) != 3 || got[0].ID != "device_tracker.mobile_app_a" {
		t.Fatalf("targets = %v", got)
	}

	d.Remove("device_tracker.mobile_app_b")
	d.Remove("device_tracker.static_phone")
	if n := len(d.Targets()); n != 2 {
		t.Errorf("after remove = %d targets, want 2", n)
	}

	reloaded := NewDirectory(testLogger(), nil, st)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	list := reloaded.Targets()
	if len(list) != 1 || list[0].Name != "A" {
		t.Errorf("reloaded = %v", list)
	}
}
