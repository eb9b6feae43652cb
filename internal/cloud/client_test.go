package cloud

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
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSign(t *testing.T) {
	cred := Credentials{AccessToken: "tok", ClientID: "cid", ClientSecret: "sec"}
	id := Identity{Nonce: "abcdefghij", AppCode: "sgmw_llb", AppVersion: "1656", System: "android", SystemVersion: "10"}

	got := Sign(cred, id, 1700000000000)
	// md5("tok" + "1700000000000" + "abcdefghij" + "cid" + "sec" + "sgmw_llb" + "1656" + "android" + "10")
	if want := "b1783ac8c8c83fe54cfd6d76bd66bea9"; got != want {
		t.Errorf("Sign = %s, want %s", got, want)
	}
	if got == Sign(cred, id, 1700000000001) {
		t.Error("timestamp not part of signature")
	}
}

func TestNewIdentity(t *testing.T) {
	id := NewIdentity()
	if len(id.Nonce) != 10 {
		t.Fatalf("nonce %q length %d, want 10", id.Nonce, len(id.Nonce))
	}
	for _, r := range id.Nonce {
		if !strings.ContainsRune(nonceLetters, r) {
			t.Errorf("nonce contains %q", r)
		}
	}
	if id.AppCode != "sgmw_llb" || id.System != "android" {
		t.Errorf("identity = %+v", id)
	}
}

func TestRequestSignedHeaders(t *testing.T) {
	var gotHeader http.Header
	var gotBody map[string]any
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &gotBody)
		w.Write([]byte(`{"data":{"checkStatus":"ok"},"systemTimeMillis":1700000000000}`))
	}))
	defer srv.Close()

	cred := Credentials{AccessToken: "tok", ClientID: "cid", ClientSecret: "sec"}
	id := NewIdentity()
	fixed := time.UnixMilli(1700000000123)
	c := NewClient(cred, id, testLogger(), WithBaseURL(srv.URL), WithClock(func() time.Time { return fixed }))

	env, err := c.Check(context.Background(), "LZW123")
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/"+PathCheck {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody["vin"] != "LZW123" {
		t.Errorf("body = %v", gotBody)
	}
	if gotHeader.Get("sgmwtimestamp") != "1700000000123" {
		t.Errorf("timestamp header = %s", gotHeader.Get("sgmwtimestamp"))
	}
	if gotHeader.Get("sgmwsignature") != Sign(cred, id, 1700000000123) {
		t.Error("signature header mismatch")
	}
	if gotHeader.Get("sgmwnonce") != id.Nonce || gotHeader.Get("channel") != "linglingbang" {
		t.Errorf("headers = %v", gotHeader)
	}
	if ts, ok := env.SystemTime(); !ok || ts != 1700000000000.0 {
		t.Errorf("system time = %v, %v", ts, ok)
	}
	if env.Data()["checkStatus"] != "ok" {
		t.Errorf("data = %v", env.Data())
	}
}

func TestRequestFailuresYieldEmptyEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"bad json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("<html>")) }},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(tt.handler)
		c := NewClient(Credentials{}, NewIdentity(), testLogger(), WithBaseURL(srv.URL))
		env, err := c.Status(context.Background())
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
		if env == nil || !env.Empty() {
			t.Errorf("%s: envelope = %v, want empty", tt.name, env)
		}
		srv.Close()
	}
}

func TestEnvelopeAuthError(t *testing.T) {
	env := Envelope{"errorCode": "500009", "errorMessage": "token expired"}
	err := env.AuthError()
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("AuthError = %v, want ErrAuth", err)
	}
	if !strings.Contains(err.Error(), "token expired") {
		t.Errorf("message lost: %v", err)
	}
	if (Envelope{"errorCode": "0"}).AuthError() != nil {
		t.Error("non-auth code reported as auth error")
	}
	if (Envelope{"errorCode": 500009.0}).AuthError() == nil {
		t.Error("numeric auth code not detected")
	}
}

func TestDebugLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug", "log.txt")
	d := NewDebugLog(path, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Write("dropped while disabled")
	d.SetEnabled(true)
	d.Write("first", "second")
	d.SetEnabled(false)
	release := d.Force()
	d.Write("forced")
	release()
	release()
	if d.Enabled() {
		t.Error("still enabled after release")
	}

	cancel()
	<-done

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(b)
	if strings.Contains(text, "dropped") {
		t.Error("disabled entry written")
	}
	for _, want := range []string{"first", "second", "forced"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in %q", want, text)
		}
	}
}
