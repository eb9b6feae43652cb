// Package cloud talks to the SGMW vehicle cloud API.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wuling-go-home/internal/metrics"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://openapi.baojun.net/junApi/sgmw"

// API paths.
const (
	PathStatus           = "userCarRelation/queryDefaultCarStatus"
	PathCheck            = "car/check/all"
	PathTirePressure     = "car/info/tire/pressure"
	PathYesterdayMileage = "car/yesterday/mileage"
	PathIgnition         = "car/control/ignition/authorize"
	PathSearchCar        = "car/control/searchCar"
	PathWindow           = "car/control/window"
)

// fixedHeaders mimic the Android app.
var fixedHeaders = [][2]string{
	{"Accept", "application/json"},
	{"Content-Type", "application/json; charset=UTF-8"},
	{"User-Agent", "okhttp/4.9.0"},
	{"channel", "linglingbang"},
	{"platformNo", "Android"},
	{"appVersionCode", "1677"},
	{"version", "V8.2.10"},
	{"imei", "a-c62b2f538bf34758"},
	{"imsi", "unknown"},
	{"deviceModel", "MI 8"},
	{"deviceBrand", "Xiaomi"},
	{"deviceType", "Android"},
	{"accessChannel", "1"},
}

// Tracer receives request/response dumps. DebugLog implements it.
type Tracer interface {
	Write(lines ...string)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTracer sends request dumps to t.
func WithTracer(t Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMetrics records request counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides the clock used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client performs signed API requests.
type Client struct {
	baseURL string
	cred    Credentials
	id      Identity
	http    *http.Client
	tracer  Tracer
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates an API client.
func NewClient(cred Credentials, id Identity, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		cred:    cred,
		id:      id,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request POSTs body as JSON to path. Transport and decode faults are logged
// and returned together with an empty envelope.
func (c *Client) Request(ctx context.Context, path string, body any) (Envelope, error) {
	start := time.Now()
	env, err := c.do(ctx, path, body)
	c.metrics.ObserveRequest(path, time.Since(start), err)
	if err != nil {
		c.logger.Error("cloud request failed", "path", path, "err", err)
		return Envelope{}, err
	}
	return env, nil
}

func (c *Client) do(ctx context.Context, path string, body any) (Envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	url := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.sign(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.trace("request failed: "+url, "body: "+string(payload), "error: "+err.Error())
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c.trace("request: "+url, "body: "+string(payload),
		"status: "+strconv.Itoa(resp.StatusCode), "response: "+string(text))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	var env Envelope
	if err := json.Unmarshal(text, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if env == nil {
		env = Envelope{}
	}
	return env, nil
}

func (c *Client) sign(req *http.Request) {
	for _, h := range fixedHeaders {
		req.Header.Set(h[0], h[1])
	}
	ts := c.now().UnixMilli()
	req.Header.Set("sgmwaccesstoken", c.cred.AccessToken)
	req.Header.Set("sgmwtimestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("sgmwnonce", c.id.Nonce)
	req.Header.Set("sgmwclientid", c.cred.ClientID)
	req.Header.Set("sgmwclientsecret", c.cred.ClientSecret)
	req.Header.Set("sgmwappcode", c.id.AppCode)
	req.Header.Set("sgmwappversion", c.id.AppVersion)
	req.Header.Set("sgmwsystem", c.id.System)
	req.Header.Set("sgmwsystemversion", c.id.SystemVersion)
	req.Header.Set("sgmwsignature", Sign(c.cred, c.id, ts))
}

func (c *Client) trace(lines ...string) {
	if c.tracer != nil {
		c.tracer.Write(lines...)
	}
}

type vinBody struct {
	VIN string `json:"vin"`
}

// Status fetches the primary status document (carStatus, carInfo).
func (c *Client) Status(ctx context.Context) (Envelope, error) {
	return c.Request(ctx, PathStatus, nil)
}

// Check fetches the diagnostic check results.
func (c *Client) Check(ctx context.Context, vin string) (Envelope, error) {
	return c.Request(ctx, PathCheck, vinBody{VIN: vin})
}

// TirePressure fetches tire pressure and temperature.
func (c *Client) TirePressure(ctx context.Context, vin string) (Envelope, error) {
	return c.Request(ctx, PathTirePressure, vinBody{VIN: vin})
}

// YesterdayMileage fetches yesterday's trip distance.
func (c *Client) YesterdayMileage(ctx context.Context, vin string) (Envelope, error) {
	return c.Request(ctx, PathYesterdayMileage, vinBody{VIN: vin})
}

// AuthorizeIgnition authorizes a keyless start.
func (c *Client) AuthorizeIgnition(ctx context.Context, vin string) (Envelope, error) {
	return c.Request(ctx, PathIgnition, vinBody{VIN: vin})
}

// SearchCar flashes the lights and sounds the horn.
func (c *Client) SearchCar(ctx context.Context, vin string) (Envelope, error) {
	return c.Request(ctx, PathSearchCar, vinBody{VIN: vin})
}

// ControlWindow opens (1) or closes (0) the windows.
func (c *Client) ControlWindow(ctx context.Context, vin string, status int) (Envelope, error) {
	return c.Request(ctx, PathWindow, struct {
		VIN    string `json:"vin"`
		Status int    `json:"status"`
	}{vin, status})
}
