package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// DefaultEndpoint is the AMap reverse geocoding endpoint.
const DefaultEndpoint = "https://restapi.amap.com/v3/geocode/regeo"

// Address is a resolved street address.
type Address struct {
	Formatted string  `json:"formatted_address"`
	Province  string  `json:"province"`
	City      string  `json:"city"`
	District  string  `json:"district"`
	Township  string  `json:"township"`
	Street    string  `json:"street"`
	Number    string  `json:"number"`
	Adcode    string  `json:"adcode"`
	Citycode  string  `json:"citycode"`
	Towncode  string  `json:"towncode"`
	Distance  string  `json:"distance"`
	Direction string  `json:"direction"`
	Lon       float64 `json:"gcj_longitude"`
	Lat       float64 `json:"gcj_latitude"`
}

// Detail flattens the address into an attribute map.
func (a *Address) Detail() map[string]any {
	return map[string]any{
		"formatted_address": a.Formatted,
		"province":          a.Province,
		"city":              a.City,
		"district":          a.District,
		"township":          a.Township,
		"street":            a.Street,
		"number":            a.Number,
		"adcode":            a.Adcode,
		"citycode":          a.Citycode,
		"towncode":          a.Towncode,
		"distance":          a.Distance,
		"direction":         a.Direction,
		"gcj_longitude":     a.Lon,
		"gcj_latitude":      a.Lat,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the geocoding URL.
func WithEndpoint(u string) Option {
	return func(c *Client) { c.endpoint = u }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit paces outbound requests.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// WithTrace receives request and response dumps for the debug log.
func WithTrace(fn func(lines ...string)) Option {
	return func(c *Client) { c.trace = fn }
}

// Client calls the AMap reverse geocoder.
type Client struct {
	key      string
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	trace    func(lines ...string)
}

// NewClient creates a geocoder. An empty key yields a client whose lookups
// always return no address.
func NewClient(key string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		key:      key,
		endpoint: DefaultEndpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 2),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a key is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.key != ""
}

// ReverseGeocode resolves a WGS-84 point. It returns (nil, nil) when no key
// is configured.
func (c *Client) ReverseGeocode(ctx context.Context, lon, lat float64) (*Address, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("geocode rate limit: %w", err)
	}

	gLon, gLat := ToGCJ02(lon, lat)
	q := url.Values{}
	q.Set("output", "json")
	q.Set("key", c.key)
	q.Set("location", strconv.FormatFloat(gLon, 'f', -1, 64)+","+strconv.FormatFloat(gLat, 'f', -1, 64))
	reqURL := c.endpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build geocode request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read geocode response: %w", err)
	}
	c.tracef("amap request", "wgs84 "+formatPoint(lon, lat), "gcj02 "+formatPoint(gLon, gLat),
		"status "+strconv.Itoa(resp.StatusCode), "body "+string(body))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode status %d", resp.StatusCode)
	}

	var r regeoResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}
	if r.Status != "1" {
		return nil, fmt.Errorf("geocode error: %s (%s)", r.Info, r.Infocode)
	}

	ac := r.Regeocode.AddressComponent
	addr := &Address{
		Formatted: string(r.Regeocode.FormattedAddress),
		Province:  string(ac.Province),
		City:      string(ac.City),
		District:  string(ac.District),
		Township:  string(ac.Township),
		Street:    string(ac.StreetNumber.Street),
		Number:    string(ac.StreetNumber.Number),
		Adcode:    string(ac.Adcode),
		Citycode:  string(ac.Citycode),
		Towncode:  string(ac.Towncode),
		Distance:  string(ac.StreetNumber.Distance),
		Direction: string(ac.StreetNumber.Direction),
		Lon:       gLon,
		Lat:       gLat,
	}
	c.logger.Debug("address resolved", "address", addr.Formatted)
	return addr, nil
}

func (c *Client) tracef(lines ...string) {
	if c.trace != nil {
		c.trace(lines...)
	}
}

func formatPoint(lon, lat float64) string {
	return strconv.FormatFloat(lon, 'f', 6, 64) + "," + strconv.FormatFloat(lat, 'f', 6, 64)
}

type regeoResponse struct {
	Status    string `json:"status"`
	Info      string `json:"info"`
	Infocode  string `json:"infocode"`
	Regeocode struct {
		FormattedAddress flexString `json:"formatted_address"`
		AddressComponent struct {
			Province     flexString `json:"province"`
			City         flexString `json:"city"`
			District     flexString `json:"district"`
			Township     flexString `json:"township"`
			Adcode       flexString `json:"adcode"`
			Citycode     flexString `json:"citycode"`
			Towncode     flexString `json:"towncode"`
			StreetNumber struct {
				Street    flexString `json:"street"`
				Number    flexString `json:"number"`
				Distance  flexString `json:"distance"`
				Direction flexString `json:"direction"`
			} `json:"streetNumber"`
		} `json:"addressComponent"`
	} `json:"regeocode"`
}

// flexString accepts a JSON string or number; AMap encodes empty fields as
// [] and those decode to "".
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == '[' || b[0] == '{' || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}
