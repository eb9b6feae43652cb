package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServiceConfig describes one service in the config file.
type ServiceConfig struct {
	Type     string            `yaml:"type"` // telegram, webhook, mqtt
	BotToken string            `yaml:"bot_token"`
	ChatIDs  []string          `yaml:"chat_ids"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	Topic    string            `yaml:"topic"`
}

// Publisher publishes raw payloads; the MQTT bridge implements it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

var defaultHTTP = &http.Client{Timeout: 10 * time.Second}

// Build creates a service from its config. pub may be nil when MQTT is
// disabled; mqtt services then fail to build.
func Build(cfg ServiceConfig, pub Publisher) (Service, error) {
	switch strings.ToLower(cfg.Type) {
	case "telegram":
		if cfg.BotToken == "" || len(cfg.ChatIDs) == 0 {
			return nil, errors.New("telegram service needs bot_token and chat_ids")
		}
		return &Telegram{BotToken: cfg.BotToken, ChatIDs: cfg.ChatIDs}, nil
	case "webhook":
		if cfg.URL == "" {
			return nil, errors.New("webhook service needs url")
		}
		return &Webhook{URL: cfg.URL, Headers: cfg.Headers}, nil
	case "mqtt":
		if pub == nil {
			return nil, errors.New("mqtt service needs the mqtt bridge")
		}
		if cfg.Topic == "" {
			return nil, errors.New("mqtt service needs topic")
		}
		return &MQTT{Publisher: pub, Topic: cfg.Topic}, nil
	default:
		return nil, fmt.Errorf("unknown service type %q", cfg.Type)
	}
}

// Telegram sends messages through a bot to a list of chats.
type Telegram struct {
	BotToken string
	ChatIDs  []string
	APIBase  string // default https://api.telegram.org
	Client   *http.Client
}

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	base := t.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n" + msg.Body
	}

	var errs []error
	for _, cid := range t.ChatIDs {
		body, _ := json.Marshal(map[string]string{"chat_id": cid, "text": text})
		if err := postJSON(ctx, client(t.Client), url, body, nil); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", cid, err))
		}
	}
	return errors.Join(errs...)
}

// Webhook POSTs the message as JSON.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return postJSON(ctx, client(w.Client), w.URL, body, w.Headers)
}

// MQTT publishes the message as JSON on a topic.
type MQTT struct {
	Publisher Publisher
	Topic     string
}

func (m *MQTT) Send(_ context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.Publisher.Publish(m.Topic, body)
}

func client(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return defaultHTTP
}

func postJSON(ctx context.Context, c *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
