package mqttx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"drone-surveillance-console/shared/logx"
)

var ErrNotInitialized = errors.New("mqtt client not initialized")

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

type MessageFunc func(topic string, payload []byte)

type subscription struct {
	qos    byte
	handle MessageFunc
}

// Client wraps a paho connection and re-establishes subscriptions after the
// library reconnects.
type Client struct {
	client paho.Client
	logger logx.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

func New(cfg Config, logger logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	c := &Client{
		logger: logger.With(slog.String("component", "mqtt")),
		subs:   make(map[string]subscription),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn(context.Background(), "mqtt_connection_lost", "mqtt connection lost",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

func (c *Client) Subscribe(topic string, qos byte, handle MessageFunc) error {
	if c == nil || c.client == nil {
		return ErrNotInitialized
	}
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handle: handle}
	c.mu.Unlock()
	return c.subscribe(topic, qos, handle)
}

// Publish sends one message at QoS 1, not retained.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c == nil || c.client == nil {
		return ErrNotInitialized
	}
	token := c.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (c *Client) Connected() bool {
	return c != nil && c.client != nil && c.client.IsConnectionOpen()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}

func (c *Client) subscribe(topic string, qos byte, handle MessageFunc) error {
	token := c.client.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handle(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) onConnect(_ paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	c.logger.Info(context.Background(), "mqtt_connected", "mqtt connection established", slog.Int("subscriptions", len(subs)))
	for topic, s := range subs {
		if err := c.subscribe(topic, s.qos, s.handle); err != nil {
			c.logger.Error(context.Background(), "mqtt_resubscribe_failed", "failed to restore subscription",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
			)
		}
	}
}

// DeviceID returns the second topic segment: "drones/D1/telemetry" -> "D1".
func DeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
