// Package mqtt connects to the broker zigbee2mqtt publishes on and feeds
// every message under the bridge and discovery prefixes to a Handler.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

var (
	ErrNotConnected     = errors.New("mqtt not connected")
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishFailed    = errors.New("mqtt publish failed")
)

// TLS modes for Config.Secure.
const (
	SecureOff      = "false"
	SecureOn       = "true"
	SecureInsecure = "insecure"
)

// Config holds MQTT connection settings.
type Config struct {
	Server   string
	Port     int
	Secure   string
	Username string
	Password string
	// ClientID defaults to a random id so several instances can share a
	// broker.
	ClientID       string
	BaseTopic      string
	DiscoveryTopic string
	ConnectTimeout time.Duration
}

// Handler receives the connection lifecycle and inbound messages.
type Handler interface {
	HandleMessage(topic string, payload []byte)
	Connected()
	Disconnected()
}

// Client is a zigbee2mqtt subscriber. It satisfies bridge.Publisher and
// bridge.Reconnector.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	client  pahomqtt.Client
	handler Handler
}

// New creates a client. Connect starts the session.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	cfg.BaseTopic = strings.TrimSuffix(cfg.BaseTopic, "/")
	cfg.DiscoveryTopic = strings.TrimSuffix(cfg.DiscoveryTopic, "/")
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}
}

// brokerURL builds the paho broker address from the server, port and TLS
// mode.
func brokerURL(cfg Config) string {
	scheme := "tcp"
	port := cfg.Port
	if cfg.Secure == SecureOn || cfg.Secure == SecureInsecure {
		scheme = "ssl"
		if port == 0 {
			port = 8883
		}
	}
	if port == 0 {
		port = 1883
	}
	return scheme + "://" + net.JoinHostPort(cfg.Server, strconv.Itoa(port))
}

func clientID(cfg Config) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return "z2m-assistant-" + uuid.NewString()[:8]
}

// subscriptions lists the topic filters fed to the handler.
func (c *Client) subscriptions() map[string]byte {
	subs := map[string]byte{c.cfg.BaseTopic + "/#": 0}
	if c.cfg.DiscoveryTopic != "" {
		subs[c.cfg.DiscoveryTopic+"/#"] = 0
	}
	return subs
}

func (c *Client) options(h Handler) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(c.cfg)).
		SetClientID(clientID(c.cfg)).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetOnConnectHandler(func(cl pahomqtt.Client) {
			c.logger.Info("MQTT connected", "broker", brokerURL(c.cfg))
			h.Connected()
			c.subscribe(cl, h)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "err", err)
			h.Disconnected()
		}).
		SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
			c.logger.Debug("MQTT reconnecting")
		})

	if c.cfg.Secure == SecureOn || c.cfg.Secure == SecureInsecure {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: c.cfg.Secure == SecureInsecure,
		})
	}
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	return opts
}

func (c *Client) subscribe(cl pahomqtt.Client, h Handler) {
	token := cl.SubscribeMultiple(c.subscriptions(), func(_ pahomqtt.Client, msg pahomqtt.Message) {
		h.HandleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			c.logger.Warn("MQTT subscribe timeout")
		} else if err := token.Error(); err != nil {
			c.logger.Error("MQTT subscribe", "err", err)
		}
	}()
}

// Connect opens the session and waits until the broker accepts it. On
// timeout the client keeps retrying in the background.
func (c *Client) Connect(ctx context.Context, h Handler) error {
	c.mu.Lock()
	if c.client == nil {
		c.handler = h
		c.client = pahomqtt.NewClient(c.options(h))
	}
	cl := c.client
	c.mu.Unlock()

	return c.wait(ctx, cl.Connect(), ErrConnectionFailed)
}

func (c *Client) wait(ctx context.Context, token pahomqtt.Token, sentinel error) error {
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %s", sentinel, c.cfg.ConnectTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", sentinel, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}

// Publish sends payload at QoS 1, unretained, and waits for the broker to
// acknowledge it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	cl := c.client
	c.mu.Unlock()
	if cl == nil || !cl.IsConnectionOpen() {
		return ErrNotConnected
	}
	if payload == nil {
		payload = []byte{}
	}
	token := cl.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	c.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return nil
}

// Reconnect drops the session and connects again so retained messages are
// delivered anew.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	cl, h := c.client, c.handler
	c.mu.Unlock()
	if cl == nil {
		return ErrNotConnected
	}
	cl.Disconnect(250)
	h.Disconnected()
	c.logger.Info("MQTT reconnecting on request")
	return c.wait(ctx, cl.Connect(), ErrConnectionFailed)
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.mu.Lock()
	cl, h := c.client, c.handler
	c.client = nil
	c.mu.Unlock()
	if cl == nil {
		return
	}
	cl.Disconnect(1000)
	h.Disconnected()
	c.logger.Info("MQTT disconnected")
}
