package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopHandler struct{}

func (nopHandler) HandleMessage(string, []byte) {}
func (nopHandler) Connected()                   {}
func (nopHandler) Disconnected()                {}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"plain default port", Config{Server: "localhost"}, "tcp://localhost:1883"},
		{"plain custom port", Config{Server: "10.0.0.2", Port: 1884, Secure: SecureOff}, "tcp://10.0.0.2:1884"},
		{"tls default port", Config{Server: "broker", Secure: SecureOn}, "ssl://broker:8883"},
		{"insecure tls", Config{Server: "broker", Port: 8884, Secure: SecureInsecure}, "ssl://broker:8884"},
		{"ipv6", Config{Server: "::1"}, "tcp://[::1]:1883"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := brokerURL(tt.cfg); got != tt.want {
				t.Errorf("brokerURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIDGenerated(t *testing.T) {
	a, b := clientID(Config{}), clientID(Config{})
	if !strings.HasPrefix(a, "z2m-assistant-") || a == b {
		t.Errorf("generated ids %q, %q", a, b)
	}
	if got := clientID(Config{ClientID: "fixed"}); got != "fixed" {
		t.Errorf("clientID = %q", got)
	}
}

func TestOptions(t *testing.T) {
	c := New(Config{
		Server:   "broker",
		Secure:   SecureInsecure,
		Username: "user",
		Password: "secret",
		ClientID: "assistant",
	}, testLogger())
	opts := c.options(nopHandler{})

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://broker:8883" {
		t.Errorf("servers = %v", opts.Servers)
	}
	if opts.ClientID != "assistant" || opts.Username != "user" || opts.Password != "secret" {
		t.Errorf("identity = %q %q %q", opts.ClientID, opts.Username, opts.Password)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify {
		t.Error("insecure TLS not configured")
	}
	if !opts.AutoReconnect || opts.Order {
		t.Errorf("auto reconnect = %v, order = %v", opts.AutoReconnect, opts.Order)
	}

	plain := New(Config{Server: "broker"}, testLogger()).options(nopHandler{})
	if plain.TLSConfig != nil && plain.TLSConfig.InsecureSkipVerify {
		t.Error("plain connection skips verification")
	}
	if plain.Username != "" {
		t.Errorf("username = %q", plain.Username)
	}
}

func TestSubscriptions(t *testing.T) {
	c := New(Config{BaseTopic: "zigbee2mqtt/", DiscoveryTopic: "homeassistant"}, testLogger())
	subs := c.subscriptions()
	if _, ok := subs["zigbee2mqtt/#"]; !ok {
		t.Errorf("base filter missing: %v", subs)
	}
	if _, ok := subs["homeassistant/#"]; !ok {
		t.Errorf("discovery filter missing: %v", subs)
	}

	c = New(Config{BaseTopic: "z2m"}, testLogger())
	if subs := c.subscriptions(); len(subs) != 1 {
		t.Errorf("subs = %v", subs)
	}
}

func TestPublishNotConnected(t *testing.T) {
	c := New(Config{Server: "broker"}, testLogger())
	err := c.Publish(context.Background(), "zigbee2mqtt/bridge/config/devices/get", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := c.Reconnect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("reconnect err = %v", err)
	}
	c.Close()
}
