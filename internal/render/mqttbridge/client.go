package mqttbridge

import (
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Options configures the broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Timeout   time.Duration
	// WillTopic receives a retained "offline" on unexpected disconnect.
	WillTopic string
	Logger    *slog.Logger
}

// Client wraps a connected paho client.
type Client struct {
	client paho.Client
	log    *slog.Logger
}

// Dial connects to the broker.
func Dial(opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	co := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	co.SetClientID(opts.ClientID)
	co.SetConnectTimeout(opts.Timeout)
	co.SetAutoReconnect(true)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	if opts.WillTopic != "" {
		co.SetWill(opts.WillTopic, "offline", 1, true)
	}
	co.SetConnectionLostHandler(func(_ paho.Client, err error) {
		opts.Logger.Warn("mqtt connection lost", "error", err)
	})

	c := paho.NewClient(co)
	if tok := c.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, tok.Error()
	}
	opts.Logger.Info("connected to mqtt broker", "broker", opts.BrokerURL, "client_id", opts.ClientID)
	return &Client{client: c, log: opts.Logger}, nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	tok := c.client.Publish(topic, qos, retained, payload)
	tok.Wait()
	return tok.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler paho.MessageHandler) error {
	tok := c.client.Subscribe(topic, qos, handler)
	tok.Wait()
	return tok.Error()
}

func (c *Client) Unsubscribe(topic string) error {
	tok := c.client.Unsubscribe(topic)
	tok.Wait()
	return tok.Error()
}

// Close disconnects, waiting up to 250ms for in-flight work.
func (c *Client) Close() {
	c.client.Disconnect(250)
}
