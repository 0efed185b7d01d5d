// Package mqtt wraps paho.mqtt.golang with connection management, subscription
// restoration on reconnect and panic-safe message handlers.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Message handlers run on paho's delivery goroutine, one message at a time.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemqtt/pkg/config"
)

// MessageHandler is the callback signature for received messages.
// A returned error is logged and does not affect acknowledgement.
type MessageHandler func(topic string, payload []byte) error

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client is a connected broker session.
type Client struct {
	client         pahomqtt.Client
	clientID       string
	publishTimeout time.Duration
	logger         *logrus.Logger

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
}

// Connect establishes a connection to the MQTT broker, waiting at most cfg.ConnectTimeout.
func Connect(cfg config.MQTTConfig, logger *logrus.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var co connectOptions
	for _, opt := range opts {
		opt(&co)
	}

	clientID := ClientID(cfg)
	pahoOpts := buildClientOptions(cfg, clientID)
	configureWill(pahoOpts, co.will)

	c := &Client{
		clientID:       clientID,
		publishTimeout: cfg.PublishTimeout,
		logger:         logger,
		subscriptions:  make(map[string]subscription),
		onConnect:      co.onConnect,
		onDisconnect:   co.onDisconnect,
	}

	pahoOpts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	pahoOpts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	pahoOpts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.logger.WithField("broker", cfg.BrokerURL()).Info("Reconnecting to MQTT broker...")
	})

	logger.WithFields(logrus.Fields{
		"broker":    cfg.BrokerURL(),
		"client_id": clientID,
	}).Info("Connecting to MQTT broker...")

	c.client = ClientFactory(pahoOpts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may not have executed yet.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	logger.WithField("broker", cfg.BrokerURL()).Info("Connected to MQTT broker")
	return c, nil
}

// ID returns the client identifier presented to the broker.
func (c *Client) ID() string {
	return c.clientID
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()

	if c.onConnect != nil {
		c.onConnect()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.WithError(err).Warn("MQTT connection lost")

	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		token := c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
		if !token.WaitTimeout(c.publishTimeout) || token.Error() != nil {
			c.logger.WithFields(logrus.Fields{
				"topic": sub.topic,
				"error": token.Error(),
			}).Warn("Failed to restore subscription")
		}
	}
}

// Close disconnects from the broker. Pending operations get a short quiesce period.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Info("Disconnected from MQTT broker")
	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// wrapHandler wraps a MessageHandler with panic recovery and logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(logrus.Fields{
					"topic": msg.Topic(),
					"panic": r,
				}).Error("MQTT handler panic recovered")
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.WithFields(logrus.Fields{
				"topic": msg.Topic(),
				"error": err,
			}).Warn("MQTT handler returned error")
		}
	}
}
