package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/srg/blemqtt/pkg/config"
)

const (
	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// ClientIDPrefix prefixes generated client identifiers.
	ClientIDPrefix = "blemqtt-"
)

// ClientFactory creates the underlying paho client (can be overridden in tests)
var ClientFactory = pahomqtt.NewClient

// Will is the Last Will and Testament the broker publishes when the session drops unexpectedly.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Option customises Connect.
type Option func(*connectOptions)

type connectOptions struct {
	will         *Will
	onConnect    func()
	onDisconnect func(err error)
}

// WithWill registers a Last Will and Testament.
func WithWill(w Will) Option {
	return func(o *connectOptions) { o.will = &w }
}

// WithOnConnect sets a callback invoked on initial connect and every reconnect.
func WithOnConnect(fn func()) Option {
	return func(o *connectOptions) { o.onConnect = fn }
}

// WithOnDisconnect sets a callback invoked when the connection is lost.
func WithOnDisconnect(fn func(err error)) Option {
	return func(o *connectOptions) { o.onDisconnect = fn }
}

// ClientID returns the configured client id or generates a unique one.
func ClientID(cfg config.MQTTConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return ClientIDPrefix + uuid.NewString()
}

// buildClientOptions creates paho MQTT options from the bridge config.
//
// This configures:
//   - Broker URL and client id
//   - Keepalive and connect timeout
//   - Auto-reconnect (subscriptions are restored by the wrapper)
//   - Clean session mode
func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(clientID)

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetOrderMatters(true)

	return opts
}

func configureWill(opts *pahomqtt.ClientOptions, w *Will) {
	if w == nil || w.Topic == "" {
		return
	}
	opts.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retained)
}

func validateQoS(qos byte) error {
	if qos > maxQoS {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, qos)
	}
	return nil
}
