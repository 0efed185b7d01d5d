// Package config holds the bridge configuration: defaults, file/env/flag loading and validation.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Config holds application configuration
type Config struct {
	LogLevel string       `mapstructure:"log_level" yaml:"log_level" default:"info"`
	Device   DeviceConfig `mapstructure:"device" yaml:"device"`
	MQTT     MQTTConfig   `mapstructure:"mqtt" yaml:"mqtt"`
	Bridge   BridgeConfig `mapstructure:"bridge" yaml:"bridge"`
}

// DeviceConfig identifies the sensor peripheral and its GATT attributes.
type DeviceConfig struct {
	// Name is the advertised local name to connect to. Empty means ask interactively.
	Name              string        `mapstructure:"name" yaml:"name" default:""`
	ServiceUUID       string        `mapstructure:"service_uuid" yaml:"service_uuid" default:"19b10000-e8f2-537e-4f6c-d104768a1214"`
	SensorCharUUID    string        `mapstructure:"sensor_char_uuid" yaml:"sensor_char_uuid" default:"19b10001-e8f2-537e-4f6c-d104768a1214"`
	ControlCharUUID   string        `mapstructure:"control_char_uuid" yaml:"control_char_uuid" default:"19b1000a-e8f2-537e-4f6c-d104768a1214"`
	ScanTimeout       time.Duration `mapstructure:"scan_timeout" yaml:"scan_timeout" default:"10s"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" default:"30s"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" default:"5s"`
	WriteWithResponse bool          `mapstructure:"write_with_response" yaml:"write_with_response" default:"false"`
}

// MQTTConfig describes the broker session and topics.
type MQTTConfig struct {
	Host           string        `mapstructure:"host" yaml:"host" default:"localhost"`
	Port           int           `mapstructure:"port" yaml:"port" default:"1883"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id" default:""`
	KeepAlive      time.Duration `mapstructure:"keepalive" yaml:"keepalive" default:"60s"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" default:"10s"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout" default:"5s"`
	QoS            int           `mapstructure:"qos" yaml:"qos" default:"0"`
	SensorTopic    string        `mapstructure:"sensor_topic" yaml:"sensor_topic" default:"sensor/data"`
	ControlTopic   string        `mapstructure:"control_topic" yaml:"control_topic" default:"control"`
	// StatusTopic receives retained bridge status messages. Empty disables them.
	StatusTopic string `mapstructure:"status_topic" yaml:"status_topic" default:""`
}

// BridgeConfig tunes the queues between contexts and the reconnect policy.
type BridgeConfig struct {
	DispatchQueueSize int             `mapstructure:"dispatch_queue_size" yaml:"dispatch_queue_size" default:"64"`
	OutboxSize        int             `mapstructure:"outbox_size" yaml:"outbox_size" default:"256"`
	Reconnect         ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
}

// ReconnectConfig is the device reconnect policy. MaxAttempts 0 makes a lost
// connection terminal; a negative value retries forever.
type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" default:"0"`
	Delay       time.Duration `mapstructure:"delay" yaml:"delay" default:"2s"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay" default:"30s"`
}

// Default returns default configuration values
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// BrokerURL returns the paho broker address.
func (c *MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a list of configuration problems.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		add("log_level", "unknown level %q", c.LogLevel)
	}

	for field, value := range map[string]string{
		"device.service_uuid":      c.Device.ServiceUUID,
		"device.sensor_char_uuid":  c.Device.SensorCharUUID,
		"device.control_char_uuid": c.Device.ControlCharUUID,
	} {
		if _, err := uuid.Parse(value); err != nil {
			add(field, "not a 128-bit UUID: %q", value)
		}
	}
	if c.Device.ScanTimeout <= 0 {
		add("device.scan_timeout", "must be positive")
	}
	if c.Device.ConnectTimeout <= 0 {
		add("device.connect_timeout", "must be positive")
	}
	if c.Device.WriteTimeout < 0 {
		add("device.write_timeout", "must not be negative")
	}

	if c.MQTT.Host == "" {
		add("mqtt.host", "must not be empty")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		add("mqtt.port", "must be in 1..65535, got %d", c.MQTT.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		add("mqtt.qos", "must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.KeepAlive <= 0 {
		add("mqtt.keepalive", "must be positive")
	}
	if c.MQTT.SensorTopic == "" {
		add("mqtt.sensor_topic", "must not be empty")
	}
	if c.MQTT.ControlTopic == "" {
		add("mqtt.control_topic", "must not be empty")
	}
	if strings.ContainsAny(c.MQTT.SensorTopic, "+#") {
		add("mqtt.sensor_topic", "wildcards are not allowed in a publish topic")
	}
	if strings.ContainsAny(c.MQTT.StatusTopic, "+#") {
		add("mqtt.status_topic", "wildcards are not allowed in a publish topic")
	}

	if c.Bridge.DispatchQueueSize <= 0 {
		add("bridge.dispatch_queue_size", "must be positive")
	}
	if c.Bridge.OutboxSize <= 0 {
		add("bridge.outbox_size", "must be positive")
	}
	if c.Bridge.Reconnect.Delay <= 0 {
		add("bridge.reconnect.delay", "must be positive")
	}
	if c.Bridge.Reconnect.MaxDelay < c.Bridge.Reconnect.Delay {
		add("bridge.reconnect.max_delay", "must not be less than delay")
	}

	if len(errs) == 0 {
		return nil
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}
