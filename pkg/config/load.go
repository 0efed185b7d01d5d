package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. BLEMQTT_MQTT_HOST.
const EnvPrefix = "BLEMQTT"

// FlagBindings maps command-line flag names to configuration keys.
var FlagBindings = map[string]string{
	"log-level":     "log_level",
	"device":        "device.name",
	"broker":        "mqtt.host",
	"port":          "mqtt.port",
	"client-id":     "mqtt.client_id",
	"sensor-topic":  "mqtt.sensor_topic",
	"control-topic": "mqtt.control_topic",
	"status-topic":  "mqtt.status_topic",
	"qos":           "mqtt.qos",
	"scan-timeout":  "device.scan_timeout",
	"reconnect":     "bridge.reconnect.max_attempts",
}

// Load builds the effective configuration. Precedence, highest first: changed flags,
// BLEMQTT_* environment variables, the YAML file at path (optional), defaults.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every configuration key with its default value on v.
// Registering each key also lets environment variables override keys absent from the file.
func SetDefaults(v *viper.Viper) {
	walk(reflect.ValueOf(Default()).Elem(), "", func(key string, value reflect.Value) {
		v.SetDefault(key, value.Interface())
	})
}

// Keys returns every configuration key in declaration order.
func Keys() []string {
	var keys []string
	walk(reflect.ValueOf(Default()).Elem(), "", func(key string, _ reflect.Value) {
		keys = append(keys, key)
	})
	return keys
}

func walk(v reflect.Value, prefix string, visit func(key string, value reflect.Value)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Duration(0)) {
			walk(fv, key, visit)
			continue
		}
		visit(key, fv)
	}
}

// Marshal renders cfg as YAML with fields in declaration order and durations as strings.
func Marshal(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	node, err := toNode(reflect.ValueOf(cfg).Elem())
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(node)
}

func toNode(v reflect.Value) (*yaml.Node, error) {
	if d, ok := v.Interface().(time.Duration); ok {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: d.String()}, nil
	}
	if v.Kind() != reflect.Struct {
		var n yaml.Node
		if err := n.Encode(v.Interface()); err != nil {
			return nil, err
		}
		return &n, nil
	}

	m := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		val, err := toNode(v.Field(i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, val)
	}
	return m, nil
}
