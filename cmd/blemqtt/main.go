package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/blemqtt/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blemqtt",
	Short: "BLE sensor to MQTT bridge",
	Long: `Bridges a Bluetooth Low Energy sensor to an MQTT broker:

- Telemetry notifications are decoded and published as JSON on the sensor topic
- JSON control messages from the control topic are written to the device
- Optional retained status messages track the device connection

Configuration comes from defaults, a YAML file (--config), BLEMQTT_* environment
variables and flags, in increasing order of precedence.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(configCmd)

	defaults := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("verbose", false, "Shortcut for --log-level debug")
	flags.String("device", "", "Advertised name of the sensor device")
	flags.String("broker", defaults.MQTT.Host, "MQTT broker host")
	flags.Int("port", defaults.MQTT.Port, "MQTT broker port")
	flags.String("client-id", "", "MQTT client id (generated when empty)")
	flags.Int("qos", defaults.MQTT.QoS, "MQTT QoS for publish and subscribe (0, 1, 2)")
	flags.String("sensor-topic", defaults.MQTT.SensorTopic, "Topic receiving telemetry JSON")
	flags.String("control-topic", defaults.MQTT.ControlTopic, "Topic carrying control commands")
	flags.String("status-topic", defaults.MQTT.StatusTopic, "Topic receiving retained bridge status (disabled when empty)")
	flags.Duration("scan-timeout", defaults.Device.ScanTimeout, "How long to look for the device")
	flags.Int("reconnect", defaults.Bridge.Reconnect.MaxAttempts, "Reconnect attempts after the device is lost (-1 forever)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}

// loadConfig resolves the effective configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose && !cmd.Flags().Changed("log-level") {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}
