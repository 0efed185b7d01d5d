package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemqtt/bridge"
	"github.com/srg/blemqtt/internal/device"
	goble "github.com/srg/blemqtt/internal/device/go-ble"
	"github.com/srg/blemqtt/internal/mqtt"
	"github.com/srg/blemqtt/internal/supervisor"
	"github.com/srg/blemqtt/pkg/config"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [device-name]",
	Short: "Bridge a BLE sensor to the MQTT broker",
	Long: `Connects to the MQTT broker, finds the named BLE device and bridges it until
interrupted:

- telemetry notifications are published as JSON on the sensor topic
- control messages such as {"data": 300} are written to the device

The device name comes from the argument, --device or the config file. When none is
given and stdin is a terminal, it is asked for interactively.`,
	Example: `  blemqtt run Nano33BLE
  blemqtt run --broker mqtt.local --status-topic bridge/status Nano33BLE
  BLEMQTT_MQTT_QOS=1 blemqtt run --config bridge.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBridge,
}

// deviceTransport is the device side the run and scan commands need.
type deviceTransport interface {
	device.Transport
	Close() error
}

// brokerSession is the broker side the run command needs.
type brokerSession interface {
	bridge.Session
	Close() error
}

// transportFactory creates the BLE transport (can be overridden in tests)
var transportFactory = func(logger *logrus.Logger) deviceTransport {
	return goble.NewTransport(logger)
}

// sessionFactory connects to the MQTT broker (can be overridden in tests)
var sessionFactory = func(cfg config.MQTTConfig, logger *logrus.Logger, opts ...mqtt.Option) (brokerSession, error) {
	client, err := mqtt.Connect(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Prompt input (can be overridden in tests)
var (
	promptInput     io.Reader = os.Stdin
	stdinIsTerminal           = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Device.Name = args[0]
	}
	if cfg.Device.Name == "" {
		name, err := promptDeviceName(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		cfg.Device.Name = name
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// Arguments are valid from here on
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	var opts []mqtt.Option
	if topic := cfg.MQTT.StatusTopic; topic != "" {
		will, err := json.Marshal(bridge.NewStatusMessage(bridge.StatusOffline, supervisor.Disconnected, cfg.Device.Name))
		if err != nil {
			return fmt.Errorf("failed to encode last will: %w", err)
		}
		opts = append(opts, mqtt.WithWill(mqtt.Will{
			Topic:    topic,
			Payload:  will,
			QoS:      byte(cfg.MQTT.QoS),
			Retained: true,
		}))
	}

	session, err := sessionFactory(cfg.MQTT, logger, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close MQTT session")
		}
	}()

	transport := transportFactory(logger)
	defer func() {
		if err := transport.Close(); err != nil {
			logger.WithError(err).Warn("Failed to release BLE adapter")
		}
	}()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Connecting to %s", cfg.Device.Name),
		"starting", supervisor.Listening.String(), supervisor.Failed.String())
	progress.Start()
	defer progress.Stop()

	b, err := bridge.New(bridge.Options{
		Config:    cfg,
		Transport: transport,
		Session:   session,
		Logger:    logger,
		Progress:  progress.Callback(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Bridging %s: telemetry -> %s, %s -> control\n",
		cfg.Device.Name, cfg.MQTT.SensorTopic, cfg.MQTT.ControlTopic)

	err = b.Run(ctx)
	progress.Stop()
	if err != nil {
		return err
	}

	m := b.GetMetrics()
	fmt.Fprintf(cmd.OutOrStdout(), "Bridge stopped: %d frames published, %d commands written, %d dropped\n",
		m.FramesDecoded, m.CommandsWritten, m.FramesDropped+m.CommandsDropped)
	return nil
}

// promptDeviceName asks for the device name when stdin is a terminal.
func promptDeviceName(out io.Writer) (string, error) {
	if !stdinIsTerminal() {
		return "", ErrNoDeviceName
	}
	fmt.Fprint(out, "Edge device name: ")
	line, err := bufio.NewReader(promptInput).ReadString('\n')
	name := strings.TrimSpace(line)
	if name == "" {
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read device name: %w", err)
		}
		return "", ErrNoDeviceName
	}
	return name, nil
}
