//go:build test

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemqtt/internal/device"
	"github.com/srg/blemqtt/internal/mqtt"
	"github.com/srg/blemqtt/internal/testutils"
	"github.com/srg/blemqtt/pkg/config"
	"github.com/stretchr/testify/suite"
)

const (
	testDeviceName  = "Nano33BLE"
	testServiceUUID = "19b10000-e8f2-537e-4f6c-d104768a1214"
	testSensorUUID  = "19b10001-e8f2-537e-4f6c-d104768a1214"
	testControlUUID = "19b1000a-e8f2-537e-4f6c-d104768a1214"
)

type RunTestSuite struct {
	CommandTestSuite
}

type commandResult struct {
	stdout string
	stderr string
	err    error
}

func (s *RunTestSuite) peripheral() *testutils.PeripheralBuilder {
	return testutils.NewPeripheralBuilder().
		WithName(testDeviceName).
		WithService(testServiceUUID).
		WithCharacteristic(testSensorUUID, "notify").
		WithCharacteristic(testControlUUID, "write-without-response")
}

// hiddenTransport scans without ever seeing the device.
func (s *RunTestSuite) hiddenTransport() *testutils.MockTransport {
	transport, _ := s.peripheral().Hidden().Build()
	return transport
}

// runAsync executes the command in the background; cancel the context to stop it.
func (s *RunTestSuite) runAsync(ctx context.Context, args ...string) <-chan commandResult {
	done := make(chan commandResult, 1)
	go func() {
		stdout, stderr, err := s.ExecuteCommandContext(ctx, args...)
		done <- commandResult{stdout, stderr, err}
	}()
	return done
}

func (s *RunTestSuite) wait(done <-chan commandResult) commandResult {
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		s.FailNow("command did not finish")
		return commandResult{}
	}
}

// TestRunBridgesTelemetryAndControl verifies the run command wires device and broker end to end.
//
// GOAL: Telemetry reaches the sensor topic as JSON and control messages reach the device
//
// TEST SCENARIO: Notify "tem,21.5", deliver {"data":300}, cancel → JSON published, 0x2C 0x01 written, clean exit
func (s *RunTestSuite) TestRunBridgesTelemetryAndControl() {
	transport, links := s.peripheral().Build()
	s.UseTransport(transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := s.runAsync(ctx, "run", testDeviceName)

	s.Require().True(testutils.Eventually(2*time.Second, func() bool {
		return links[0].Notify(testSensorUUID, []byte("tem,21.5"))
	}), "device MUST be subscribed for telemetry")
	s.Require().True(testutils.Eventually(2*time.Second, func() bool {
		return len(s.Session.Publications("sensor/data")) == 1
	}), "telemetry MUST be published")
	testutils.NewJSONAsserter(s.T()).Assert(s.Session.Publications("sensor/data")[0].Payload, `{"tem": 21.5}`)

	s.Require().True(s.Session.Deliver("control", `{"data": 300}`), "control topic MUST be subscribed")
	s.Require().True(testutils.Eventually(2*time.Second, func() bool {
		return len(links[0].Writes()) == 1
	}), "command MUST be written")
	s.Equal([]byte{0x2C, 0x01}, links[0].Writes()[0].Data)

	cancel()
	r := s.wait(done)
	s.Require().NoError(r.err)
	s.Contains(r.stdout, "Bridging Nano33BLE: telemetry -> sensor/data, control -> control")
	s.Contains(r.stdout, "Bridge stopped: 1 frames published, 1 commands written, 0 dropped")
	s.True(links[0].IsClosed(), "device link MUST be closed on exit")
	s.True(s.Transport.closed.Load(), "BLE adapter MUST be released on exit")
	s.True(s.Session.closed.Load(), "broker session MUST be closed on exit")
}

// TestRunFlagsReachBrokerSession verifies flags override the broker configuration.
//
// GOAL: Broker flags and the status topic are handed to the session factory
//
// TEST SCENARIO: --broker, --port, --qos, --status-topic → session config matches, a last will is registered
func (s *RunTestSuite) TestRunFlagsReachBrokerSession() {
	stopHere := errors.New("stop here")
	sessionFactory = func(cfg config.MQTTConfig, _ *logrus.Logger, opts ...mqtt.Option) (brokerSession, error) {
		s.sessionConfig = cfg
		s.sessionOptions = opts
		return nil, stopHere
	}

	_, _, err := s.ExecuteCommand("run", "--broker", "mqtt.local", "--port", "8883", "--qos", "1",
		"--status-topic", "bridge/status", testDeviceName)

	s.Require().ErrorIs(err, stopHere)
	s.Equal("mqtt.local", s.sessionConfig.Host)
	s.Equal(8883, s.sessionConfig.Port)
	s.Equal(1, s.sessionConfig.QoS)
	s.Equal("bridge/status", s.sessionConfig.StatusTopic)
	s.Len(s.sessionOptions, 1, "a last will MUST be registered when the status topic is set")
	s.Zero(s.transportCalls.Load(), "BLE adapter MUST NOT be opened without a broker session")
}

// TestRunWithoutStatusTopicHasNoWill verifies the last will is tied to the status topic.
func (s *RunTestSuite) TestRunWithoutStatusTopicHasNoWill() {
	s.UseTransport(s.hiddenTransport())

	_, _, err := s.ExecuteCommand("run", "--scan-timeout", "50ms", testDeviceName)

	s.Require().Error(err)
	s.Empty(s.sessionOptions)
}

// TestRunBrokerUnreachable verifies broker connection failures are reported.
//
// GOAL: A failed broker connection ends the command before touching the BLE adapter
//
// TEST SCENARIO: Session factory fails with ErrConnectionFailed → error reported, transport never created
func (s *RunTestSuite) TestRunBrokerUnreachable() {
	sessionFactory = func(config.MQTTConfig, *logrus.Logger, ...mqtt.Option) (brokerSession, error) {
		return nil, fmt.Errorf("%w: dial tcp 127.0.0.1:1883: connection refused", mqtt.ErrConnectionFailed)
	}

	_, _, err := s.ExecuteCommand("run", testDeviceName)

	s.Require().ErrorIs(err, mqtt.ErrConnectionFailed)
	s.Contains(FormatUserError(err), "cannot reach the MQTT broker")
	s.Zero(s.transportCalls.Load())
}

// TestRunDeviceNotFound verifies a missing device fails startup.
//
// GOAL: DeviceNotFound is fatal without reconnects and everything is released
//
// TEST SCENARIO: Device not advertising, 50ms scan timeout → NotFoundError, session and adapter closed
func (s *RunTestSuite) TestRunDeviceNotFound() {
	s.UseTransport(s.hiddenTransport())

	_, stderr, err := s.ExecuteCommand("run", "--scan-timeout", "50ms", testDeviceName)

	s.Require().Error(err)
	s.True(device.IsDeviceNotFound(err), "error MUST be a device NotFoundError, got %v", err)
	s.Equal(`device "Nano33BLE" not found: make sure it is powered on, advertising and in range`, FormatUserError(err))
	s.Contains(stderr, "Device connection failed")
	s.True(s.Transport.closed.Load())
	s.True(s.Session.closed.Load())
}

// TestRunPromptsForDeviceName verifies the interactive prompt.
//
// GOAL: With no configured name and a terminal on stdin, the name is asked for
//
// TEST SCENARIO: stdin "Thermo\n" → prompt printed, the bridge looks for "Thermo"
func (s *RunTestSuite) TestRunPromptsForDeviceName() {
	stdinIsTerminal = func() bool { return true }
	promptInput = strings.NewReader("  Thermo \n")
	s.UseTransport(s.hiddenTransport())

	stdout, _, err := s.ExecuteCommand("run", "--scan-timeout", "50ms")

	s.Require().Error(err)
	s.Contains(stdout, "Edge device name: ")
	s.Contains(FormatUserError(err), `device "Thermo" not found`)
}

// TestRunWithoutDeviceName verifies the non-interactive case.
func (s *RunTestSuite) TestRunWithoutDeviceName() {
	_, _, err := s.ExecuteCommand("run")

	s.Require().ErrorIs(err, ErrNoDeviceName)
	s.Zero(s.sessionCalls.Load(), "broker MUST NOT be contacted without a device name")
}

// TestRunEmptyPromptAnswer verifies an empty answer is rejected.
func (s *RunTestSuite) TestRunEmptyPromptAnswer() {
	stdinIsTerminal = func() bool { return true }
	promptInput = strings.NewReader("\n")

	_, _, err := s.ExecuteCommand("run")

	s.Require().ErrorIs(err, ErrNoDeviceName)
}

// TestRunInvalidConfiguration verifies validation errors stop the command.
func (s *RunTestSuite) TestRunInvalidConfiguration() {
	_, _, err := s.ExecuteCommand("run", "--qos", "3", testDeviceName)

	var verrs config.ValidationErrors
	s.Require().ErrorAs(err, &verrs)
	s.Contains(FormatUserError(err), "mqtt.qos: must be 0, 1 or 2, got 3")
	s.Zero(s.sessionCalls.Load())
}

// TestRunDeviceNameSources verifies where the device name comes from.
//
// GOAL: The name resolves from argument, flag, environment or config file
//
// TEST SCENARIO: Each source alone names a missing device → the error names it
func (s *RunTestSuite) TestRunDeviceNameSources() {
	dir := s.T().TempDir()
	cfgFile := filepath.Join(dir, "bridge.yaml")
	s.Require().NoError(os.WriteFile(cfgFile, []byte("device:\n  name: FileSensor\n  scan_timeout: 50ms\n"), 0o600))

	tests := []struct {
		name string
		env  string
		args []string
		want string
	}{
		{name: "argument", args: []string{"run", "--scan-timeout", "50ms", "ArgSensor"}, want: "ArgSensor"},
		{name: "flag", args: []string{"run", "--scan-timeout", "50ms", "--device", "FlagSensor"}, want: "FlagSensor"},
		{name: "environment", env: "EnvSensor", args: []string{"run", "--scan-timeout", "50ms"}, want: "EnvSensor"},
		{name: "config file", args: []string{"run", "--config", cfgFile}, want: "FileSensor"},
		{name: "argument wins over flag", args: []string{"run", "--scan-timeout", "50ms", "--device", "FlagSensor", "ArgSensor"}, want: "ArgSensor"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resetFlags(rootCmd)
			configPath = ""
			if tt.env != "" {
				s.T().Setenv("BLEMQTT_DEVICE_NAME", tt.env)
			}
			s.UseTransport(s.hiddenTransport())

			_, _, err := s.ExecuteCommand(tt.args...)

			s.Require().Error(err)
			s.Contains(FormatUserError(err), fmt.Sprintf("device %q not found", tt.want))
		})
	}
}

// TestRunTooManyArguments verifies argument validation.
func (s *RunTestSuite) TestRunTooManyArguments() {
	_, _, err := s.ExecuteCommand("run", "one", "two")
	s.Require().Error(err)
	s.Zero(s.sessionCalls.Load())
}

func TestRunTestSuite(t *testing.T) {
	suite.Run(t, new(RunTestSuite))
}
