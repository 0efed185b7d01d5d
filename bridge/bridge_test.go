//go:build test

package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemqtt/bridge"
	"github.com/srg/blemqtt/internal/device"
	"github.com/srg/blemqtt/internal/testutils"
	"github.com/srg/blemqtt/pkg/config"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	deviceName  = "Nano33BLE"
	sensorUUID  = "19b10001-e8f2-537e-4f6c-d104768a1214"
	controlUUID = "19b1000a-e8f2-537e-4f6c-d104768a1214"
)

type BridgeTestSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	cfg     *config.Config
	session *testutils.MockSession
	builder *testutils.PeripheralBuilder

	mu     sync.Mutex
	phases []string
}

func (s *BridgeTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.session = testutils.NewMockSession()
	s.phases = nil

	s.cfg = config.Default()
	s.cfg.Device.Name = deviceName
	s.cfg.Device.ScanTimeout = 200 * time.Millisecond
	s.cfg.Device.ConnectTimeout = time.Second
	s.cfg.Device.WriteTimeout = time.Second
	s.cfg.Bridge.Reconnect.Delay = 10 * time.Millisecond
	s.cfg.Bridge.Reconnect.MaxDelay = 40 * time.Millisecond

	s.builder = testutils.NewPeripheralBuilder().
		WithName(deviceName).
		WithService(s.cfg.Device.ServiceUUID).
		WithCharacteristic(sensorUUID, "notify").
		WithCharacteristic(controlUUID, "write-without-response")
}

func (s *BridgeTestSuite) newBridge(transport device.Transport) *bridge.Bridge {
	b, err := bridge.New(bridge.Options{
		Config:    s.cfg,
		Transport: transport,
		Session:   s.session,
		Logger:    s.helper.Logger,
		Progress: func(phase string) {
			s.mu.Lock()
			s.phases = append(s.phases, phase)
			s.mu.Unlock()
		},
	})
	s.Require().NoError(err)
	return b
}

// start runs the bridge in the background and returns its result channel and a stop function.
func (s *BridgeTestSuite) start(b *bridge.Bridge) (<-chan error, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return done, cancel
}

func (s *BridgeTestSuite) listeningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.phases {
		if p == "listening" {
			n++
		}
	}
	return n
}

func (s *BridgeTestSuite) waitListening(n int) {
	s.Require().True(testutils.Eventually(2*time.Second, func() bool { return s.listeningCount() >= n }),
		"bridge did not reach listening, phases: %v", s.phases)
}

func (s *BridgeTestSuite) waitPublications(topic string, n int) []testutils.Publication {
	s.Require().True(testutils.Eventually(2*time.Second, func() bool {
		return len(s.session.Publications(topic)) >= n
	}), "expected %d publications on %q, got %v", n, topic, s.session.Publications(topic))
	return s.session.Publications(topic)
}

func (s *BridgeTestSuite) waitWrites(link *testutils.MockLink, n int) []testutils.WriteRecord {
	s.Require().True(testutils.Eventually(2*time.Second, func() bool {
		return len(link.Writes()) >= n
	}), "expected %d writes, got %d", n, len(link.Writes()))
	return link.Writes()
}

func (s *BridgeTestSuite) stop(done <-chan error, cancel context.CancelFunc) {
	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("bridge did not stop")
	}
}

func (s *BridgeTestSuite) TestTelemetryPublishedAsJSON() {
	// GOAL: Verify device notifications are decoded and published as JSON on the sensor topic
	//
	// TEST SCENARIO: Listening bridge → two notifications → two JSON messages in arrival order

	transport, links := s.builder.Build()
	b := s.newBridge(transport)
	done, cancel := s.start(b)
	s.waitListening(1)

	links[0].Notify(sensorUUID, []byte("acc,1.0,2.0,3.0,tem,36.5"))
	links[0].Notify(sensorUUID, []byte("ges,2,foo,bar,num,7\n"))

	pubs := s.waitPublications("sensor/data", 2)
	s.Equal(`{"acc":[1,2,3],"tem":36.5}`, pubs[0].Payload)
	s.Equal(`{"ges":2,"num":7}`, pubs[1].Payload)
	s.False(pubs[0].Retained)
	s.Equal(byte(0), pubs[0].QoS)

	s.stop(done, cancel)
	s.Equal(int64(2), b.GetMetrics().FramesDecoded)
}

func (s *BridgeTestSuite) TestMalformedFrameIsDropped() {
	// GOAL: Verify a malformed frame is logged and dropped without stopping the bridge
	//
	// TEST SCENARIO: Bad frame then good frame → only the good frame is published, warning logged

	transport, links := s.builder.Build()
	b := s.newBridge(transport)
	done, cancel := s.start(b)
	s.waitListening(1)

	links[0].Notify(sensorUUID, []byte("tem,warm"))
	links[0].Notify(sensorUUID, []byte("acc,1,2"))
	links[0].Notify(sensorUUID, []byte("num,1"))

	pubs := s.waitPublications("sensor/data", 1)
	s.Equal(`{"num":1}`, pubs[0].Payload)

	s.stop(done, cancel)
	s.Len(s.session.Publications("sensor/data"), 1)
	s.Equal(int64(2), b.GetMetrics().FramesDropped)
	s.True(s.helper.HasEntry(logrus.WarnLevel, "Dropped malformed telemetry frame"))
}

func (s *BridgeTestSuite) TestControlCommandWrittenToDevice() {
	// GOAL: Verify a broker control message becomes a 2-byte little-endian write on the control characteristic
	//
	// TEST SCENARIO: {"data": 300} on control topic → write 0x2C,0x01 without response

	transport, links := s.builder.Build()
	b := s.newBridge(transport)
	done, cancel := s.start(b)
	s.waitListening(1)

	s.Require().True(s.session.Deliver("control", `{"data": 300}`))

	writes := s.waitWrites(links[0], 1)
	s.Equal([]byte{0x2C, 0x01}, writes[0].Data)
	s.Equal(controlUUID, writes[0].Characteristic)
	s.False(writes[0].Options.WithResponse)

	s.stop(done, cancel)
	m := b.GetMetrics()
	s.Equal(int64(1), m.CommandsSubmitted)
	s.Equal(int64(1), m.CommandsWritten)
}

func (s *BridgeTestSuite) TestControlCommandsKeepOrder() {
	transport, links := s.builder.Build()
	b := s.newBridge(transport)
	done, cancel := s.start(b)
	s.waitListening(1)

	for _, payload := range []string{`{"data": 1}`, `{"data": 2}`, `{"data": -1}`} {
		s.session.Deliver("control", payload)
	}

	writes := s.waitWrites(links[0], 3)
	s.Equal([]byte{0x01, 0x00}, writes[0].Data)
	s.Equal([]byte{0x02, 0x00}, writes[1].Data)
	s.Equal([]byte{0xFF, 0xFF}, writes[2].Data)

	s.stop(done, cancel)
}

func (s *BridgeTestSuite) TestInvalidControlMessagesAreDropped() {
	transport, links := s.builder.Build()
	b := s.newBridge(transport)
	done, cancel := s.start(b)
	s.waitListening(1)

	s.session.Deliver("control", `not json`)
	s.session.Deliver("control", `{"value": 1}`)
	s.session.Deliver("control", `{"data": 40000}`)
	s.session.Deliver("control", `{"data": 5}`)

	writes := s.waitWrites(links[0], 1)
	s.Equal([]byte{0x05, 0x00}, writes[0].Data)

	s.stop(done, cancel)
	s.Len(links[0].Writes(), 1)
	s.Equal(int64(3), b.GetMetrics().CommandsDropped)
	s.Len(s.helper.EntriesAt(logrus.WarnLevel), 3)
}

func (s *BridgeTestSuite) TestControlWhileScanningIsDropped() {
	// GOAL: Verify commands arriving before the device is connected are dropped, not queued
	//
	// TEST SCENARIO: Device hidden → command delivered during scan → dropped, scan ends with DeviceNotFound

	transport, links := s.builder.Hidden().Build()
	b := s.newBridge(transport)
	done, _ := s.start(b)

	s.Require().True(testutils.Eventually(time.Second, func() bool { return s.session.Subscribed("control") }))
	s.session.Deliver("control", `{"data": 1}`)

	err := <-done
	s.True(device.IsDeviceNotFound(err), "expected device not found, got %v", err)
	s.Empty(links[0].Writes())
	s.Equal(int64(1), b.GetMetrics().CommandsDropped)
	s.False(s.session.Subscribed("control"))
}

func (s *BridgeTestSuite) TestControlSubscribeFailure() {
	s.session.Expect("Subscribe", mock.Anything, mock.Anything).Return(errors.New("not authorized"))
	transport, _ := s.builder.Build()
	b := s.newBridge(transport)

	err := b.Run(context.Background())
	s.ErrorContains(err, "not authorized")
	transport.AssertNotCalled(s.T(), "Scan", mock.Anything)
}

func (s *BridgeTestSuite) TestConnectionLostIsTerminalByDefault() {
	// GOAL: Verify a transport drop ends the bridge with ConnectionLost when reconnect is disabled
	//
	// TEST SCENARIO: Listening → peripheral disconnects → Run returns ErrConnectionLost, no second dial

	transport, links := s.builder.Build()
	b := s.newBridge(transport)
	done, _ := s.start(b)
	s.waitListening(1)

	links[0].Disconnect()

	select {
	case err := <-done:
		s.ErrorIs(err, device.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		s.FailNow("bridge did not stop after disconnect")
	}
	transport.AssertNumberOfCalls(s.T(), "Dial", 1)
	s.False(s.session.Subscribed("control"))
}

func (s *BridgeTestSuite) TestReconnectsWithFreshSupervisor() {
	// GOAL: Verify the optional reconnect policy brings the bridge back to listening on a new link
	//
	// TEST SCENARIO: max_attempts=1 → first link drops → second dial → telemetry flows from the new link

	s.cfg.Bridge.Reconnect.MaxAttempts = 1
	transport, links := s.builder.WithReconnects(1).Build()
	s.Require().Len(links, 2)

	b := s.newBridge(transport)
	done, cancel := s.start(b)
	s.waitListening(1)

	links[0].Disconnect()
	s.waitListening(2)

	links[1].Notify(sensorUUID, []byte("num,42"))
	pubs := s.waitPublications("sensor/data", 1)
	s.Equal(`{"num":42}`, pubs[0].Payload)

	s.session.Deliver("control", `{"data": 7}`)
	writes := s.waitWrites(links[1], 1)
	s.Equal([]byte{0x07, 0x00}, writes[0].Data)
	s.Empty(links[0].Writes())

	s.stop(done, cancel)
	s.Contains(s.phases, "Reconnecting")
}

func (s *BridgeTestSuite) TestReconnectAttemptsExhausted() {
	s.cfg.Bridge.Reconnect.MaxAttempts = 2
	transport, _ := s.builder.Hidden().Build()
	s.cfg.Device.ScanTimeout = 20 * time.Millisecond
	b := s.newBridge(transport)

	err := b.Run(context.Background())
	s.True(device.IsDeviceNotFound(err))
	transport.AssertNumberOfCalls(s.T(), "Scan", 3)
}

func (s *BridgeTestSuite) TestStatusTopic() {
	// GOAL: Verify state changes are published as retained status messages, ending with offline
	//
	// TEST SCENARIO: status_topic set → connecting, connected, listening online → cancel → disconnected, then offline

	s.cfg.MQTT.StatusTopic = "bridge/status"
	transport, _ := s.builder.Build()
	b := s.newBridge(transport)
	done, cancel := s.start(b)
	s.waitListening(1)
	s.waitPublications("bridge/status", 3)

	s.stop(done, cancel)

	pubs := s.session.Publications("bridge/status")
	s.Require().Len(pubs, 5)
	ja := testutils.NewJSONAsserter(s.T())
	for i, expected := range []struct{ status, state string }{
		{"online", "connecting"},
		{"online", "connected"},
		{"online", "listening"},
		{"online", "disconnected"},
		{"offline", "disconnected"},
	} {
		s.True(pubs[i].Retained)
		ja.Assert(pubs[i].Payload, testutils.MustJSON(map[string]string{
			"status":    expected.status,
			"state":     expected.state,
			"device":    deviceName,
			"timestamp": testutils.PresencePlaceholder,
		}))
	}
}

func (s *BridgeTestSuite) TestCancelReleasesEverything() {
	transport, links := s.builder.Build()
	b := s.newBridge(transport)
	done, cancel := s.start(b)
	s.waitListening(1)

	s.stop(done, cancel)

	s.True(links[0].IsClosed())
	s.False(s.session.Subscribed("control"))
	s.session.AssertCalled(s.T(), "Unsubscribe", "control")
	s.ErrorContains(b.Run(context.Background()), "already running")
}

func (s *BridgeTestSuite) TestNewValidatesOptions() {
	transport, _ := s.builder.Build()

	_, err := bridge.New(bridge.Options{Transport: transport, Session: s.session})
	s.ErrorContains(err, "configuration is required")

	_, err = bridge.New(bridge.Options{Config: s.cfg, Session: s.session})
	s.ErrorContains(err, "transport is required")

	_, err = bridge.New(bridge.Options{Config: s.cfg, Transport: transport})
	s.ErrorContains(err, "session is required")

	s.cfg.Device.Name = ""
	_, err = bridge.New(bridge.Options{Config: s.cfg, Transport: transport, Session: s.session})
	s.ErrorContains(err, "device name is required")
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
