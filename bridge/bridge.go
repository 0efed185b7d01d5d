// Package bridge wires a BLE sensor to an MQTT broker.
//
// Telemetry notifications are decoded into frames and published as JSON on the sensor
// topic. Control messages from the broker are decoded, handed to the device context
// through a dispatcher, and written to the control characteristic. Per-message
// failures are logged and the message is dropped; the bridge keeps running.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemqtt/internal/control"
	"github.com/srg/blemqtt/internal/device"
	"github.com/srg/blemqtt/internal/dispatch"
	"github.com/srg/blemqtt/internal/frame"
	"github.com/srg/blemqtt/internal/mqtt"
	"github.com/srg/blemqtt/internal/supervisor"
	"github.com/srg/blemqtt/pkg/config"
)

// Status values published on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Session is the broker side of the bridge.
type Session interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// Options contains everything a Bridge needs.
type Options struct {
	Config    *config.Config
	Transport device.Transport
	Session   Session
	Logger    *logrus.Logger
	Progress  ProgressCallback
}

// Metrics counts per-message outcomes.
type Metrics struct {
	FramesDecoded     int64
	FramesDropped     int64
	CommandsSubmitted int64
	CommandsWritten   int64
	CommandsDropped   int64
}

// Bridge owns the supervisor of the current connection attempt, the dispatcher feeding
// it and the outbox publishing its telemetry.
type Bridge struct {
	cfg       *config.Config
	transport device.Transport
	session   Session
	logger    *logrus.Logger
	progress  ProgressCallback
	qos       byte

	dispatcher *dispatch.Dispatcher
	outbox     *Outbox
	current    atomic.Pointer[supervisor.Supervisor]
	lastState  atomic.Int32
	running    atomic.Bool

	metrics Metrics
}

// New validates opts and creates a Bridge. Nothing is started until Run.
func New(opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("failed to create bridge: configuration is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("failed to create bridge: device transport is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("failed to create bridge: broker session is required")
	}
	if opts.Config.Device.Name == "" {
		return nil, fmt.Errorf("failed to create bridge: device name is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(string) {}
	}

	b := &Bridge{
		cfg:        opts.Config,
		transport:  opts.Transport,
		session:    opts.Session,
		logger:     logger,
		progress:   progress,
		qos:        byte(opts.Config.MQTT.QoS),
		dispatcher: dispatch.New(opts.Config.Bridge.DispatchQueueSize, logger),
	}
	b.lastState.Store(int32(supervisor.Scanning))

	outbox, err := NewOutbox(uint32(opts.Config.Bridge.OutboxSize), b.publish, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	b.outbox = outbox
	return b, nil
}

// Run subscribes to the control topic and keeps the device connected until ctx is done.
// It returns nil on cancellation and the connection error when the device cannot be
// (re)connected within the reconnect policy. A Bridge runs once.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge is already running")
	}

	mqttCfg := b.cfg.MQTT
	if err := b.session.Subscribe(mqttCfg.ControlTopic, b.qos, b.handleControl); err != nil {
		return fmt.Errorf("failed to subscribe to control topic %q: %w", mqttCfg.ControlTopic, err)
	}

	pubCtx, stopPublisher := context.WithCancel(context.WithoutCancel(ctx))
	if err := b.outbox.Start(pubCtx); err != nil {
		stopPublisher()
		return err
	}

	defer func() {
		if err := b.session.Unsubscribe(mqttCfg.ControlTopic); err != nil {
			b.logger.WithError(err).Warn("Failed to unsubscribe from control topic")
		}
		b.dispatcher.Close()

		stopPublisher()
		<-b.outbox.Done()
		b.publishStatusNow(StatusOffline)

		m := b.GetMetrics()
		b.logger.WithFields(logrus.Fields{
			"frames_decoded":     m.FramesDecoded,
			"frames_dropped":     m.FramesDropped,
			"commands_submitted": m.CommandsSubmitted,
			"commands_written":   m.CommandsWritten,
			"commands_dropped":   m.CommandsDropped,
		}).Info("Bridge stopped")
	}()

	policy := b.cfg.Bridge.Reconnect
	attempt := 0
	for {
		listened, err := b.runAttempt(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if listened {
			attempt = 0
		}
		if policy.MaxAttempts >= 0 && attempt >= policy.MaxAttempts {
			return err
		}
		attempt++

		if n := b.dispatcher.Drain(device.ErrNotConnected); n > 0 {
			atomic.AddInt64(&b.metrics.CommandsDropped, int64(n))
		}
		delay := backoff(policy, attempt)
		b.progress("Reconnecting")
		b.logger.WithFields(logrus.Fields{
			"device":  b.cfg.Device.Name,
			"attempt": attempt,
			"delay":   delay,
			"error":   err,
		}).Warn("Device connection ended, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runAttempt drives one supervisor from scanning to disconnect. listened reports
// whether the attempt reached Listening.
func (b *Bridge) runAttempt(ctx context.Context) (listened bool, err error) {
	dev := b.cfg.Device
	sup := supervisor.New(supervisor.Options{
		Config: supervisor.Config{
			DeviceName:        dev.Name,
			ServiceUUID:       dev.ServiceUUID,
			SensorCharUUID:    dev.SensorCharUUID,
			ControlCharUUID:   dev.ControlCharUUID,
			ScanTimeout:       dev.ScanTimeout,
			ConnectTimeout:    dev.ConnectTimeout,
			WriteTimeout:      dev.WriteTimeout,
			WriteWithResponse: dev.WriteWithResponse,
		},
		Transport: b.transport,
		Logger:    b.logger,
		OnState:   b.onState,
	})
	if err := sup.SubscribeNotifications(b.handleNotification); err != nil {
		return false, err
	}

	b.current.Store(sup)
	defer b.current.Store(nil)

	b.progress(supervisor.Scanning.String())
	if err := sup.Start(ctx); err != nil {
		return false, err
	}
	b.logger.WithFields(logrus.Fields{
		"device":        dev.Name,
		"address":       sup.Address(),
		"sensor_topic":  b.cfg.MQTT.SensorTopic,
		"control_topic": b.cfg.MQTT.ControlTopic,
	}).Info("Bridge is listening")

	return true, sup.Run(ctx, b.dispatcher.Tasks())
}

func (b *Bridge) onState(_, to supervisor.State, _ error) {
	b.lastState.Store(int32(to))
	b.progress(to.String())
	b.pushStatus(StatusOnline, to)
}

// handleNotification runs on the device context.
func (b *Bridge) handleNotification(data []byte) {
	f, err := frame.DecodeNotification(data)
	if err != nil {
		atomic.AddInt64(&b.metrics.FramesDropped, 1)
		b.logger.WithFields(logrus.Fields{
			"payload": string(data),
			"error":   err,
		}).Warn("Dropped malformed telemetry frame")
		return
	}

	payload, err := json.Marshal(f)
	if err != nil {
		atomic.AddInt64(&b.metrics.FramesDropped, 1)
		b.logger.WithError(err).Warn("Dropped telemetry frame that cannot be encoded")
		return
	}

	atomic.AddInt64(&b.metrics.FramesDecoded, 1)
	b.outbox.Push(Message{Topic: b.cfg.MQTT.SensorTopic, Payload: payload})
}

// handleControl runs on the broker delivery goroutine. It only decodes and submits;
// the write happens on the device context.
func (b *Bridge) handleControl(topic string, payload []byte) error {
	entry := b.logger.WithFields(logrus.Fields{
		"topic":   topic,
		"payload": string(payload),
	})

	cmd, err := control.Decode(payload)
	if err != nil {
		b.dropCommand(entry, err, "Dropped invalid control message")
		return nil
	}

	sup := b.current.Load()
	if sup == nil || !sup.State().CanWrite() {
		state := supervisor.State(b.lastState.Load())
		b.dropCommand(entry, fmt.Errorf("device is %s: %w", state, device.ErrNotConnected), "Dropped control command")
		return nil
	}

	data := cmd.Encode()
	_, err = b.dispatcher.Submit(func() error {
		if err := sup.Write(data); err != nil {
			b.dropCommand(entry, err, "Dropped control command")
			return err
		}
		atomic.AddInt64(&b.metrics.CommandsWritten, 1)
		entry.WithField("command", int16(cmd)).Debug("Control command written to device")
		return nil
	})
	if err != nil {
		b.dropCommand(entry, err, "Dropped control command")
		return nil
	}
	atomic.AddInt64(&b.metrics.CommandsSubmitted, 1)
	return nil
}

func (b *Bridge) dropCommand(entry *logrus.Entry, err error, msg string) {
	atomic.AddInt64(&b.metrics.CommandsDropped, 1)
	entry.WithError(err).Warn(msg)
}

func (b *Bridge) publish(msg Message) error {
	return b.session.Publish(msg.Topic, msg.Payload, b.qos, msg.Retained)
}

// StatusMessage is the retained payload published on the status topic.
type StatusMessage struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Device    string `json:"device"`
	Timestamp string `json:"timestamp"`
}

// NewStatusMessage builds a status payload stamped with the current time.
func NewStatusMessage(status string, state supervisor.State, deviceName string) StatusMessage {
	return StatusMessage{
		Status:    status,
		State:     state.String(),
		Device:    deviceName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (b *Bridge) statusMessage(status string, state supervisor.State) (Message, bool) {
	topic := b.cfg.MQTT.StatusTopic
	if topic == "" {
		return Message{}, false
	}
	payload, err := json.Marshal(NewStatusMessage(status, state, b.cfg.Device.Name))
	if err != nil {
		b.logger.WithError(err).Warn("Failed to encode bridge status")
		return Message{}, false
	}
	return Message{Topic: topic, Payload: payload, Retained: true}, true
}

// pushStatus queues a status update behind pending telemetry.
func (b *Bridge) pushStatus(status string, state supervisor.State) {
	if msg, ok := b.statusMessage(status, state); ok {
		b.outbox.Push(msg)
	}
}

// publishStatusNow publishes directly; used after the outbox has stopped.
func (b *Bridge) publishStatusNow(status string) {
	msg, ok := b.statusMessage(status, supervisor.State(b.lastState.Load()))
	if !ok {
		return
	}
	if err := b.publish(msg); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		b.logger.WithError(err).Warn("Failed to publish bridge status")
	}
}

// GetMetrics returns a snapshot of current metrics values.
func (b *Bridge) GetMetrics() Metrics {
	return Metrics{
		FramesDecoded:     atomic.LoadInt64(&b.metrics.FramesDecoded),
		FramesDropped:     atomic.LoadInt64(&b.metrics.FramesDropped),
		CommandsSubmitted: atomic.LoadInt64(&b.metrics.CommandsSubmitted),
		CommandsWritten:   atomic.LoadInt64(&b.metrics.CommandsWritten),
		CommandsDropped:   atomic.LoadInt64(&b.metrics.CommandsDropped),
	}
}

// OutboxMetrics returns a snapshot of the telemetry outbox counters.
func (b *Bridge) OutboxMetrics() OutboxMetrics {
	return b.outbox.GetMetrics()
}

// backoff returns the delay before reconnect attempt n (1-based): Delay doubled per
// attempt, capped at MaxDelay.
func backoff(policy config.ReconnectConfig, n int) time.Duration {
	d := policy.Delay
	for i := 1; i < n && d < policy.MaxDelay; i++ {
		d *= 2
	}
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}
