// Package supervisor owns one device connection: discovery, connect, notification
// subscription and control writes, driven as a state machine
//
//	Scanning -> Connecting -> Connected -> Listening -> Disconnected
//
// with Failed reachable from any pre-listening step. Start and Run execute on the
// device context; State may be read from anywhere.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemqtt/internal/device"
	"github.com/srg/blemqtt/internal/dispatch"
	"github.com/srg/blemqtt/scanner"
)

// notificationBuffer bounds notifications waiting for the device context. When it is
// full the transport callback blocks and back-pressure moves to the transport, whose
// own queue may drop notifications.
const notificationBuffer = 64

// Config identifies the peripheral and bounds each lifecycle step.
type Config struct {
	DeviceName        string
	ServiceUUID       string
	SensorCharUUID    string
	ControlCharUUID   string
	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	WriteWithResponse bool
}

// StateListener observes transitions. It is called on the device context.
type StateListener func(from, to State, err error)

// Options configures a Supervisor.
type Options struct {
	Config    Config
	Transport device.Transport
	Logger    *logrus.Logger
	OnState   StateListener
}

// Supervisor runs one connection attempt from discovery to disconnect. A Supervisor
// is single use: once Disconnected or Failed, create a new one to reconnect.
type Supervisor struct {
	cfg       Config
	transport device.Transport
	logger    *logrus.Logger
	onState   StateListener

	state atomic.Int32

	// Owned by the device context.
	link       device.Link
	linkClosed bool
	address    string
	handler    device.NotificationHandler

	notifications chan []byte
	stop          chan struct{}
	stopOnce      sync.Once
	started       atomic.Bool
}

// New creates a Supervisor in state Scanning.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	s := &Supervisor{
		cfg:           opts.Config,
		transport:     opts.Transport,
		logger:        logger,
		onState:       opts.OnState,
		notifications: make(chan []byte, notificationBuffer),
		stop:          make(chan struct{}),
	}
	s.state.Store(int32(Scanning))
	return s
}

// State returns the current state. Safe for concurrent use.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Address returns the connected peripheral address, empty before Connecting.
func (s *Supervisor) Address() string {
	return s.address
}

func (s *Supervisor) setState(to State, err error) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}

	entry := s.logger.WithFields(logrus.Fields{
		"device": s.cfg.DeviceName,
		"from":   from.String(),
		"to":     to.String(),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	if to == Failed {
		entry.Error("Device connection failed")
	} else {
		entry.Info("Device connection state changed")
	}

	if s.onState != nil {
		s.onState(from, to, err)
	}
}

func (s *Supervisor) fail(err error) error {
	s.setState(Failed, err)
	return err
}

// SubscribeNotifications registers the handler for telemetry notifications. It must be
// called before Start. The handler runs on the device context, once per notification,
// in arrival order and never concurrently with itself.
func (s *Supervisor) SubscribeNotifications(handler device.NotificationHandler) error {
	if s.started.Load() {
		return fmt.Errorf("notification handler must be registered before Start")
	}
	s.handler = handler
	return nil
}

// Start scans for the configured device, connects and subscribes to telemetry. On
// success the state is Listening; on any failure it is Failed and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return device.ErrAlreadyConnected
	}

	s.setState(Scanning, nil)
	adv, err := scanner.NewScanner(s.transport, s.logger).FindByName(ctx, s.cfg.DeviceName, s.cfg.ScanTimeout)
	if err != nil {
		return s.fail(err)
	}
	s.address = adv.Addr()

	s.setState(Connecting, nil)
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	link, err := s.transport.Dial(dialCtx, s.address)
	cancel()
	if err != nil {
		return s.fail(fmt.Errorf("failed to connect to %q (%s): %w", s.cfg.DeviceName, s.address, err))
	}
	s.link = link
	s.setState(Connected, nil)

	if err := link.Subscribe(s.cfg.ServiceUUID, s.cfg.SensorCharUUID, s.enqueue); err != nil {
		s.closeLink()
		return s.fail(fmt.Errorf("failed to subscribe to telemetry: %w", err))
	}
	s.setState(Listening, nil)
	return nil
}

// enqueue runs on the transport's delivery goroutine and hands a copy of the payload
// to the device context.
func (s *Supervisor) enqueue(data []byte) {
	buf := append([]byte(nil), data...)
	select {
	case s.notifications <- buf:
	case <-s.stop:
	}
}

// Run is the device context loop. It delivers notifications and runs dispatched tasks
// serially until ctx is done (returns nil) or the link drops (returns ErrConnectionLost).
// Either way the state ends as Disconnected.
func (s *Supervisor) Run(ctx context.Context, tasks <-chan *dispatch.Task) error {
	if s.State() != Listening {
		return fmt.Errorf("cannot run in state %s: %w", s.State(), device.ErrNotConnected)
	}
	defer s.release()

	for {
		select {
		case <-ctx.Done():
			s.release()
			s.setState(Disconnected, nil)
			return nil

		case <-s.link.Disconnected():
			s.release()
			s.setState(Disconnected, device.ErrConnectionLost)
			return device.ErrConnectionLost

		case data := <-s.notifications:
			s.deliver(data)

		case task := <-tasks:
			if err := task.Run(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"task":  task.Seq(),
					"error": err,
				}).Debug("Dispatched task failed")
			}
		}
	}
}

// release unblocks pending enqueue calls before the link goes away, so no transport
// callback is still inside the handler when the link is closed.
func (s *Supervisor) release() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.closeLink()
}

func (s *Supervisor) deliver(data []byte) {
	if s.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Notification handler panic recovered")
		}
	}()
	s.handler(data)
}

// Write sends data to the control characteristic. It must be called on the device
// context. Outside Connected or Listening it fails with ErrNotConnected and makes no
// transport call.
func (s *Supervisor) Write(data []byte) error {
	state := s.State()
	if !state.CanWrite() || s.link == nil {
		return fmt.Errorf("write in state %s: %w", state, device.ErrNotConnected)
	}

	err := s.link.Write(s.cfg.ServiceUUID, s.cfg.ControlCharUUID, data, device.WriteOptions{
		WithResponse: s.cfg.WriteWithResponse,
		Timeout:      s.cfg.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("control write failed: %w", err)
	}
	return nil
}

// Close releases the link without waiting for Run. Used when Start succeeded but the
// caller decides not to run.
func (s *Supervisor) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.link != nil && !s.linkClosed {
		s.closeLink()
		s.setState(Disconnected, nil)
	}
}

func (s *Supervisor) closeLink() {
	if s.link == nil || s.linkClosed {
		return
	}
	s.linkClosed = true
	if err := s.link.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close device link cleanly")
	}
}
