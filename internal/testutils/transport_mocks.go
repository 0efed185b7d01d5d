//go:build test

package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blemqtt/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of device.Transport. Scan replays the configured
// advertisements and then blocks until its context is done, like a real scan.
type MockTransport struct {
	mock.Mock

	mu             sync.Mutex
	advertisements []device.Advertisement
}

// NewMockTransport creates a transport advertising ads.
func NewMockTransport(ads ...device.Advertisement) *MockTransport {
	return &MockTransport{advertisements: ads}
}

// SetAdvertisements replaces what subsequent scans report.
func (m *MockTransport) SetAdvertisements(ads ...device.Advertisement) {
	m.mu.Lock()
	m.advertisements = ads
	m.mu.Unlock()
}

func (m *MockTransport) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}

	m.mu.Lock()
	ads := append([]device.Advertisement(nil), m.advertisements...)
	m.mu.Unlock()

	for _, adv := range ads {
		if ctx.Err() != nil {
			return nil
		}
		handler(adv)
	}
	<-ctx.Done()
	return nil
}

func (m *MockTransport) Dial(ctx context.Context, address string) (device.Link, error) {
	args := m.Called(ctx, address)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return args.Get(0).(device.Link), nil
}

// WriteRecord is one Write call observed by a MockLink.
type WriteRecord struct {
	Service        string
	Characteristic string
	Data           []byte
	Options        device.WriteOptions
}

// MockLink is a testify mock of device.Link that also simulates the peripheral side:
// Notify pushes a notification and Disconnect drops the link.
type MockLink struct {
	mock.Mock

	address string
	profile map[string]map[string]bool // normalized service -> characteristics
	delay   time.Duration

	mu       sync.Mutex
	handlers map[string]device.NotificationHandler
	writes   []WriteRecord

	disconnected chan struct{}
	discOnce     sync.Once
	closed       atomic.Bool
}

// NewMockLink creates a link whose Subscribe, Write and Close all succeed.
func NewMockLink(address string) *MockLink {
	l := &MockLink{
		address:      address,
		profile:      make(map[string]map[string]bool),
		handlers:     make(map[string]device.NotificationHandler),
		disconnected: make(chan struct{}),
	}
	l.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
	l.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	l.On("Close").Return(nil).Maybe()
	return l
}

// Expect replaces the default expectation for method.
func (l *MockLink) Expect(method string, args ...any) *mock.Call {
	filtered := l.ExpectedCalls[:0]
	for _, c := range l.ExpectedCalls {
		if c.Method != method {
			filtered = append(filtered, c)
		}
	}
	l.ExpectedCalls = filtered
	return l.On(method, args...)
}

func (l *MockLink) Address() string {
	return l.address
}

func (l *MockLink) hasCharacteristic(service, characteristic string) error {
	if len(l.profile) == 0 {
		return nil
	}
	chars, ok := l.profile[device.NormalizeUUID(service)]
	if !ok {
		return &device.NotFoundError{Resource: "service", IDs: []string{service}}
	}
	if !chars[device.NormalizeUUID(characteristic)] {
		return &device.NotFoundError{Resource: "characteristic", IDs: []string{service, characteristic}}
	}
	return nil
}

func (l *MockLink) Subscribe(service, characteristic string, handler device.NotificationHandler) error {
	if err := l.hasCharacteristic(service, characteristic); err != nil {
		return err
	}
	if err := l.Called(service, characteristic).Error(0); err != nil {
		return err
	}
	l.mu.Lock()
	l.handlers[device.NormalizeUUID(characteristic)] = handler
	l.mu.Unlock()
	return nil
}

func (l *MockLink) Write(service, characteristic string, data []byte, opts device.WriteOptions) error {
	if l.closed.Load() {
		return device.ErrNotConnected
	}
	if err := l.hasCharacteristic(service, characteristic); err != nil {
		return err
	}

	l.mu.Lock()
	l.writes = append(l.writes, WriteRecord{
		Service:        service,
		Characteristic: characteristic,
		Data:           append([]byte(nil), data...),
		Options:        opts,
	})
	l.mu.Unlock()

	if l.delay > 0 {
		if opts.Timeout > 0 && opts.Timeout < l.delay {
			time.Sleep(opts.Timeout)
			return fmt.Errorf("write to characteristic %s: %w", characteristic, device.ErrTimeout)
		}
		time.Sleep(l.delay)
	}
	return l.Called(service, characteristic, data).Error(0)
}

func (l *MockLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *MockLink) Close() error {
	l.closed.Store(true)
	return l.Called().Error(0)
}

// Notify delivers data to the handler subscribed on characteristic, as the transport would.
// Returns false when nothing is subscribed.
func (l *MockLink) Notify(characteristic string, data []byte) bool {
	l.mu.Lock()
	h, ok := l.handlers[device.NormalizeUUID(characteristic)]
	l.mu.Unlock()
	if ok {
		h(data)
	}
	return ok
}

// Disconnect simulates the peripheral dropping the link.
func (l *MockLink) Disconnect() {
	l.discOnce.Do(func() { close(l.disconnected) })
}

// Writes returns a copy of the writes observed so far.
func (l *MockLink) Writes() []WriteRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]WriteRecord(nil), l.writes...)
}

// IsClosed reports whether Close was called.
func (l *MockLink) IsClosed() bool {
	return l.closed.Load()
}
