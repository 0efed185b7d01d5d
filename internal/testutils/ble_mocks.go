//go:build test

package testutils

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockBLEAdvertisement is a go-ble advertisement backed by a static Advertisement.
// Methods the adapter never calls fall through to the nil embedded interface.
type MockBLEAdvertisement struct {
	ble.Advertisement
	adv Advertisement
}

func (a *MockBLEAdvertisement) LocalName() string { return a.adv.Name }
func (a *MockBLEAdvertisement) Addr() ble.Addr    { return ble.NewAddr(a.adv.Address) }
func (a *MockBLEAdvertisement) RSSI() int         { return a.adv.RSSIValue }
func (a *MockBLEAdvertisement) Connectable() bool { return a.adv.IsConnectable }

func (a *MockBLEAdvertisement) Services() []ble.UUID {
	out := make([]ble.UUID, 0, len(a.adv.ServiceUUIDs))
	for _, u := range a.adv.ServiceUUIDs {
		out = append(out, ble.MustParse(u))
	}
	return out
}

// MockBLEDevice is a testify mock of the go-ble central device.
type MockBLEDevice struct {
	ble.Device
	mock.Mock
}

func (d *MockBLEDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := d.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (d *MockBLEDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := d.Called(ctx, a)
	c, _ := args.Get(0).(ble.Client)
	return c, args.Error(1)
}

func (d *MockBLEDevice) Stop() error {
	return d.Called().Error(0)
}

// MockBLEClient is a testify mock of a go-ble client connection. Notify and Disconnect
// simulate peripheral-side events.
type MockBLEClient struct {
	ble.Client
	mock.Mock

	mu           sync.Mutex
	handlers     map[*ble.Characteristic]ble.NotificationHandler
	disconnected chan struct{}
	once         sync.Once
}

// NewMockBLEClient creates a client with no expectations set.
func NewMockBLEClient() *MockBLEClient {
	return &MockBLEClient{
		handlers:     make(map[*ble.Characteristic]ble.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

func (c *MockBLEClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := c.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (c *MockBLEClient) Subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := c.Called(char, ind, h)
	if err := args.Error(0); err != nil {
		return err
	}
	c.mu.Lock()
	c.handlers[char] = h
	c.mu.Unlock()
	return nil
}

func (c *MockBLEClient) Unsubscribe(char *ble.Characteristic, ind bool) error {
	args := c.Called(char, ind)
	c.mu.Lock()
	delete(c.handlers, char)
	c.mu.Unlock()
	return args.Error(0)
}

func (c *MockBLEClient) WriteCharacteristic(char *ble.Characteristic, value []byte, noRsp bool) error {
	return c.Called(char, value, noRsp).Error(0)
}

func (c *MockBLEClient) CancelConnection() error {
	return c.Called().Error(0)
}

func (c *MockBLEClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Notify delivers data to the handler subscribed on char. Returns false when nothing is subscribed.
func (c *MockBLEClient) Notify(char *ble.Characteristic, data []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[char]
	c.mu.Unlock()
	if ok {
		h(data)
	}
	return ok
}

// Disconnect simulates the peripheral dropping the link.
func (c *MockBLEClient) Disconnect() {
	c.once.Do(func() { close(c.disconnected) })
}
