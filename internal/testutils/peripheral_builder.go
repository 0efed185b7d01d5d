//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blemqtt/internal/device"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "write,notify"
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralConfig describes one mocked peripheral.
type PeripheralConfig struct {
	Name     string          `json:"name"`
	Address  string          `json:"address"`
	RSSI     int             `json:"rssi"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds a MockTransport that advertises one peripheral and dials it
// into a MockLink with the configured profile.
type PeripheralBuilder struct {
	cfg            PeripheralConfig
	others         []device.Advertisement
	scanErr        error
	dialErr        error
	subscribeErr   error
	writeErr       error
	writeDelay     time.Duration
	hidden         bool
	reconnectLinks int
}

// NewPeripheralBuilder creates a builder for a peripheral at AA:BB:CC:DD:EE:FF.
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{
		cfg: PeripheralConfig{Address: "AA:BB:CC:DD:EE:FF", RSSI: -50},
	}
}

// FromJSON fills the peripheral configuration from JSON
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.cfg); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	return b
}

func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.cfg.Name = name
	return b
}

func (b *PeripheralBuilder) WithAddress(addr string) *PeripheralBuilder {
	b.cfg.Address = addr
	return b
}

func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.cfg.RSSI = rssi
	return b
}

// WithService adds a service to the device profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.cfg.Services = append(b.cfg.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string) *PeripheralBuilder {
	if len(b.cfg.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.cfg.Services) - 1
	b.cfg.Services[last].Characteristics = append(b.cfg.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// WithOtherAdvertisements adds unrelated devices to the scan results.
func (b *PeripheralBuilder) WithOtherAdvertisements(ads ...device.Advertisement) *PeripheralBuilder {
	b.others = append(b.others, ads...)
	return b
}

// Hidden keeps the peripheral out of scan results.
func (b *PeripheralBuilder) Hidden() *PeripheralBuilder {
	b.hidden = true
	return b
}

func (b *PeripheralBuilder) WithScanError(err error) *PeripheralBuilder {
	b.scanErr = err
	return b
}

func (b *PeripheralBuilder) WithDialError(err error) *PeripheralBuilder {
	b.dialErr = err
	return b
}

func (b *PeripheralBuilder) WithSubscribeError(err error) *PeripheralBuilder {
	b.subscribeErr = err
	return b
}

func (b *PeripheralBuilder) WithWriteError(err error) *PeripheralBuilder {
	b.writeErr = err
	return b
}

// WithWriteDelay makes every write take d.
func (b *PeripheralBuilder) WithWriteDelay(d time.Duration) *PeripheralBuilder {
	b.writeDelay = d
	return b
}

// WithReconnects makes the transport hand out n additional fresh links after the first.
func (b *PeripheralBuilder) WithReconnects(n int) *PeripheralBuilder {
	b.reconnectLinks = n
	return b
}

// Advertisement returns the peripheral's advertisement.
func (b *PeripheralBuilder) Advertisement() device.Advertisement {
	return NewAdvertisementBuilder().
		WithName(b.cfg.Name).
		WithAddress(b.cfg.Address).
		WithRSSI(b.cfg.RSSI).
		Build()
}

func (b *PeripheralBuilder) newLink() *MockLink {
	link := NewMockLink(b.cfg.Address)
	link.delay = b.writeDelay
	for _, svc := range b.cfg.Services {
		chars := make(map[string]bool, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			chars[device.NormalizeUUID(c.UUID)] = true
		}
		link.profile[device.NormalizeUUID(svc.UUID)] = chars
	}
	if b.subscribeErr != nil {
		link.Expect("Subscribe", mock.Anything, mock.Anything).Return(b.subscribeErr)
	}
	if b.writeErr != nil {
		link.Expect("Write", mock.Anything, mock.Anything, mock.Anything).Return(b.writeErr)
	}
	return link
}

// Build returns the transport and the links it will hand out on successive dials.
func (b *PeripheralBuilder) Build() (*MockTransport, []*MockLink) {
	var ads []device.Advertisement
	if !b.hidden {
		ads = append(ads, b.Advertisement())
	}
	ads = append(ads, b.others...)

	transport := NewMockTransport(ads...)
	transport.On("Scan", mock.Anything).Return(b.scanErr).Maybe()

	if b.dialErr != nil {
		transport.On("Dial", mock.Anything, b.cfg.Address).Return(nil, b.dialErr).Maybe()
		return transport, nil
	}

	links := make([]*MockLink, 0, 1+b.reconnectLinks)
	for i := 0; i <= b.reconnectLinks; i++ {
		link := b.newLink()
		links = append(links, link)
		transport.On("Dial", mock.Anything, b.cfg.Address).Return(link, nil).Once()
	}
	return transport, links
}

// BuildBLE creates a mocked go-ble device and client with the configured profile.
func (b *PeripheralBuilder) BuildBLE() (*MockBLEDevice, *MockBLEClient, *ble.Profile) {
	mockDevice := &MockBLEDevice{}
	mockClient := NewMockBLEClient()

	profile := &ble.Profile{}
	for _, svcConfig := range b.cfg.Services {
		svc := &ble.Service{UUID: ble.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &ble.Characteristic{
				UUID:     ble.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
			})
		}
		profile.Services = append(profile.Services, svc)
	}

	var ads []ble.Advertisement
	if !b.hidden {
		ads = append(ads, &MockBLEAdvertisement{adv: *b.Advertisement().(*Advertisement)})
	}

	mockDevice.On("Scan", mock.Anything, mock.Anything, mock.MatchedBy(func(handler ble.AdvHandler) bool {
		for _, adv := range ads {
			handler(adv)
		}
		return true
	})).Return(b.scanErr).Maybe()
	mockDevice.On("Stop").Return(nil).Maybe()

	if b.dialErr != nil {
		mockDevice.On("Dial", mock.Anything, mock.Anything).Return(nil, b.dialErr).Maybe()
	} else {
		mockDevice.On("Dial", mock.Anything, mock.Anything).Return(mockClient, nil).Maybe()
	}

	mockClient.On("DiscoverProfile", true).Return(profile, nil).Maybe()
	mockClient.On("CancelConnection").Return(nil).Maybe()
	mockClient.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(b.subscribeErr).Maybe()
	mockClient.On("Unsubscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
	mockClient.On("WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything).Return(b.writeErr).Maybe()

	return mockDevice, mockClient, profile
}

// parseCharacteristicProperties converts a comma separated property list to ble.Property flags
func parseCharacteristicProperties(props string) ble.Property {
	if props == "" {
		return ble.CharRead | ble.CharWrite | ble.CharNotify
	}

	var property ble.Property
	for _, p := range strings.Split(props, ",") {
		switch p {
		case "read":
			property |= ble.CharRead
		case "write":
			property |= ble.CharWrite
		case "write-without-response":
			property |= ble.CharWriteNR
		case "notify":
			property |= ble.CharNotify
		case "indicate":
			property |= ble.CharIndicate
		}
	}
	return property
}
