//go:build test

package testutils

import (
	"github.com/go-ble/ble"
	"github.com/srg/blemqtt/internal/device"
)

// Advertisement is a static device.Advertisement.
type Advertisement struct {
	Name          string
	Address       string
	RSSIValue     int
	IsConnectable bool
	ServiceUUIDs  []string
}

func (a *Advertisement) LocalName() string  { return a.Name }
func (a *Advertisement) Addr() string       { return a.Address }
func (a *Advertisement) RSSI() int          { return a.RSSIValue }
func (a *Advertisement) Connectable() bool  { return a.IsConnectable }
func (a *Advertisement) Services() []string { return a.ServiceUUIDs }

// AdvertisementBuilder builds advertisements for scan tests.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder; advertisements are connectable by default.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{IsConnectable: true}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSIValue = rssi
	return b
}

func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.IsConnectable = connectable
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append([]string(nil), uuids...)
	return b
}

// Build returns the advertisement as seen through device.Transport.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	return &adv
}

// BuildBLE returns the advertisement as delivered by a go-ble device.
func (b *AdvertisementBuilder) BuildBLE() ble.Advertisement {
	adv := b.adv
	return &MockBLEAdvertisement{adv: adv}
}
