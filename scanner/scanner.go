package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemqtt/internal/device"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceInfo is a snapshot of the latest advertisement seen from one device.
type DeviceInfo struct {
	Name        string
	Address     string
	RSSI        int
	Connectable bool
	Services    []string
	LastSeen    time.Time
}

// DisplayName returns the advertised name, or the address for unnamed devices.
func (d DeviceInfo) DisplayName() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name
}

// Scanner handles BLE device discovery
type Scanner struct {
	transport device.Transport
	devices   *hashmap.Map[string, DeviceInfo]
	logger    *logrus.Logger
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration  time.Duration
	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(transport device.Transport, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		transport: transport,
		devices:   hashmap.New[string, DeviceInfo](),
		logger:    logger,
	}
}

// Scan performs BLE discovery for opts.Duration and returns the devices seen,
// strongest signal first.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]DeviceInfo, error) {
	s.devices = hashmap.New[string, DeviceInfo]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	err := s.transport.Scan(scanCtx, func(adv device.Advertisement) {
		if s.shouldIncludeDevice(adv, opts) {
			s.record(adv)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	return s.snapshot(), nil
}

// FindByName scans until a device advertising exactly name is seen or timeout elapses.
// Returns a device *device.NotFoundError when no device matched.
func (s *Scanner) FindByName(ctx context.Context, name string, timeout time.Duration) (device.Advertisement, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var found atomic.Pointer[device.Advertisement]

	s.logger.WithFields(logrus.Fields{
		"device":  name,
		"timeout": timeout,
	}).Info("Scanning for device...")

	err := s.transport.Scan(scanCtx, func(adv device.Advertisement) {
		if adv.LocalName() != name || found.Load() != nil {
			return
		}
		if found.CompareAndSwap(nil, &adv) {
			s.logger.WithFields(logrus.Fields{
				"device":  name,
				"address": adv.Addr(),
				"rssi":    adv.RSSI(),
			}).Info("Found device")
			cancel()
		}
	})

	if adv := found.Load(); adv != nil {
		return *adv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, &device.NotFoundError{Resource: device.ResourceDevice, IDs: []string{name}}
}

// record updates existing or adds a new device
func (s *Scanner) record(adv device.Advertisement) {
	info := DeviceInfo{
		Name:        adv.LocalName(),
		Address:     adv.Addr(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Services:    adv.Services(),
		LastSeen:    time.Now(),
	}

	prev, existing := s.devices.Get(info.Address)
	if existing && info.Name == "" {
		// Scan responses often omit the name that an earlier advertisement carried.
		info.Name = prev.Name
	}
	s.devices.Set(info.Address, info)

	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  info.DisplayName(),
			"address": info.Address,
			"rssi":    info.RSSI,
		}).Debug("Discovered new device")
	}
}

// shouldIncludeDevice applies allow/block filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) == 0 {
		return true
	}
	for _, a := range opts.AllowList {
		if strings.EqualFold(addr, a) {
			return true
		}
	}
	return false
}

func (s *Scanner) snapshot() []DeviceInfo {
	devs := make([]DeviceInfo, 0, s.devices.Len())
	s.devices.Range(func(_ string, value DeviceInfo) bool {
		devs = append(devs, value)
		return true
	})

	sort.Slice(devs, func(i, j int) bool {
		if devs[i].RSSI != devs[j].RSSI {
			return devs[i].RSSI > devs[j].RSSI
		}
		return devs[i].Address < devs[j].Address
	})
	return devs
}
