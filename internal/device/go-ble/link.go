package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemqtt/internal/device"
	"github.com/srg/blemqtt/internal/groutine"
)

// Link is a live connection to one peripheral with a discovered profile.
type Link struct {
	address string
	client  ble.Client
	profile *ble.Profile
	logger  *logrus.Logger

	// writeSlot holds one token while an ATT write is outstanding, including one whose
	// caller already gave up on a timeout.
	writeSlot chan struct{}

	subMu      sync.Mutex
	subscribed []subscription

	closeOnce    sync.Once
	closed       chan struct{}
	disconnected chan struct{}
}

type subscription struct {
	char     *ble.Characteristic
	indicate bool
}

func newLink(address string, client ble.Client, profile *ble.Profile, logger *logrus.Logger) *Link {
	l := &Link{
		address:      address,
		client:       client,
		profile:      profile,
		logger:       logger,
		writeSlot:    make(chan struct{}, 1),
		closed:       make(chan struct{}),
		disconnected: make(chan struct{}),
	}

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-connection-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				l.logger.WithField("address", address).Warn("Peripheral reported disconnection")
				close(l.disconnected)
			case <-l.closed:
			}
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}
	return l
}

func (l *Link) Address() string {
	return l.address
}

// Disconnected is closed when the peripheral drops the link. It is not closed by Close.
func (l *Link) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *Link) characteristic(service, characteristic string) (*ble.Characteristic, error) {
	svcUUID := device.NormalizeUUID(service)
	charUUID := device.NormalizeUUID(characteristic)

	for _, svc := range l.profile.Services {
		if device.NormalizeUUID(svc.UUID.String()) != svcUUID {
			continue
		}
		for _, c := range svc.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == charUUID {
				return c, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", IDs: []string{service, characteristic}}
	}
	return nil, &device.NotFoundError{Resource: "service", IDs: []string{service}}
}

// Subscribe enables notifications on the characteristic, falling back to indications
// when the characteristic only supports those.
func (l *Link) Subscribe(service, characteristic string, handler device.NotificationHandler) error {
	char, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}

	var indicate bool
	switch {
	case char.Property&ble.CharNotify != 0:
	case char.Property&ble.CharIndicate != 0:
		indicate = true
	default:
		return fmt.Errorf("characteristic %s does not support notifications: %w", characteristic, device.ErrUnsupported)
	}

	if err := l.client.Subscribe(char, indicate, func(data []byte) { handler(data) }); err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", characteristic, NormalizeError(err))
	}

	l.subMu.Lock()
	l.subscribed = append(l.subscribed, subscription{char: char, indicate: indicate})
	l.subMu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address":   l.address,
		"char_uuid": characteristic,
		"indicate":  indicate,
	}).Debug("Subscribed to characteristic")
	return nil
}

// Write writes data in a single ATT operation, bounded by opts.Timeout when set.
// Writes never overlap: a write that timed out keeps the link busy until the
// peripheral answers it, and later writes wait for that within their own timeout.
func (l *Link) Write(service, characteristic string, data []byte, opts device.WriteOptions) error {
	char, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	timedOut := func() error {
		return fmt.Errorf("write to characteristic %s: %w", characteristic, device.ErrTimeout)
	}

	select {
	case <-l.closed:
		return device.ErrNotConnected
	default:
	}
	select {
	case l.writeSlot <- struct{}{}:
	case <-l.closed:
		return device.ErrNotConnected
	case <-l.disconnected:
		return device.ErrConnectionLost
	case <-timeout:
		return timedOut()
	}

	write := func() error {
		defer func() { <-l.writeSlot }()
		return NormalizeError(l.client.WriteCharacteristic(char, data, !opts.WithResponse))
	}
	if timeout == nil {
		return write()
	}

	done := make(chan error, 1)
	groutine.Go(context.Background(), "ble-write", func(ctx context.Context) {
		done <- write()
	})

	select {
	case err := <-done:
		return err
	case <-l.disconnected:
		return device.ErrConnectionLost
	case <-l.closed:
		return device.ErrNotConnected
	case <-timeout:
		return timedOut()
	}
}

// Close unsubscribes from every subscribed characteristic and cancels the connection.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)

		l.subMu.Lock()
		subs := l.subscribed
		l.subscribed = nil
		l.subMu.Unlock()

		var errs []error
		select {
		case <-l.disconnected:
		default:
			for _, s := range subs {
				if uerr := l.client.Unsubscribe(s.char, s.indicate); uerr != nil {
					l.logger.WithFields(logrus.Fields{
						"char_uuid": s.char.UUID.String(),
						"error":     uerr,
					}).Warn("Failed to unsubscribe during disconnect")
				}
			}
			if cerr := l.client.CancelConnection(); cerr != nil {
				errs = append(errs, NormalizeError(cerr))
			}
		}
		err = errors.Join(errs...)

		if err != nil {
			l.logger.WithError(err).Warn("BLE device disconnected with errors")
		} else {
			l.logger.WithField("address", l.address).Info("BLE device disconnected successfully")
		}
	})
	return err
}
