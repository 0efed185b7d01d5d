//go:build test

package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blemqtt/internal/device"
	"github.com/srg/blemqtt/internal/mqtt"
	"github.com/srg/blemqtt/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{
			name: "device not found",
			err:  fmt.Errorf("attempt failed: %w", &device.NotFoundError{Resource: device.ResourceDevice, IDs: []string{"Nano33BLE"}}),
			want: `device "Nano33BLE" not found: make sure it is powered on, advertising and in range`,
		},
		{
			name: "characteristic not found",
			err:  &device.NotFoundError{Resource: "characteristic", IDs: []string{"19b10000", "19b10001"}},
			want: "the device does not expose characteristic 19b10000/19b10001; check the configured UUIDs",
		},
		{name: "bluetooth off", err: fmt.Errorf("scan failed: %w", device.ErrBluetoothOff), want: "Bluetooth is turned off or unavailable; enable it and try again"},
		{name: "connection lost", err: device.ErrConnectionLost, want: "connection to the device was lost"},
		{name: "timeout", err: fmt.Errorf("dial: %w", device.ErrTimeout), want: "the device did not respond in time (dial: timeout)"},
		{name: "broker", err: fmt.Errorf("%w: refused", mqtt.ErrConnectionFailed), want: "cannot reach the MQTT broker (mqtt: connection failed: refused)"},
		{
			name: "validation",
			err:  config.ValidationErrors{{Field: "mqtt.port", Message: "must be in 1..65535, got 0"}},
			want: "invalid configuration: mqtt.port: must be in 1..65535, got 0",
		},
		{name: "other", err: errors.New("boom"), want: "boom"},
		{name: "canceled passes through", err: context.Canceled, want: "context canceled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
