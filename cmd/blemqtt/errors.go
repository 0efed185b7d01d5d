package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blemqtt/internal/device"
	"github.com/srg/blemqtt/internal/mqtt"
	"github.com/srg/blemqtt/pkg/config"
)

// ErrNoDeviceName is returned when no device name was configured and none could be asked for.
var ErrNoDeviceName = errors.New("no device name given: pass it as an argument, with --device or in the config file")

// FormatUserError turns an error into a single line suitable for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var notFound *device.NotFoundError
	var validation config.ValidationErrors
	switch {
	case errors.As(err, &notFound) && notFound.Resource == device.ResourceDevice:
		return fmt.Sprintf("device %q not found: make sure it is powered on, advertising and in range",
			strings.Join(notFound.IDs, ", "))
	case errors.As(err, &notFound):
		return fmt.Sprintf("the device does not expose %s %s; check the configured UUIDs",
			notFound.Resource, strings.Join(notFound.IDs, "/"))
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable; enable it and try again"
	case errors.Is(err, device.ErrConnectionLost):
		return "connection to the device was lost"
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("the device did not respond in time (%v)", err)
	case errors.Is(err, mqtt.ErrConnectionFailed):
		return fmt.Sprintf("cannot reach the MQTT broker (%v)", err)
	case errors.As(err, &validation):
		return validation.Error()
	}
	return err.Error()
}
