package goble

import (
	"fmt"

	"github.com/srg/blemqtt/internal/device"
)

// bluetoothOffDarwin is what CoreBluetooth reports when the adapter is powered off.
const bluetoothOffDarwin = "central manager has invalid state: have=4 want=5: is Bluetooth turned on?"

// NormalizeError maps known go-ble error strings to structured device errors.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == bluetoothOffDarwin {
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	}
	return device.NormalizeError(err)
}
