// Package device defines the transport-neutral view of a BLE peripheral used by the
// bridge: advertisements, the Transport that scans and dials, the Link that carries
// notifications and writes, and the structured errors both sides agree on.
//
// The go-ble subpackage provides the production Transport. Tests drive the same
// interfaces through the mocks in internal/testutils.
package device
