// Package ble manages the Bluetooth Low Energy session with a Daly BMS: it
// finds the device, owns the GATT connection and its characteristics, and
// runs the single in-flight command/response exchange over the notify
// characteristic.
package ble

import (
	"context"
	"strings"
	"time"
)

// Daly BMS GATT identifiers. The service is matched by substring, the
// characteristics by their 16-bit short form.
const (
	ServiceUUIDFragment = "fff0"
	NotifyCharUUID16    = "fff1"
	WriteCharUUID16     = "fff2"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	UUID() string
	// Write sends data to the characteristic without response.
	Write(data []byte) error
	// Subscribe enables notifications and registers the callback that
	// receives them. The CCCD write is done by the implementation.
	Subscribe(callback func(data []byte)) error
}

// Service represents a discovered GATT service.
type Service interface {
	UUID() string
	DiscoverCharacteristics() ([]Characteristic, error)
}

// Peripheral is a discovered BLE device. A fresh discovery produces a new
// value; handles are never mutated in place.
type Peripheral struct {
	Address      string
	Name         string
	RSSI         int
	DiscoveredAt time.Time
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	DiscoverServices() ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every peripheral seen until ctx is done.
	Scan(ctx context.Context) ([]Peripheral, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// matchUUID16 reports whether uuid is the 16-bit id short, either bare or
// expanded onto the Bluetooth base UUID.
func matchUUID16(uuid, short string) bool {
	uuid = strings.ToLower(uuid)
	switch len(uuid) {
	case 4:
		return uuid == short
	case 36:
		return uuid[4:8] == short && strings.HasSuffix(uuid, "-0000-1000-8000-00805f9b34fb")
	default:
		return false
	}
}

func isDalyService(uuid string) bool {
	return strings.Contains(strings.ToLower(uuid), ServiceUUIDFragment)
}
