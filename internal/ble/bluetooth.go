package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// BluetoothAdapter implements Adapter on tinygo-org/bluetooth (BlueZ on
// Linux, CoreBluetooth on macOS, WinRT on Windows). On macOS addresses are
// CoreBluetooth UUIDs rather than MAC addresses.
type BluetoothAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*bluetoothConnection // keyed by address
}

// NewBluetoothAdapter returns an adapter on the system default controller.
func NewBluetoothAdapter() *BluetoothAdapter {
	return &BluetoothAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*bluetoothConnection),
	}
}

func (a *BluetoothAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	return nil
}

// Scan reports every advertising device until ctx is done.
func (a *BluetoothAdapter) Scan(ctx context.Context) ([]Peripheral, error) {
	var mu sync.Mutex
	var found []Peripheral
	seen := make(map[string]int)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		p := Peripheral{
			Address:      addr,
			Name:         result.LocalName(),
			RSSI:         int(result.RSSI),
			DiscoveredAt: time.Now(),
		}
		mu.Lock()
		defer mu.Unlock()
		if i, ok := seen[addr]; ok {
			// keep the name from whichever advertisement carried it
			if p.Name == "" {
				p.Name = found[i].Name
			}
			found[i] = p
			return
		}
		seen[addr] = len(found)
		found = append(found, p)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

func (a *BluetoothAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo's Connect blocks with its own timeout; ctx only bounds our wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &bluetoothConnection{device: &result.device}

		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

var _ Adapter = (*BluetoothAdapter)(nil)

type bluetoothConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
	dropped      bool
}

func (c *bluetoothConnection) DiscoverServices() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	out := make([]Service, 0, len(svcs))
	for i := range svcs {
		out = append(out, &bluetoothService{svc: &svcs[i]})
	}
	return out, nil
}

func (c *bluetoothConnection) Disconnect() error {
	return c.device.Disconnect()
}

// OnDisconnect registers cb. A drop that happened before registration fires
// cb immediately.
func (c *bluetoothConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	dropped := c.dropped
	c.mu.Unlock()
	if dropped && cb != nil {
		cb()
	}
}

func (c *bluetoothConnection) fireDisconnect() {
	c.mu.Lock()
	c.dropped = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type bluetoothService struct {
	svc *bluetooth.DeviceService
}

func (s *bluetoothService) UUID() string {
	return s.svc.UUID().String()
}

func (s *bluetoothService) DiscoverCharacteristics() ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Characteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &bluetoothCharacteristic{char: &chars[i]})
	}
	return out, nil
}

type bluetoothCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *bluetoothCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *bluetoothCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

// Subscribe enables notifications, which writes 01 00 to the CCCD (0x2902).
func (c *bluetoothCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
