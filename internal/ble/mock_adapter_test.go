package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	testServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	testNotifyUUID  = "0000fff1-0000-1000-8000-00805f9b34fb"
	testWriteUUID   = "0000fff2-0000-1000-8000-00805f9b34fb"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	uuid string

	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	writeErr error
	// onWrite runs after each successful write; tests use it to answer.
	onWrite func(data []byte)
	// onSubscribe runs after the subscription is recorded.
	onSubscribe func()
}

func (c *mockCharacteristic) UUID() string { return c.uuid }

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	onWrite := c.onWrite
	c.mu.Unlock()

	if onWrite != nil {
		onWrite(cp)
	}
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	c.callback = cb
	onSubscribe := c.onSubscribe
	c.mu.Unlock()
	if onSubscribe != nil {
		onSubscribe()
	}
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) setOnWrite(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type mockService struct {
	uuid  string
	chars []Characteristic
}

func (s *mockService) UUID() string { return s.uuid }

func (s *mockService) DiscoverCharacteristics() ([]Characteristic, error) {
	return s.chars, nil
}

// mockConnection simulates a BLE connection to a Daly BMS.
type mockConnection struct {
	notify *mockCharacteristic
	write  *mockCharacteristic

	mu           sync.Mutex
	services     []Service
	disconnectCb func()
	disconnected bool
}

func newMockConnection() *mockConnection {
	c := &mockConnection{
		notify: &mockCharacteristic{uuid: testNotifyUUID},
		write:  &mockCharacteristic{uuid: testWriteUUID},
	}
	c.services = []Service{
		&mockService{uuid: "00001800-0000-1000-8000-00805f9b34fb"},
		&mockService{uuid: testServiceUUID, chars: []Characteristic{c.notify, c.write}},
	}
	return c
}

func (c *mockConnection) DiscoverServices() ([]Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.services, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu          sync.Mutex
	peripherals []Peripheral
	connectErr  error
	attempts    int
	// newConn builds the connection handed out by Connect.
	newConn    func() *mockConnection
	connection *mockConnection
	// onConnect runs at the start of every Connect call.
	onConnect func()
}

func newMockAdapter(peripherals []Peripheral) *mockAdapter {
	return &mockAdapter{
		peripherals: peripherals,
		newConn:     newMockConnection,
	}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(_ context.Context) ([]Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peripherals, nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	if a.onConnect != nil {
		a.onConnect()
	}
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := a.newConn()
	a.connection = conn
	return conn, nil
}

func (a *mockAdapter) setConnectErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

func (a *mockAdapter) attemptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

// fakeClock is a manually advanced clock for the connect gate.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errRadio = errors.New("radio: le-connection-abort-by-local")

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
	var _ Connection = (*mockConnection)(nil)
	var _ Service = (*mockService)(nil)
	var _ Characteristic = (*mockCharacteristic)(nil)
}
