package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/daly-ble/internal/ble"
	"github.com/chaz8081/daly-ble/internal/ble/protocol"
	"github.com/chaz8081/daly-ble/internal/monitor"
	"github.com/chaz8081/daly-ble/internal/telemetry"
)

type fakeAdapter struct {
	peripherals []ble.Peripheral
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(context.Context) ([]ble.Peripheral, error) {
	return a.peripherals, nil
}

func (a *fakeAdapter) Connect(context.Context, string) (ble.Connection, error) {
	return nil, errors.New("fakeAdapter: connect not supported")
}

type fakeSession struct {
	mu        sync.Mutex
	state     ble.State
	candidate *ble.Peripheral
	services  []ble.ServiceInfo
	resets    int
	responses map[protocol.CommandID][]byte
}

func (s *fakeSession) State() ble.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Variant() protocol.Variant { return protocol.VariantChecksum }

func (s *fakeSession) SetCandidate(_ context.Context, p ble.Peripheral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidate = &p
	s.state = ble.StateCandidateKnown
	return nil
}

func (s *fakeSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return ble.ErrNoCandidate
	}
	s.state = ble.StateConnected
	return nil
}

func (s *fakeSession) IssueCommand(_ context.Context, cmd protocol.CommandID) (protocol.Frame, error) {
	raw, ok := s.responses[cmd]
	if !ok {
		return protocol.Frame{}, ble.ErrTimeout
	}
	return protocol.Validate(raw, protocol.VariantChecksum)
}

func (s *fakeSession) Candidate() (ble.Peripheral, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return ble.Peripheral{}, false
	}
	return *s.candidate, true
}

func (s *fakeSession) Failures() int { return 0 }

func (s *fakeSession) Services() []ble.ServiceInfo { return s.services }

func (s *fakeSession) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.candidate = nil
	s.state = ble.StateIdle
	return nil
}

func respond(cmd protocol.CommandID, payload ...byte) []byte {
	frame := []byte{protocol.ChecksumStartByte, protocol.ChecksumBMSAddress, byte(cmd), protocol.ChecksumDataLength}
	var p [8]byte
	copy(p[:], payload)
	frame = append(frame, p[:]...)
	return append(frame, protocol.Checksum8(frame))
}

func newTestConsole(adapter *fakeAdapter, session *fakeSession) (*Console, *monitor.Monitor, *bytes.Buffer) {
	mon := monitor.New(adapter, session, telemetry.NewStore(), monitor.Options{
		Target:       ble.Target{NameHints: ble.DefaultNameHints},
		ScanDuration: time.Millisecond,
		Commands:     []protocol.CommandID{protocol.CmdVoltageCurrentSOC},
		AutoConnect:  true,
	})
	var out bytes.Buffer
	return New(mon, session, &out, nil), mon, &out
}

func TestScanThenConnect(t *testing.T) {
	adapter := &fakeAdapter{peripherals: []ble.Peripheral{
		{Address: "AA:AA:AA:AA:AA:AA", Name: "Speaker", RSSI: -40},
		{Address: "41:18:12:01:18:9F", Name: "DL-41181201189F", RSSI: -67},
	}}
	session := &fakeSession{state: ble.StateIdle}
	c, _, out := newTestConsole(adapter, session)
	ctx := context.Background()

	if err := c.Execute(ctx, "scan"); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.Contains(out.String(), "candidate: 41:18:12:01:18:9F") {
		t.Errorf("scan output:\n%s", out)
	}
	if !strings.Contains(out.String(), "Speaker") {
		t.Errorf("scan should list every device seen:\n%s", out)
	}

	out.Reset()
	if err := c.Execute(ctx, "connect"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if session.State() != ble.StateConnected {
		t.Errorf("state = %s, want connected", session.State())
	}
	out.Reset()
	if err := c.Execute(ctx, "connect"); err != nil || !strings.Contains(out.String(), "already connected") {
		t.Errorf("second connect = %v, output %q", err, out)
	}
}

func TestScanNoMatch(t *testing.T) {
	c, _, _ := newTestConsole(&fakeAdapter{}, &fakeSession{state: ble.StateIdle})
	if err := c.Execute(context.Background(), "scan"); !errors.Is(err, ble.ErrCandidateNotFound) {
		t.Errorf("scan error = %v, want ErrCandidateNotFound", err)
	}
}

func TestData(t *testing.T) {
	session := &fakeSession{
		state: ble.StateConnected,
		responses: map[protocol.CommandID][]byte{
			// 53.2 V, +1.0 A, 88.5 %
			protocol.CmdVoltageCurrentSOC: respond(protocol.CmdVoltageCurrentSOC, 0x02, 0x14, 0x75, 0x3A, 0x03, 0x75),
		},
	}
	c, _, out := newTestConsole(&fakeAdapter{}, session)

	if err := c.Execute(context.Background(), "data"); err != nil {
		t.Fatalf("data: %v", err)
	}
	for _, want := range []string{`"voltage": 53.2`, `"current": 1`, `"soc": 88.5`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("data output missing %s:\n%s", want, out)
		}
	}
}

func TestDataWithoutTelemetry(t *testing.T) {
	c, _, out := newTestConsole(&fakeAdapter{}, &fakeSession{state: ble.StateIdle})
	if err := c.Execute(context.Background(), "data"); err != nil {
		t.Fatalf("data: %v", err)
	}
	if !strings.Contains(out.String(), "no telemetry yet") {
		t.Errorf("output = %q", out)
	}
}

func TestAuto(t *testing.T) {
	c, mon, out := newTestConsole(&fakeAdapter{}, &fakeSession{state: ble.StateIdle})
	ctx := context.Background()

	if err := c.Execute(ctx, "auto off"); err != nil {
		t.Fatalf("auto off: %v", err)
	}
	if mon.AutoConnect() {
		t.Error("auto connect still on")
	}
	if err := c.Execute(ctx, "AUTO on"); err != nil {
		t.Fatalf("auto on: %v", err)
	}
	if !mon.AutoConnect() {
		t.Error("auto connect still off")
	}
	if !strings.Contains(out.String(), "auto connect on") {
		t.Errorf("output = %q", out)
	}
	if err := c.Execute(ctx, "auto"); err != nil || mon.AutoConnect() {
		t.Errorf("bare auto should toggle off, err = %v", err)
	}
	if err := c.Execute(ctx, "auto maybe"); err == nil {
		t.Error("auto maybe should fail")
	}
}

func TestResetAndStatus(t *testing.T) {
	p := ble.Peripheral{Address: "41:18:12:01:18:9F", Name: "DalyBMS", RSSI: -60}
	session := &fakeSession{state: ble.StateCandidateKnown, candidate: &p}
	c, _, out := newTestConsole(&fakeAdapter{}, session)
	ctx := context.Background()

	if err := c.Execute(ctx, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"candidate_known", "41:18:12:01:18:9F", "no telemetry yet"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	if err := c.Execute(ctx, "r"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if session.resets != 1 || session.State() != ble.StateIdle {
		t.Errorf("resets = %d state = %s", session.resets, session.State())
	}
}

func TestServices(t *testing.T) {
	session := &fakeSession{state: ble.StateConnected, services: []ble.ServiceInfo{
		{UUID: "0000fff0-0000-1000-8000-00805f9b34fb", Characteristics: []string{"0000fff1-0000-1000-8000-00805f9b34fb", "0000fff2-0000-1000-8000-00805f9b34fb"}},
	}}
	c, _, out := newTestConsole(&fakeAdapter{}, session)
	if err := c.Execute(context.Background(), "services"); err != nil {
		t.Fatalf("services: %v", err)
	}
	if !strings.Contains(out.String(), "0000fff0") || !strings.Contains(out.String(), "0000fff2") {
		t.Errorf("services output:\n%s", out)
	}
}

func TestExecuteParsing(t *testing.T) {
	c, _, _ := newTestConsole(&fakeAdapter{}, &fakeSession{state: ble.StateIdle})
	ctx := context.Background()

	if err := c.Execute(ctx, "   "); err != nil {
		t.Errorf("blank line error = %v", err)
	}
	if err := c.Execute(ctx, "frobnicate"); err == nil {
		t.Error("unknown command should fail")
	}
	if err := c.Execute(ctx, `auto "on`); err == nil {
		t.Error("unterminated quote should fail")
	}
}

func TestRun(t *testing.T) {
	c, mon, out := newTestConsole(&fakeAdapter{}, &fakeSession{state: ble.StateIdle})
	in := strings.NewReader("help\nbogus\nauto off\nquit\nauto on\n")

	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "services") {
		t.Errorf("help output missing command list:\n%s", out)
	}
	if !strings.Contains(out.String(), `error: unknown command "bogus"`) {
		t.Errorf("unknown command not reported:\n%s", out)
	}
	if mon.AutoConnect() {
		t.Error("commands after quit were executed")
	}
}

func TestRunEOF(t *testing.T) {
	c, _, _ := newTestConsole(&fakeAdapter{}, &fakeSession{state: ble.StateIdle})
	if err := c.Run(context.Background(), strings.NewReader("status\n")); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
