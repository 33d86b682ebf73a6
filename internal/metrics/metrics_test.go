package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chaz8081/daly-ble/internal/ble"
	"github.com/chaz8081/daly-ble/internal/ble/protocol"
	"github.com/chaz8081/daly-ble/internal/telemetry"
)

func TestSnapshotUpdated(t *testing.T) {
	e := New(nil)
	e.SnapshotUpdated(telemetry.Snapshot{
		PackVoltage:    52.0,
		Current:        -2.5,
		SOC:            59.2,
		MaxCellVoltage: 3400,
		MinCellVoltage: 3100,
		CellVoltages:   []uint16{3300, 3400, 3100},
		MaxTemperature: 31,
		MinTemperature: 28,
		ChargeMOS:      true,
		Protection:     true,
		UpdatedAt:      time.Unix(1700000000, 0),
	})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"voltage", testutil.ToFloat64(e.packVoltage), 52.0},
		{"current", testutil.ToFloat64(e.current), -2.5},
		{"soc", testutil.ToFloat64(e.soc), 59.2},
		{"power", testutil.ToFloat64(e.power), -130},
		{"cell 2", testutil.ToFloat64(e.cellVoltage.WithLabelValues("2")), 3.4},
		{"min cell", testutil.ToFloat64(e.cellExtreme.WithLabelValues("min")), 3.1},
		{"max temp", testutil.ToFloat64(e.temperature.WithLabelValues("max")), 31},
		{"charge mos", testutil.ToFloat64(e.mos.WithLabelValues("charge")), 1},
		{"discharge mos", testutil.ToFloat64(e.mos.WithLabelValues("discharge")), 0},
		{"protection", testutil.ToFloat64(e.protection), 1},
		{"last update", testutil.ToFloat64(e.lastUpdate), 1700000000},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(e.cellVoltage); n != 3 {
		t.Errorf("cell series = %d, want 3", n)
	}
}

func TestCellSeriesReplacedOnShrink(t *testing.T) {
	e := New(nil)
	e.SnapshotUpdated(telemetry.Snapshot{CellVoltages: []uint16{3300, 3301, 3302, 3303}})
	e.SnapshotUpdated(telemetry.Snapshot{CellVoltages: []uint16{3300, 3301}})
	if n := testutil.CollectAndCount(e.cellVoltage); n != 2 {
		t.Errorf("cell series = %d, want 2", n)
	}
}

func TestCommandDone(t *testing.T) {
	e := New(nil)
	cmd := protocol.CmdVoltageCurrentSOC

	e.CommandDone(cmd, 40*time.Millisecond, nil)
	e.CommandDone(cmd, time.Second, fmt.Errorf("ble: %w", ble.ErrTimeout))
	e.CommandDone(cmd, 0, ble.ErrConnectionLost)
	e.CommandDone(cmd, 0, errors.New("radio"))

	for result, want := range map[string]float64{"ok": 1, "timeout": 1, "disconnected": 1, "error": 1, "busy": 0} {
		if got := testutil.ToFloat64(e.commands.WithLabelValues("0x90", result)); got != want {
			t.Errorf("commands{result=%q} = %v, want %v", result, got, want)
		}
	}
	if n := testutil.CollectAndCount(e.commandLatency); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}

func TestStateChanged(t *testing.T) {
	e := New(nil)
	if got := testutil.ToFloat64(e.sessionState.WithLabelValues("idle")); got != 1 {
		t.Fatalf("initial idle = %v, want 1", got)
	}

	e.StateChanged(ble.Transition{Event: ble.EventDiscover, From: ble.StateIdle, To: ble.StateCandidateKnown})
	e.StateChanged(ble.Transition{Event: ble.EventConnect, From: ble.StateCandidateKnown, To: ble.StateConnecting})
	e.StateChanged(ble.Transition{Event: ble.EventConnected, From: ble.StateConnecting, To: ble.StateConnected})

	for state, want := range map[string]float64{"idle": 0, "candidate_known": 0, "connecting": 0, "connected": 1, "lost": 0} {
		if got := testutil.ToFloat64(e.sessionState.WithLabelValues(state)); got != want {
			t.Errorf("session_state{state=%q} = %v, want %v", state, got, want)
		}
	}
	if got := testutil.ToFloat64(e.transitions.WithLabelValues(ble.EventConnected)); got != 1 {
		t.Errorf("transitions{connected} = %v, want 1", got)
	}
}

func TestFrameAndDecodeCounters(t *testing.T) {
	e := New(nil)
	e.FrameRejected(protocol.ErrChecksumMismatch)
	e.FrameRejected(protocol.ErrTooShort)
	e.DecodeFailed(protocol.CmdMainInfo, telemetry.ErrFieldOutOfRange)

	if got := testutil.ToFloat64(e.rejectedFrames); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(e.decodeFailures.WithLabelValues("0xD0")); got != 1 {
		t.Errorf("decode failures = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	e := New(nil)
	e.SnapshotUpdated(telemetry.Snapshot{PackVoltage: 53.1})
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "daly_bms_pack_voltage_volts 53.1") {
		t.Errorf("/metrics missing pack voltage:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}
}
