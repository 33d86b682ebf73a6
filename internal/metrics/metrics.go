// Package metrics exports BMS telemetry and session health to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/daly-ble/internal/ble"
	"github.com/chaz8081/daly-ble/internal/ble/protocol"
	"github.com/chaz8081/daly-ble/internal/log"
	"github.com/chaz8081/daly-ble/internal/monitor"
	"github.com/chaz8081/daly-ble/internal/telemetry"
)

const namespace = "daly_bms"

var sessionStates = []ble.State{
	ble.StateIdle, ble.StateCandidateKnown, ble.StateConnecting, ble.StateConnected, ble.StateLost,
}

// Exporter owns a private registry with the BMS collectors.
type Exporter struct {
	registry *prometheus.Registry
	logger   log.Logger

	packVoltage       prometheus.Gauge
	current           prometheus.Gauge
	soc               prometheus.Gauge
	power             prometheus.Gauge
	cellVoltage       *prometheus.GaugeVec
	cellExtreme       *prometheus.GaugeVec
	temperature       *prometheus.GaugeVec
	remainingCapacity prometheus.Gauge
	fullCapacity      prometheus.Gauge
	cycles            prometheus.Gauge
	mos               *prometheus.GaugeVec
	protection        prometheus.Gauge
	lastUpdate        prometheus.Gauge

	sessionState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec

	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	decodeFailures *prometheus.CounterVec
	rejectedFrames prometheus.Counter
}

var _ monitor.Observer = (*Exporter)(nil)

// New builds the collectors and registers them.
func New(logger log.Logger) *Exporter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	e := &Exporter{
		registry: prometheus.NewRegistry(),
		logger:   logger.WithName("metrics"),

		packVoltage:       gauge("pack_voltage_volts", "Total pack voltage."),
		current:           gauge("current_amperes", "Pack current, positive while charging."),
		soc:               gauge("state_of_charge_percent", "State of charge."),
		power:             gauge("power_watts", "Pack voltage times current."),
		remainingCapacity: gauge("remaining_capacity_amp_hours", "Remaining capacity."),
		fullCapacity:      gauge("full_capacity_amp_hours", "Rated capacity."),
		cycles:            gauge("charge_cycles", "Charge cycle count."),
		protection:        gauge("protection_active", "1 while any protection flag is set."),
		lastUpdate:        gauge("last_update_timestamp_seconds", "Unix time of the last merged frame."),

		cellVoltage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cell_voltage_volts",
			Help:      "Individual cell voltage from the bulk frame.",
		}, []string{"cell"}),
		cellExtreme: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cell_voltage_extreme_volts",
			Help:      "Highest and lowest cell voltage.",
		}, []string{"kind"}),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Highest and lowest sensor temperature.",
		}, []string{"kind"}),
		mos: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mosfet_enabled",
			Help:      "Charge and discharge MOSFET state.",
		}, []string{"mosfet"}),

		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state machine events.",
		}, []string{"event"}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands issued, by command id and result.",
		}, []string{"command", "result"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Time from write to accepted response.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"command"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Responses with fields that could not be decoded.",
		}, []string{"command"}),
		rejectedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_frames_total",
			Help:      "Notifications that failed frame validation.",
		}),
	}

	e.registry.MustRegister(
		e.packVoltage, e.current, e.soc, e.power,
		e.cellVoltage, e.cellExtreme, e.temperature,
		e.remainingCapacity, e.fullCapacity, e.cycles, e.mos, e.protection, e.lastUpdate,
		e.sessionState, e.transitions,
		e.commands, e.commandLatency, e.decodeFailures, e.rejectedFrames,
	)
	e.setState(ble.StateIdle)
	return e
}

// Registry exposes the collectors, mainly for tests.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// CommandDone records the outcome of one request.
func (e *Exporter) CommandDone(cmd protocol.CommandID, took time.Duration, err error) {
	e.commands.WithLabelValues(cmd.String(), result(err)).Inc()
	if err == nil {
		e.commandLatency.WithLabelValues(cmd.String()).Observe(took.Seconds())
	}
}

// DecodeFailed counts a response the decoder could not fully use.
func (e *Exporter) DecodeFailed(cmd protocol.CommandID, _ error) {
	e.decodeFailures.WithLabelValues(cmd.String()).Inc()
}

// SnapshotUpdated copies the snapshot into the gauges.
func (e *Exporter) SnapshotUpdated(s telemetry.Snapshot) {
	e.packVoltage.Set(s.PackVoltage)
	e.current.Set(s.Current)
	e.soc.Set(s.SOC)
	e.power.Set(s.Power())
	e.remainingCapacity.Set(s.RemainingCapacity)
	e.fullCapacity.Set(s.FullCapacity)
	e.cycles.Set(float64(s.CycleCount))
	e.protection.Set(boolValue(s.Protection))
	e.mos.WithLabelValues("charge").Set(boolValue(s.ChargeMOS))
	e.mos.WithLabelValues("discharge").Set(boolValue(s.DischargeMOS))
	e.temperature.WithLabelValues("max").Set(float64(s.MaxTemperature))
	e.temperature.WithLabelValues("min").Set(float64(s.MinTemperature))
	if s.MaxCellVoltage > 0 {
		e.cellExtreme.WithLabelValues("max").Set(float64(s.MaxCellVoltage) / 1000)
	}
	if s.MinCellVoltage > 0 {
		e.cellExtreme.WithLabelValues("min").Set(float64(s.MinCellVoltage) / 1000)
	}
	if len(s.CellVoltages) > 0 {
		e.cellVoltage.Reset()
		for i, mv := range s.CellVoltages {
			e.cellVoltage.WithLabelValues(strconv.Itoa(i + 1)).Set(float64(mv) / 1000)
		}
	}
	if s.Valid() {
		e.lastUpdate.Set(float64(s.UpdatedAt.Unix()))
	}
}

// StateChanged follows the session state machine. Register it with
// (*ble.Manager).OnTransition.
func (e *Exporter) StateChanged(t ble.Transition) {
	e.transitions.WithLabelValues(t.Event).Inc()
	e.setState(t.To)
}

// FrameRejected counts an invalid notification. Assign it to
// ble.Options.FrameRejected.
func (e *Exporter) FrameRejected(error) {
	e.rejectedFrames.Inc()
}

func (e *Exporter) setState(current ble.State) {
	for _, s := range sessionStates {
		e.sessionState.WithLabelValues(string(s)).Set(boolValue(s == current))
	}
}

// Handler serves /metrics and /healthz.
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Start serves the handler on addr until ctx is done.
func (e *Exporter) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           e.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	e.logger.Info("metrics listening", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	}
	return nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ble.ErrTimeout):
		return "timeout"
	case errors.Is(err, ble.ErrRequestAlreadyPending):
		return "busy"
	case errors.Is(err, ble.ErrNotConnected), errors.Is(err, ble.ErrConnectionLost):
		return "disconnected"
	default:
		return "error"
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
