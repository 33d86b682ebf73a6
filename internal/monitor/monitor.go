// Package monitor drives a BMS session from a periodic tick: it scans while
// no device is known, connects when a candidate is available and polls
// telemetry while connected.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/daly-ble/internal/ble"
	"github.com/chaz8081/daly-ble/internal/ble/protocol"
	"github.com/chaz8081/daly-ble/internal/log"
	"github.com/chaz8081/daly-ble/internal/telemetry"
)

// Sink receives the snapshot after every read cycle that changed it.
type Sink interface {
	Publish(ctx context.Context, snap telemetry.Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, snap telemetry.Snapshot) error

func (f SinkFunc) Publish(ctx context.Context, snap telemetry.Snapshot) error { return f(ctx, snap) }

// Observer is told about each request and decode. Implementations must be
// safe for concurrent use.
type Observer interface {
	CommandDone(cmd protocol.CommandID, took time.Duration, err error)
	DecodeFailed(cmd protocol.CommandID, err error)
	SnapshotUpdated(snap telemetry.Snapshot)
}

type nopObserver struct{}

func (nopObserver) CommandDone(protocol.CommandID, time.Duration, error) {}
func (nopObserver) DecodeFailed(protocol.CommandID, error)               {}
func (nopObserver) SnapshotUpdated(telemetry.Snapshot)                   {}

// Session is the part of *ble.Manager the monitor drives.
type Session interface {
	State() ble.State
	Variant() protocol.Variant
	SetCandidate(ctx context.Context, p ble.Peripheral) error
	Connect(ctx context.Context) error
	IssueCommand(ctx context.Context, cmd protocol.CommandID) (protocol.Frame, error)
}

var _ Session = (*ble.Manager)(nil)

// Options configures a Monitor.
type Options struct {
	Target       ble.Target
	ScanInterval time.Duration
	ScanDuration time.Duration
	ReadInterval time.Duration
	Tick         time.Duration
	Commands     []protocol.CommandID
	AutoConnect  bool

	Logger   log.Logger
	Observer Observer
	Now      func() time.Time
}

// Monitor is the cooperative scheduler around one session.
type Monitor struct {
	adapter  ble.Adapter
	session  Session
	store    *telemetry.Store
	opts     Options
	logger   log.Logger
	observer Observer

	auto atomic.Bool

	mu       sync.Mutex
	sinks    []Sink
	lastScan time.Time
	lastRead time.Time
	found    []ble.Peripheral
}

// New returns a monitor that stores decoded telemetry in store.
func New(adapter ble.Adapter, session Session, store *telemetry.Store, opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	m := &Monitor{
		adapter:  adapter,
		session:  session,
		store:    store,
		opts:     opts,
		logger:   opts.Logger.WithName("monitor"),
		observer: opts.Observer,
	}
	m.auto.Store(opts.AutoConnect)
	return m
}

// AddSink registers s to receive snapshots.
func (m *Monitor) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// SetAutoConnect enables or disables connect attempts from Tick.
func (m *Monitor) SetAutoConnect(on bool) { m.auto.Store(on) }

// AutoConnect reports whether Tick issues connect attempts.
func (m *Monitor) AutoConnect() bool { return m.auto.Load() }

// Snapshot returns the latest telemetry.
func (m *Monitor) Snapshot() telemetry.Snapshot { return m.store.Snapshot() }

// LastScan returns every peripheral seen by the most recent scan.
func (m *Monitor) LastScan() []ble.Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ble.Peripheral(nil), m.found...)
}

// Run calls Tick every opts.Tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	m.logger.Info("monitor started", "tick", m.opts.Tick, "auto_connect", m.AutoConnect())
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs whatever work is due in the current session state. Errors
// are logged; nothing here stops the loop.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.opts.Now()

	switch m.session.State() {
	case ble.StateConnected:
		if m.due(&m.lastRead, m.opts.ReadInterval, now) {
			if _, err := m.ReadAll(ctx); err != nil {
				m.logger.Warn("read cycle incomplete", "error", err)
			}
		}
		return
	case ble.StateCandidateKnown:
		if m.AutoConnect() {
			err := m.Connect(ctx)
			switch {
			case err == nil:
				return
			case errors.Is(err, ble.ErrConnectDeferred):
				m.logger.Debug("connect deferred", "error", err)
			case errors.Is(err, ble.ErrRediscoveryNeeded):
				m.logger.Warn("giving up on candidate", "error", err)
			default:
				m.logger.Warn("connect failed", "error", err)
			}
		}
	case ble.StateIdle:
	default:
		return
	}

	if m.due(&m.lastScan, m.opts.ScanInterval, now) {
		if _, _, err := m.Scan(ctx); err != nil {
			m.logger.Info("scan found no BMS", "error", err)
		}
	}
}

func (m *Monitor) due(last *time.Time, every time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !last.IsZero() && now.Sub(*last) < every {
		return false
	}
	*last = now
	return true
}

// Scan discovers peripherals and hands a matching one to the session.
func (m *Monitor) Scan(ctx context.Context) (ble.Peripheral, []ble.Peripheral, error) {
	m.logger.Info("scanning", "duration", m.opts.ScanDuration)
	p, found, err := ble.Discover(ctx, m.adapter, m.opts.Target, m.opts.ScanDuration)

	m.mu.Lock()
	m.found = found
	m.lastScan = m.opts.Now()
	m.mu.Unlock()

	if err != nil {
		return ble.Peripheral{}, found, err
	}
	m.logger.Info("BMS found", "address", p.Address, "name", p.Name, "rssi", p.RSSI, "seen", len(found))
	if err := m.session.SetCandidate(ctx, p); err != nil {
		return p, found, err
	}
	return p, found, nil
}

// Connect asks the session to connect to its candidate.
func (m *Monitor) Connect(ctx context.Context) error {
	if err := m.session.Connect(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastRead = time.Time{}
	m.mu.Unlock()
	return nil
}

// ReadAll issues every configured command in turn, decodes each response
// and merges it into the store. A failed command does not stop the cycle.
// Sinks are notified once if anything was merged.
func (m *Monitor) ReadAll(ctx context.Context) (telemetry.Snapshot, error) {
	var (
		errs    []error
		applied bool
	)
	for _, cmd := range m.opts.Commands {
		start := m.opts.Now()
		f, err := m.session.IssueCommand(ctx, cmd)
		m.observer.CommandDone(cmd, m.opts.Now().Sub(start), err)
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, ble.ErrNotConnected) || errors.Is(err, ble.ErrConnectionLost) || ctx.Err() != nil {
				break
			}
			continue
		}

		u, err := telemetry.DecodeFrame(cmd, f)
		if err != nil {
			m.observer.DecodeFailed(cmd, err)
			m.logger.Warn("decode", "command", cmd, "frame", f.Raw, "error", err)
			errs = append(errs, fmt.Errorf("decode %s: %w", cmd, err))
		}
		if m.store.Apply(u, m.opts.Now()) {
			applied = true
		}
	}

	snap := m.store.Snapshot()
	if applied {
		m.observer.SnapshotUpdated(snap)
		m.publish(ctx, snap)
	}
	return snap, errors.Join(errs...)
}

func (m *Monitor) publish(ctx context.Context, snap telemetry.Snapshot) {
	m.mu.Lock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, snap); err != nil {
			m.logger.Warn("sink publish failed", "error", err)
		}
	}
}
