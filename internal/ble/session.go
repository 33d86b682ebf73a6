package ble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/chaz8081/daly-ble/internal/ble/protocol"
	"github.com/chaz8081/daly-ble/internal/log"
)

// State is a session state.
type State string

const (
	StateIdle           State = "idle"
	StateCandidateKnown State = "candidate_known"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateLost           State = "lost"
)

const (
	EventDiscover      = "discover"
	EventConnect       = "connect"
	EventConnected     = "connected"
	EventConnectFailed = "connect_failed"
	EventDiscard       = "discard"
	EventLost          = "lost"
	EventCleanup       = "cleanup"
)

// Transition describes one observed state change.
type Transition struct {
	Event string
	From  State
	To    State
	At    time.Time
}

// ServiceInfo lists a discovered service and its characteristic UUIDs.
type ServiceInfo struct {
	UUID            string
	Characteristics []string
}

// Options configures a Manager.
type Options struct {
	Variant            protocol.Variant
	ResponseTimeout    time.Duration
	MinConnectInterval time.Duration
	MaxFailures        int

	Logger log.Logger
	// Now is the clock used for the connect gate.
	Now func() time.Time
	// FrameRejected observes notifications that failed validation.
	FrameRejected func(error)
}

// DefaultOptions returns the reference timings.
func DefaultOptions() Options {
	return Options{
		Variant:            protocol.VariantChecksum,
		ResponseTimeout:    time.Second,
		MinConnectInterval: 10 * time.Second,
		MaxFailures:        5,
	}
}

// Manager owns the connection to one BMS and the transport handles that go
// with it. State changes happen only through the session state machine.
type Manager struct {
	adapter Adapter
	opts    Options
	logger  log.Logger
	engine  *Engine
	fsm     *fsm.FSM

	// opMu serializes operations that drive the state machine.
	opMu sync.Mutex

	mu          sync.Mutex
	candidate   *Peripheral
	conn        Connection
	services    []ServiceInfo
	failures    int
	lastAttempt time.Time
	hooks       []func(Transition)
}

// NewManager returns a manager in StateIdle.
func NewManager(adapter Adapter, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if opts.MinConnectInterval < 0 {
		opts.MinConnectInterval = 0
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = def.MaxFailures
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		adapter: adapter,
		opts:    opts,
		logger:  opts.Logger.WithName("session"),
	}
	m.engine = newEngine(opts.Variant, opts.ResponseTimeout, opts.Logger.WithName("engine"), opts.FrameRejected)
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: EventDiscover, Src: []string{string(StateIdle)}, Dst: string(StateCandidateKnown)},
			{Name: EventConnect, Src: []string{string(StateCandidateKnown)}, Dst: string(StateConnecting)},
			{Name: EventConnected, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: EventConnectFailed, Src: []string{string(StateConnecting)}, Dst: string(StateCandidateKnown)},
			{Name: EventDiscard, Src: []string{string(StateCandidateKnown)}, Dst: string(StateIdle)},
			{Name: EventLost, Src: []string{string(StateConnected)}, Dst: string(StateLost)},
			{Name: EventCleanup, Src: []string{string(StateLost)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": m.onEnterState,
		},
	)
	return m
}

func (m *Manager) onEnterState(_ context.Context, e *fsm.Event) {
	t := Transition{Event: e.Event, From: State(e.Src), To: State(e.Dst), At: m.opts.Now()}
	m.logger.Info("session state changed", "event", t.Event, "from", string(t.From), "to", string(t.To))

	m.mu.Lock()
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()
	for _, h := range hooks {
		h(t)
	}
}

// OnTransition registers fn to observe every state change. fn runs
// synchronously and must not call back into state-changing methods.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// State returns the current session state.
func (m *Manager) State() State {
	return State(m.fsm.Current())
}

// Variant is the wire format used for requests and responses.
func (m *Manager) Variant() protocol.Variant {
	return m.opts.Variant
}

// Candidate returns the peripheral the session will connect to.
func (m *Manager) Candidate() (Peripheral, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidate == nil {
		return Peripheral{}, false
	}
	return *m.candidate, true
}

// Failures returns the consecutive connect failure count.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Services returns what GATT discovery found on the current connection.
func (m *Manager) Services() []ServiceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceInfo, len(m.services))
	for i, s := range m.services {
		out[i] = ServiceInfo{UUID: s.UUID, Characteristics: append([]string(nil), s.Characteristics...)}
	}
	return out
}

// SetCandidate records a freshly discovered peripheral. In StateIdle it
// moves the session to StateCandidateKnown; in StateCandidateKnown the
// previous handle is replaced.
func (m *Manager) SetCandidate(ctx context.Context, p Peripheral) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch state := m.State(); state {
	case StateIdle:
		m.mu.Lock()
		m.candidate = &p
		m.failures = 0
		m.mu.Unlock()
		return m.event(ctx, EventDiscover)
	case StateCandidateKnown:
		m.mu.Lock()
		if m.candidate == nil || m.candidate.Address != p.Address {
			m.failures = 0
		}
		m.candidate = &p
		m.mu.Unlock()
		m.logger.Debug("candidate replaced", "address", p.Address, "name", p.Name)
		return nil
	default:
		return fmt.Errorf("ble: set candidate while %s: %w", state, ErrBusy)
	}
}

// Connect attempts a connection to the candidate. Attempts closer together
// than MinConnectInterval are refused with ErrConnectDeferred. After
// MaxFailures consecutive failures the candidate is discarded and the
// returned error wraps ErrRediscoveryNeeded.
func (m *Manager) Connect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch state := m.State(); state {
	case StateConnected:
		return nil
	case StateIdle:
		return fmt.Errorf("ble: connect: %w", ErrNoCandidate)
	case StateCandidateKnown:
	default:
		return fmt.Errorf("ble: connect while %s: %w", state, ErrBusy)
	}

	now := m.opts.Now()
	m.mu.Lock()
	if !m.lastAttempt.IsZero() {
		if wait := m.opts.MinConnectInterval - now.Sub(m.lastAttempt); wait > 0 {
			m.mu.Unlock()
			return fmt.Errorf("ble: connect: %w for %v", ErrConnectDeferred, wait)
		}
	}
	m.lastAttempt = now
	target := *m.candidate
	m.mu.Unlock()

	if err := m.event(ctx, EventConnect); err != nil {
		return err
	}

	m.logger.Info("connecting", "address", target.Address, "name", target.Name)
	conn, err := m.adapter.Connect(ctx, target.Address)
	if err != nil {
		return m.connectFailed(ctx, fmt.Errorf("ble: connect to %s: %w: %w", target.Address, ErrConnectFailed, err))
	}

	var dropped atomic.Bool
	conn.OnDisconnect(func() {
		dropped.Store(true)
		go m.handleDisconnect(conn)
	})

	services, write, notify, err := resolveCharacteristics(conn)
	if err == nil {
		err = notify.Subscribe(m.engine.handleNotification)
		if err != nil {
			err = fmt.Errorf("ble: subscribe %s: %w: %w", notify.UUID(), ErrConnectFailed, err)
		}
	}
	if err == nil && dropped.Load() {
		err = fmt.Errorf("ble: link to %s dropped during setup: %w", target.Address, ErrConnectFailed)
	}
	if err != nil {
		if derr := conn.Disconnect(); derr != nil {
			m.logger.Warn("disconnect after failed setup", "address", target.Address, "error", derr)
		}
		return m.connectFailed(ctx, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.services = services
	m.failures = 0
	m.mu.Unlock()

	m.engine.attach(write)
	if err := m.event(context.WithoutCancel(ctx), EventConnected); err != nil {
		m.engine.detach(ErrNotConnected)
		m.mu.Lock()
		m.conn = nil
		m.services = nil
		m.mu.Unlock()
		if derr := conn.Disconnect(); derr != nil {
			m.logger.Warn("disconnect after failed transition", "address", target.Address, "error", derr)
		}
		return err
	}
	return nil
}

// connectFailed settles the session after a failed attempt. The transitions
// ignore cancellation of ctx so the session never stays in StateConnecting.
func (m *Manager) connectFailed(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	m.logger.Warn("connect attempt failed", "failures", failures, "max", m.opts.MaxFailures, "error", cause)
	if err := m.event(ctx, EventConnectFailed); err != nil {
		return errors.Join(cause, err)
	}
	if failures < m.opts.MaxFailures {
		return cause
	}

	m.mu.Lock()
	m.candidate = nil
	m.failures = 0
	m.lastAttempt = time.Time{}
	m.mu.Unlock()
	if err := m.event(ctx, EventDiscard); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("%w after %d failures: %w", ErrRediscoveryNeeded, failures, cause)
}

// resolveCharacteristics walks the GATT tree for the fff0 service and its
// write and notify characteristics.
func resolveCharacteristics(conn Connection) ([]ServiceInfo, Characteristic, Characteristic, error) {
	svcs, err := conn.DiscoverServices()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ble: discover services: %w: %w", ErrConnectFailed, err)
	}

	var (
		infos         []ServiceInfo
		write, notify Characteristic
	)
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("ble: discover characteristics of %s: %w: %w", svc.UUID(), ErrConnectFailed, err)
		}
		info := ServiceInfo{UUID: svc.UUID()}
		for _, c := range chars {
			info.Characteristics = append(info.Characteristics, c.UUID())
		}
		infos = append(infos, info)

		if !isDalyService(svc.UUID()) {
			continue
		}
		for _, c := range chars {
			switch {
			case matchUUID16(c.UUID(), WriteCharUUID16):
				write = c
			case matchUUID16(c.UUID(), NotifyCharUUID16):
				notify = c
			}
		}
	}

	if write == nil || notify == nil {
		return infos, nil, nil, fmt.Errorf("ble: write=%t notify=%t: %w", write != nil, notify != nil, ErrRequiredCharacteristicsMissing)
	}
	return infos, write, notify, nil
}

// handleDisconnect runs when the transport reports that conn dropped.
func (m *Manager) handleDisconnect(conn Connection) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	current := m.conn == conn
	m.mu.Unlock()
	if !current {
		return
	}
	m.logger.Warn("connection lost")
	m.teardown(context.Background())
}

// teardown releases the transport handles and walks Connected -> Lost -> Idle.
// Caller holds opMu.
func (m *Manager) teardown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	m.conn = nil
	m.services = nil
	m.mu.Unlock()

	m.engine.detach(ErrConnectionLost)
	if err := m.event(ctx, EventLost); err != nil {
		m.logger.Error(err, "lost transition")
	}

	m.mu.Lock()
	m.candidate = nil
	m.failures = 0
	m.lastAttempt = time.Time{}
	m.mu.Unlock()
	if err := m.event(ctx, EventCleanup); err != nil {
		m.logger.Error(err, "cleanup transition")
	}
}

// Reset drops the connection and the candidate and returns to StateIdle.
func (m *Manager) Reset(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch m.State() {
	case StateConnected:
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		m.teardown(ctx)
		if err := conn.Disconnect(); err != nil {
			return fmt.Errorf("ble: disconnect: %w", err)
		}
		return nil
	case StateCandidateKnown:
		m.mu.Lock()
		m.candidate = nil
		m.failures = 0
		m.lastAttempt = time.Time{}
		m.mu.Unlock()
		return m.event(context.WithoutCancel(ctx), EventDiscard)
	default:
		return nil
	}
}

// IssueCommand sends cmd over the current connection and returns the
// validated response frame.
func (m *Manager) IssueCommand(ctx context.Context, cmd protocol.CommandID) (protocol.Frame, error) {
	return m.engine.IssueCommand(ctx, cmd)
}

// Close disconnects if connected.
func (m *Manager) Close() error {
	return m.Reset(context.Background())
}

func (m *Manager) event(ctx context.Context, name string) error {
	if err := m.fsm.Event(ctx, name); err != nil {
		return fmt.Errorf("ble: session event %s: %w", name, err)
	}
	return nil
}
