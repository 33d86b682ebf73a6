package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/daly-ble/internal/ble/protocol"
	"github.com/chaz8081/daly-ble/internal/log"
)

const inboxSize = 4

// request is the single outstanding command.
type request struct {
	cmd     protocol.CommandID
	issued  time.Time
	timeout time.Duration

	// inbox receives copies of notifications from the transport callback.
	inbox chan []byte
	// abort receives at most one error when the link goes away.
	abort chan error
}

// Engine writes commands and correlates the next valid notification to the
// one request in flight.
type Engine struct {
	variant protocol.Variant
	timeout time.Duration
	logger  log.Logger

	// onReject observes frames that failed validation.
	onReject func(error)

	mu      sync.Mutex
	write   Characteristic
	pending *request
}

func newEngine(variant protocol.Variant, timeout time.Duration, logger log.Logger, onReject func(error)) *Engine {
	return &Engine{
		variant:  variant,
		timeout:  timeout,
		logger:   logger,
		onReject: onReject,
	}
}

// IssueCommand sends cmd and waits for the first notification that passes
// frame validation, up to the response timeout. A response whose echoed
// command id differs from cmd is still returned; the mismatch is logged.
func (e *Engine) IssueCommand(ctx context.Context, cmd protocol.CommandID) (protocol.Frame, error) {
	frame, err := protocol.BuildCommand(e.variant, cmd)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("ble: build %s: %w", cmd, err)
	}

	e.mu.Lock()
	if e.write == nil {
		e.mu.Unlock()
		return protocol.Frame{}, fmt.Errorf("ble: issue %s: %w", cmd, ErrNotConnected)
	}
	if e.pending != nil {
		busy := e.pending.cmd
		e.mu.Unlock()
		return protocol.Frame{}, fmt.Errorf("ble: issue %s while %s outstanding: %w", cmd, busy, ErrRequestAlreadyPending)
	}
	req := &request{
		cmd:     cmd,
		issued:  time.Now(),
		timeout: e.timeout,
		inbox:   make(chan []byte, inboxSize),
		abort:   make(chan error, 1),
	}
	e.pending = req
	write := e.write
	e.mu.Unlock()

	defer e.clear(req)

	e.logger.Debug("sending command", "command", cmd, "frame", frame)
	if err := write.Write(frame); err != nil {
		return protocol.Frame{}, fmt.Errorf("ble: write %s: %w", cmd, err)
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	for {
		select {
		case raw := <-req.inbox:
			f, err := protocol.Validate(raw, e.variant)
			if err != nil {
				e.logger.Warn("discarding invalid frame", "command", cmd, "frame", raw, "error", err)
				if e.onReject != nil {
					e.onReject(err)
				}
				continue
			}
			if f.HasCommand && f.Command != cmd {
				e.logger.Warn("accepting response with unexpected command id",
					"command", cmd, "echo", f.Command, "error", ErrCommandEchoMismatch)
			}
			e.logger.Debug("response received", "command", cmd, "latency", time.Since(req.issued))
			return f, nil
		case <-timer.C:
			return protocol.Frame{}, fmt.Errorf("ble: %s after %v: %w", cmd, req.timeout, ErrTimeout)
		case err := <-req.abort:
			return protocol.Frame{}, fmt.Errorf("ble: %s: %w", cmd, err)
		case <-ctx.Done():
			return protocol.Frame{}, fmt.Errorf("ble: %s: %w", cmd, ctx.Err())
		}
	}
}

// Pending reports the outstanding command, if any.
func (e *Engine) Pending() (protocol.CommandID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return 0, false
	}
	return e.pending.cmd, true
}

func (e *Engine) clear(req *request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == req {
		e.pending = nil
	}
}

// handleNotification is the transport callback. It never blocks: with no
// request outstanding, or a full inbox, the notification is dropped.
func (e *Engine) handleNotification(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	e.mu.Lock()
	req := e.pending
	e.mu.Unlock()

	if req == nil {
		e.logger.Debug("dropping unsolicited notification", "frame", buf)
		return
	}
	select {
	case req.inbox <- buf:
	default:
		e.logger.Warn("dropping notification, inbox full", "command", req.cmd)
	}
}

// attach makes write the target of subsequent commands.
func (e *Engine) attach(write Characteristic) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.write = write
}

// detach releases the write characteristic and fails the outstanding
// request, if any, with cause.
func (e *Engine) detach(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.write = nil
	if e.pending != nil {
		select {
		case e.pending.abort <- cause:
		default:
		}
	}
}
