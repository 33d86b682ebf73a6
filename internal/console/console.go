// Package console is the operator shell: a line-oriented command loop over
// a running monitor and its BMS session.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/gosuri/uitable"

	"github.com/chaz8081/daly-ble/internal/ble"
	"github.com/chaz8081/daly-ble/internal/log"
	"github.com/chaz8081/daly-ble/internal/monitor"
	"github.com/chaz8081/daly-ble/internal/report"
)

const prompt = "daly> "

var errQuit = errors.New("quit")

var aliases = map[string]string{
	"s":    "scan",
	"c":    "connect",
	"d":    "data",
	"h":    "help",
	"r":    "reset",
	"srv":  "services",
	"exit": "quit",
}

// Session is the part of *ble.Manager the console inspects.
type Session interface {
	State() ble.State
	Candidate() (ble.Peripheral, bool)
	Failures() int
	Services() []ble.ServiceInfo
	Reset(ctx context.Context) error
}

var _ Session = (*ble.Manager)(nil)

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

// Console executes operator commands against a monitor.
type Console struct {
	mon      *monitor.Monitor
	session  Session
	out      io.Writer
	logger   log.Logger
	now      func() time.Time
	commands map[string]command
}

// New returns a console that writes to out.
func New(mon *monitor.Monitor, session Session, out io.Writer, logger log.Logger) *Console {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Console{
		mon:     mon,
		session: session,
		out:     out,
		logger:  logger.WithName("console"),
		now:     time.Now,
	}
	c.commands = map[string]command{
		"scan":     {"scan", "scan for a BMS and make it the connect candidate", c.scan},
		"connect":  {"connect", "connect to the candidate", c.connect},
		"data":     {"data", "read telemetry now and print it as JSON", c.data},
		"status":   {"status", "print session state and the detailed battery status", c.status},
		"auto":     {"auto [on|off]", "toggle or set automatic connecting", c.auto},
		"reset":    {"reset", "disconnect and forget the candidate", c.reset},
		"services": {"services", "list GATT services of the current connection", c.services},
		"help":     {"help", "show this list", c.help},
		"quit":     {"quit", "leave the console", func(context.Context, []string) error { return errQuit }},
	}
	return c
}

// Run reads commands from in until EOF, "quit" or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprint(c.out, prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			fmt.Fprint(c.out, prompt)
		}
	}
}

// Execute runs a single command line. Empty lines are ignored.
func (c *Console) Execute(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse %q: %w", line, err)
	}
	if len(args) == 0 {
		return nil
	}
	name := strings.ToLower(args[0])
	if full, ok := aliases[name]; ok {
		name = full
	}
	cmd, ok := c.commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	c.logger.Debug("console command", "command", name, "args", args[1:])
	return cmd.run(ctx, args[1:])
}

func (c *Console) scan(ctx context.Context, _ []string) error {
	fmt.Fprintln(c.out, "scanning...")
	chosen, found, err := c.mon.Scan(ctx)

	if len(found) > 0 {
		table := uitable.New()
		table.AddRow("", "ADDRESS", "NAME", "RSSI")
		for _, p := range found {
			mark := ""
			if err == nil && p.Address == chosen.Address {
				mark = "*"
			}
			table.AddRow(mark, p.Address, p.Name, p.RSSI)
		}
		fmt.Fprintln(c.out, table)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "candidate: %s (%s)\n", chosen.Address, chosen.Name)
	return nil
}

func (c *Console) connect(ctx context.Context, _ []string) error {
	if c.session.State() == ble.StateConnected {
		fmt.Fprintln(c.out, "already connected")
		return nil
	}
	if err := c.mon.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "connected")
	return nil
}

func (c *Console) data(ctx context.Context, _ []string) error {
	if c.session.State() == ble.StateConnected {
		if _, err := c.mon.ReadAll(ctx); err != nil {
			fmt.Fprintf(c.out, "warning: %v\n", err)
		}
	} else {
		fmt.Fprintln(c.out, "not connected, showing last known values")
	}
	snap := c.mon.Snapshot()
	if !snap.Valid() {
		fmt.Fprintln(c.out, "no telemetry yet")
		return nil
	}
	return report.WriteJSON(c.out, snap, true)
}

func (c *Console) status(_ context.Context, _ []string) error {
	table := uitable.New()
	table.AddRow("Session:", c.session.State())
	if p, ok := c.session.Candidate(); ok {
		table.AddRow("Device:", fmt.Sprintf("%s (%s, %d dBm)", p.Address, p.Name, p.RSSI))
	} else {
		table.AddRow("Device:", "none")
	}
	table.AddRow("Connect failures:", c.session.Failures())
	table.AddRow("Auto connect:", onOff(c.mon.AutoConnect()))
	fmt.Fprintln(c.out, table)
	fmt.Fprint(c.out, report.Status(c.mon.Snapshot(), c.now()))
	return nil
}

func (c *Console) auto(_ context.Context, args []string) error {
	if len(args) == 0 {
		c.mon.SetAutoConnect(!c.mon.AutoConnect())
	} else {
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			c.mon.SetAutoConnect(true)
		case "off", "false", "0":
			c.mon.SetAutoConnect(false)
		default:
			return fmt.Errorf("auto: want on or off, got %q", args[0])
		}
	}
	fmt.Fprintf(c.out, "auto connect %s\n", onOff(c.mon.AutoConnect()))
	return nil
}

func (c *Console) reset(ctx context.Context, _ []string) error {
	if err := c.session.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "session %s\n", c.session.State())
	return nil
}

func (c *Console) services(_ context.Context, _ []string) error {
	svcs := c.session.Services()
	if len(svcs) == 0 {
		fmt.Fprintln(c.out, "no services, connect first")
		return nil
	}
	table := uitable.New()
	table.Wrap = true
	table.MaxColWidth = 80
	table.AddRow("SERVICE", "CHARACTERISTICS")
	for _, s := range svcs {
		table.AddRow(s.UUID, strings.Join(s.Characteristics, " "))
	}
	fmt.Fprintln(c.out, table)
	return nil
}

func (c *Console) help(_ context.Context, _ []string) error {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	table := uitable.New()
	for _, name := range names {
		table.AddRow(c.commands[name].usage, c.commands[name].help)
	}
	fmt.Fprintln(c.out, table)
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
