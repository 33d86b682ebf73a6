package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/daly-ble/internal/ble"
	"github.com/chaz8081/daly-ble/internal/console"
	"github.com/chaz8081/daly-ble/internal/log"
	"github.com/chaz8081/daly-ble/internal/report"
)

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Monitor the BMS until interrupted",
		Long: `run scans for the BMS, connects when it is found and polls telemetry every
read.interval. Lost connections are rediscovered automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, cmd.OutOrStdout(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(cmd.Context())
		},
	}
}

// run starts the monitor and the enabled servers and waits for all of them.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.monitor.Run(ctx)
	})
	if a.exporter != nil {
		g.Go(func() error {
			return a.exporter.Start(ctx, a.cfg.Metrics.Addr)
		})
	}
	if a.publisher != nil {
		g.Go(func() error {
			return a.publisher.Run(ctx)
		})
	}

	log.Info("all components started")
	return g.Wait()
}

func newConsoleCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Operate the session interactively",
		Long: `console runs the monitor in the background and reads operator commands from
stdin: scan, connect, data, status, auto [on|off], reset, services, help.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.monitor.Run(ctx)
			})
			if a.exporter != nil {
				g.Go(func() error {
					return a.exporter.Start(ctx, a.cfg.Metrics.Addr)
				})
			}
			g.Go(func() error {
				defer cancel()
				c := console.New(a.monitor, a.session, cmd.OutOrStdout(), log.Std())
				fmt.Fprintln(cmd.OutOrStdout(), "daly-ble console, type help for commands")
				return c.Run(ctx, cmd.InOrStdin())
			})
			return g.Wait()
		},
	}
}

func newScanCommand(opts *options) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices and show which one would be used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if duration <= 0 {
				duration = cfg.Scan.Duration
			}

			adapter := ble.NewBluetoothAdapter()
			if err := adapter.Enable(); err != nil {
				return fmt.Errorf("enable bluetooth: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanning for %s...\n", duration)
			chosen, found, err := ble.Discover(cmd.Context(), adapter, cfg.Target(), duration)
			if err != nil && !errors.Is(err, ble.ErrCandidateNotFound) {
				return err
			}

			table := uitable.New()
			table.AddRow("", "ADDRESS", "NAME", "RSSI")
			for _, p := range found {
				mark := ""
				if err == nil && p.Address == chosen.Address {
					mark = "*"
				}
				table.AddRow(mark, p.Address, p.Name, p.RSSI)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return err
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "scan duration (default: scan.duration from config)")
	return cmd
}

func newReadCommand(opts *options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Connect, read telemetry once and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if format == "" {
				format = cfg.Report.Format
			}
			if format != "json" && format != "status" {
				format = "json"
			}
			// Only the CSV sink is useful for a one-shot read.
			cfg.Report.Format = "none"
			cfg.MQTT.Enabled = false

			a, err := newApp(cfg, cmd.OutOrStdout(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.connectOnce(ctx); err != nil {
				return err
			}
			snap, readErr := a.monitor.ReadAll(ctx)
			if readErr != nil {
				log.Warn("read incomplete", "error", readErr)
			}
			if !snap.Valid() {
				if readErr == nil {
					readErr = errors.New("no response decoded")
				}
				return fmt.Errorf("no telemetry received: %w", readErr)
			}
			if format == "status" {
				fmt.Fprint(cmd.OutOrStdout(), report.Status(snap, time.Now()))
				return nil
			}
			return report.WriteJSON(cmd.OutOrStdout(), snap, true)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "", "output format: json or status (default: report.format from config)")
	return cmd
}
