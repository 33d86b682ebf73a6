package main

import (
	"context"
	"fmt"
	"io"

	"github.com/chaz8081/daly-ble/internal/ble"
	"github.com/chaz8081/daly-ble/internal/config"
	"github.com/chaz8081/daly-ble/internal/log"
	"github.com/chaz8081/daly-ble/internal/metrics"
	"github.com/chaz8081/daly-ble/internal/monitor"
	"github.com/chaz8081/daly-ble/internal/mqtt"
	"github.com/chaz8081/daly-ble/internal/report"
	"github.com/chaz8081/daly-ble/internal/telemetry"
)

// app is the wired set of components shared by the subcommands.
type app struct {
	cfg       *config.Config
	adapter   *ble.BluetoothAdapter
	session   *ble.Manager
	store     *telemetry.Store
	monitor   *monitor.Monitor
	exporter  *metrics.Exporter
	publisher *mqtt.Publisher
	closers   []io.Closer
}

// newApp enables the radio and builds the session and monitor. When
// withSinks is set the report, CSV and MQTT sinks from cfg are attached,
// with report output going to out.
func newApp(cfg *config.Config, out io.Writer, withSinks bool) (*app, error) {
	variant, err := cfg.Variant()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		adapter: ble.NewBluetoothAdapter(),
		store:   telemetry.NewStore(),
	}
	if err := a.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth: %w", err)
	}

	sessionOpts := ble.Options{
		Variant:            variant,
		ResponseTimeout:    cfg.Read.ResponseTimeout,
		MinConnectInterval: cfg.Connect.MinInterval,
		MaxFailures:        cfg.Connect.MaxFailures,
		Logger:             log.Std(),
	}
	monitorOpts := monitor.Options{
		Target:       cfg.Target(),
		ScanInterval: cfg.Scan.Interval,
		ScanDuration: cfg.Scan.Duration,
		ReadInterval: cfg.Read.Interval,
		Tick:         cfg.Tick,
		Commands:     cfg.CommandIDs(),
		AutoConnect:  cfg.Connect.Auto,
		Logger:       log.Std(),
	}
	if cfg.Metrics.Enabled {
		a.exporter = metrics.New(log.Std())
		sessionOpts.FrameRejected = a.exporter.FrameRejected
		monitorOpts.Observer = a.exporter
	}

	a.session = ble.NewManager(a.adapter, sessionOpts)
	if a.exporter != nil {
		a.session.OnTransition(a.exporter.StateChanged)
	}
	a.monitor = monitor.New(a.adapter, a.session, a.store, monitorOpts)

	if withSinks {
		if err := a.attachSinks(out); err != nil {
			a.Close()
			return nil, err
		}
	}

	log.Info("daly-ble ready",
		"protocol", variant,
		"commands", fmt.Sprint(monitorOpts.Commands),
		"address", cfg.Device.Address,
		"name", cfg.Device.Name,
		"metrics", cfg.Metrics.Enabled,
		"mqtt", cfg.MQTT.Enabled,
	)
	return a, nil
}

func (a *app) attachSinks(out io.Writer) error {
	switch a.cfg.Report.Format {
	case "json":
		a.monitor.AddSink(report.NewJSONSink(out))
	case "status":
		a.monitor.AddSink(report.NewStatusSink(out))
	}

	if a.cfg.Report.CSVPath != "" {
		w, err := report.OpenCSV(a.cfg.Report.CSVPath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, w)
		a.monitor.AddSink(w)
	}

	if a.cfg.MQTT.Enabled {
		p, err := mqtt.NewPublisher(&mqtt.ClientConfig{
			BrokerURL: a.cfg.MQTT.BrokerURL,
			ClientID:  a.cfg.MQTT.ClientID,
			Username:  a.cfg.MQTT.Username,
			Password:  a.cfg.MQTT.Password,
			Topic:     a.cfg.MQTT.Topic,
			QoS:       a.cfg.MQTT.QoS,
			Retain:    a.cfg.MQTT.Retain,
		}, log.Std())
		if err != nil {
			return err
		}
		a.publisher = p
		a.monitor.AddSink(p)
	}
	return nil
}

// connectOnce scans for the target and connects to it.
func (a *app) connectOnce(ctx context.Context) error {
	if _, _, err := a.monitor.Scan(ctx); err != nil {
		return err
	}
	return a.monitor.Connect(ctx)
}

// Close disconnects the session and closes file sinks.
func (a *app) Close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			log.Warn("disconnect", "error", err)
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			log.Warn("close sink", "error", err)
		}
	}
	_ = log.Std().Sync()
}
