package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chaz8081/daly-ble/internal/ble/protocol"
	"github.com/chaz8081/daly-ble/internal/log"
)

func TestOverrideLogOptions(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.NewOptions().AddFlags(fs)
	if err := fs.Parse([]string{"--log.level=debug", "--log.output-paths=stdout,/tmp/daly.log"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	dst := log.Options{Level: "info", Format: "json", OutputPaths: []string{"stderr"}}
	if err := overrideLogOptions(fs, &dst); err != nil {
		t.Fatalf("overrideLogOptions() error = %v", err)
	}
	if dst.Level != "debug" {
		t.Errorf("Level = %q, want debug", dst.Level)
	}
	if dst.Format != "json" {
		t.Errorf("Format = %q, unset flag must not override", dst.Format)
	}
	if len(dst.OutputPaths) != 2 || dst.OutputPaths[1] != "/tmp/daly.log" {
		t.Errorf("OutputPaths = %v", dst.OutputPaths)
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
device:
  name: "DalyBMS"
protocol: checksum
commands: [0x90, 0x91]
log:
  output_paths: [stderr]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := newOptions()
	cmd := &cobra.Command{Use: "test"}
	opts.addFlags(cmd.Flags())
	err := cmd.ParseFlags([]string{
		"--config", path,
		"--address", "41:18:12:01:18:9F",
		"--protocol", "crc",
		"--log.level", "warn",
	})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Device.Address != "41:18:12:01:18:9F" {
		t.Errorf("Address = %q", cfg.Device.Address)
	}
	if cfg.Device.Name != "DalyBMS" {
		t.Errorf("Name = %q, file value should survive", cfg.Device.Name)
	}
	if v, _ := cfg.Variant(); v != protocol.VariantCRC {
		t.Errorf("Variant = %s, want crc", v)
	}
	if ids := cfg.CommandIDs(); len(ids) != 1 || ids[0] != protocol.CmdMainInfo {
		t.Errorf("CommandIDs() = %v, want the crc default set", ids)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoadConfigRejectsBadProtocol(t *testing.T) {
	opts := newOptions()
	cmd := &cobra.Command{Use: "test"}
	opts.addFlags(cmd.Flags())
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("protocol: checksum\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cmd.ParseFlags([]string{"--config", path, "--protocol", "morse"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if _, err := opts.loadConfig(cmd); err == nil {
		t.Error("loadConfig() should reject an unknown protocol")
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"run", "console", "scan", "read", "init"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
	if root.PersistentFlags().Lookup("log.level") == nil {
		t.Error("log flags not registered")
	}
}
