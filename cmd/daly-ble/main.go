// Command daly-ble reads Daly BMS telemetry over Bluetooth LE.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chaz8081/daly-ble/internal/config"
	"github.com/chaz8081/daly-ble/internal/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// options holds the persistent flags. Set flags override the config file.
type options struct {
	configPath string
	address    string
	name       string
	protocol   string
	log        *log.Options
}

func newOptions() *options {
	return &options{log: log.NewOptions()}
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "path to config file (default: ~/.config/daly-ble/config.yaml)")
	fs.StringVar(&o.address, "address", "", "BMS Bluetooth address to connect to")
	fs.StringVar(&o.name, "name", "", "BMS advertised name to connect to")
	fs.StringVar(&o.protocol, "protocol", "", "wire format: checksum or crc")
	o.log.AddFlags(fs)
}

func newRootCommand() *cobra.Command {
	opts := newOptions()

	cmd := &cobra.Command{
		Use:   "daly-ble",
		Short: "Read Daly BMS telemetry over Bluetooth LE",
		Long: `daly-ble discovers a Daly battery management system over Bluetooth LE,
keeps a session to it and polls its telemetry. Results can be printed as JSON
or a status table, appended to CSV, exported to Prometheus and published to MQTT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newRunCommand(opts),
		newConsoleCommand(opts),
		newScanCommand(opts),
		newReadCommand(opts),
		newInitCommand(),
	)
	return cmd
}

// loadConfig reads the config file, applies flag overrides, validates the
// result and initializes logging.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Device.Address = o.address
	}
	if flags.Changed("name") {
		cfg.Device.Name = o.name
	}
	if flags.Changed("protocol") {
		cfg.Protocol = o.protocol
		cfg.Commands = nil
	}
	if err := overrideLogOptions(flags, &cfg.Log); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if err := log.Init(&cfg.Log); err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	return cfg, nil
}

// overrideLogOptions copies every --log.* flag the user set onto dst.
func overrideLogOptions(flags *pflag.FlagSet, dst *log.Options) error {
	target := pflag.NewFlagSet("log", pflag.ContinueOnError)
	dst.AddFlags(target)

	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil || !strings.HasPrefix(f.Name, "log.") {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			err = target.Lookup(f.Name).Value.(pflag.SliceValue).Replace(sv.GetSlice())
			return
		}
		err = target.Set(f.Name, f.Value.String())
	})
	if err != nil {
		return fmt.Errorf("log flags: %w", err)
	}
	return nil
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}
