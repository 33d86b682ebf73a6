package log

import (
	"fmt"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

// Options configures NewLogger.
type Options struct {
	// Name is prepended to every entry's logger name.
	Name string `yaml:"name"`

	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is console or json.
	Format string `yaml:"format"`

	EnableColor   bool `yaml:"enable_color"`
	DisableCaller bool `yaml:"disable_caller"`

	// OutputPaths defaults to stderr so that report output on stdout stays clean.
	OutputPaths []string `yaml:"output_paths"`
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      "console",
		EnableColor: true,
		OutputPaths: []string{"stderr"},
	}
}

// Validate reports every invalid field.
func (o *Options) Validate() []error {
	var errs []error
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(o.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level %q: %w", o.Level, err))
	}
	if o.Format != "console" && o.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", o.Format))
	}
	return errs
}

// AddFlags binds the options to fs under the log. prefix.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "An optional name for the logger.")
	fs.StringVar(&o.Format, "log.format", o.Format, "The log output format ('json' or 'console').")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Enable colorized output for the console format.")
	fs.StringVar(&o.Level, "log.level", o.Level, "The minimum log level to output (debug, info, warn, error).")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Disable the caller field in logs.")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log output paths (e.g. 'stderr', '/var/log/daly-ble.log').")
}
