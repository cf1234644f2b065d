package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config defines logging configuration
type Config struct {
	// Level is the logging level (debug, info, warn, error)
	Level string `mapstructure:"level"`
	// Pretty determines if logs should be formatted for human readability
	Pretty bool `mapstructure:"pretty"`
	// Output is where logs are written (defaults to os.Stdout)
	Output io.Writer `mapstructure:"-"`
}

// DefaultConfig returns the default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Pretty: false,
		Output: os.Stdout,
	}
}

// Setup configures global logging based on the provided config
func Setup(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// For returns a child of the global logger tagged with a component and instrument
func For(component, exchange, symbol string) zerolog.Logger {
	ctx := log.With().Str("component", component)
	if exchange != "" {
		ctx = ctx.Str("exchange", exchange)
	}
	if symbol != "" {
		ctx = ctx.Str("symbol", symbol)
	}
	return ctx.Logger()
}
