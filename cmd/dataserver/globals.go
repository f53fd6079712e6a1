package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

// Globals are flags shared by every command.
type Globals struct {
	Config    kong.ConfigFlag  `help:"YAML configuration file." type:"path" env:"DATASERVER_CONFIG"`
	LogLevel  string           `help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info" env:"DATASERVER_LOG_LEVEL"`
	LogFormat string           `help:"Log format (${enum})." enum:"text,json,console" default:"text" env:"DATASERVER_LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

// Logger builds the process logger from the logging flags.
func (g *Globals) Logger() (*slog.Logger, error) {
	return newLogger(os.Stderr, g.LogLevel, g.LogFormat)
}

func newLogger(w io.Writer, logLevel, logFormat string) (*slog.Logger, error) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", logLevel)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch logFormat {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "console":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
	return slog.New(handler), nil
}
