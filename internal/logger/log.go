// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/config"
)

type Options struct {
	Service  string
	Instance string
	Level    string
	Pretty   bool
}

// FromEnv builds Options for service from LOG_LEVEL, LOG_PRETTY and the
// Lambda log stream name (falling back to the hostname for containers).
func FromEnv(service string) Options {
	inst := os.Getenv("AWS_LAMBDA_LOG_STREAM_NAME")
	if inst == "" {
		inst, _ = os.Hostname()
	}
	return Options{
		Service:  service,
		Instance: inst,
		Level:    os.Getenv("LOG_LEVEL"),
		Pretty:   config.Bool("LOG_PRETTY"),
	}
}

// Init replaces the global zerolog logger and routes the standard library
// logger through it. Call once from main before lambda.Start.
func Init(o Options) {
	zlog.Logger = New(o, os.Stdout)

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New returns a logger writing to w. Lambda ships stdout to CloudWatch, so
// JSON is the default; Pretty is for local runs.
func New(o Options, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(o.Level))); err == nil && l != zerolog.NoLevel {
		level = l
	}

	if o.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp().Str("service", o.Service)
	if o.Instance != "" {
		ctx = ctx.Str("instance", o.Instance)
	}
	return ctx.Logger()
}
