// Package log provides the default structured loggers used across the module.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

// LevelEnv names the environment variable holding the level of the default logger
// ("debug", "info", "warn" or "error"). Debug is used when it is unset or invalid.
const LevelEnv = "SIPUA_LOG_LEVEL"

// formatted wraps h with formatters for values that the handlers render poorly.
func formatted(h slog.Handler) slog.Handler {
	return slogformatter.NewFormatterHandler(
		slogformatter.ErrorFormatter("error"),
		slogformatter.FormatByType(func(d time.Duration) slog.Value {
			return slog.StringValue(d.String())
		}),
		slogformatter.FormatByType(func(a net.Addr) slog.Value {
			return slog.StringValue(a.Network() + "/" + a.String())
		}),
	)(h)
}

// New returns a console logger writing to w.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(formatted(console.NewHandler(w, &console.HandlerOptions{
		AddSource:  true,
		Level:      level,
		TimeFormat: time.RFC3339Nano,
	})))
}

// NewDev returns a developer logger writing pretty printed, sorted attributes to w.
func NewDev(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(formatted(devslog.NewHandler(w, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     level,
		},
		SortKeys:   true,
		TimeFormat: time.RFC3339Nano,
	})))
}

func envLevel() slog.Level {
	lvl := slog.LevelDebug
	if v, ok := os.LookupEnv(LevelEnv); ok {
		if err := lvl.UnmarshalText([]byte(v)); err != nil {
			return slog.LevelDebug
		}
	}
	return lvl
}

var def atomic.Pointer[slog.Logger]

func init() { def.Store(New(os.Stdout, envLevel())) }

// Default returns the logger used by components created without an explicit logger.
func Default() *slog.Logger { return def.Load() }

// SetDefault replaces the logger returned by [Default]. Nil is ignored.
func SetDefault(l *slog.Logger) {
	if l != nil {
		def.Store(l)
	}
}

// Dev returns [NewDev] on stdout at the level from [LevelEnv].
func Dev() *slog.Logger { return NewDev(os.Stdout, envLevel()) }

type discard struct{}

func (discard) Enabled(context.Context, slog.Level) bool  { return false }
func (discard) Handle(context.Context, slog.Record) error { return nil }
func (d discard) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discard) WithGroup(string) slog.Handler           { return d }

var noop = slog.New(discard{})

// Noop returns a logger that discards everything.
func Noop() *slog.Logger { return noop }

type rawValue[T ~string | ~[]byte] struct{ v T }

func (v rawValue[T]) LogValue() slog.Value { return slog.StringValue(string(v.v)) }

// StringValue renders v as a string attribute.
// Raw SIP messages would otherwise be printed as byte slices.
func StringValue[T ~string | ~[]byte](v T) slog.LogValuer { return rawValue[T]{v} }

type fmtValue struct{ v any }

func (v fmtValue) LogValue() slog.Value { return slog.StringValue(fmt.Sprintf("%+v", v.v)) }

// FmtValue renders v with the %+v verb.
func FmtValue(v any) slog.LogValuer { return fmtValue{v} }
