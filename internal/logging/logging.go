// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "portalgate")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("PORTALGATE_LOG_LEVEL", "info"),
		Format: getenv("PORTALGATE_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Host returns a zap field for a host name.
func Host(host string) zap.Field { return zap.String("host", host) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// URL returns a zap field for a target URL.
func URL(u string) zap.Field { return zap.String("url", u) }

// Status returns a zap field for an HTTP status code.
func Status(code int) zap.Field { return zap.Int("status", code) }

// RuleID returns a zap field for a header rule id.
func RuleID(id int) zap.Field { return zap.Int("rule_id", id) }

// TabID returns a zap field for a browser tab id.
func TabID(id string) zap.Field { return zap.String("tab_id", id) }

// Flow returns a zap field naming a coalesced flow (harvest, activate).
func Flow(name string) zap.Field { return zap.String("flow", name) }

// MessageType returns a zap field for a router message tag.
func MessageType(t string) zap.Field { return zap.String("message_type", t) }

// RequestID returns a zap field for an inbound request id.
func RequestID(id string) zap.Field { return zap.String("request_id", id) }

// Encoding returns a zap field for a character encoding label.
func Encoding(name string) zap.Field { return zap.String("encoding", name) }

// Elapsed returns a zap field for an elapsed duration.
func Elapsed(d time.Duration) zap.Field { return zap.Duration("elapsed", d) }
