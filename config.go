package rwlocktrace

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Environment variables read by LoadConfig.
const (
	EnvThreshold  = "RWLOCKTRACE_THRESHOLD"
	EnvMaxReaders = "RWLOCKTRACE_MAX_READERS"
	EnvTrace      = "RWLOCKTRACE_TRACE"
)

// DefaultWarnThreshold is how long a lock may be held before a warning is
// logged on release.
const DefaultWarnThreshold = 100 * time.Millisecond

// Config holds the settings shared by every view of a lock.
type Config struct {
	Name          string
	WarnThreshold time.Duration
	MaxReaders    int64
	Tracer        Tracer
	Logger        *zap.Logger
	Metrics       *Metrics
	Registry      *Registry
}

// DefaultConfig returns the built-in defaults: stdout text tracing, 100ms
// warn threshold, no logging, no metrics, no registry.
func DefaultConfig() Config {
	return Config{
		WarnThreshold: DefaultWarnThreshold,
		MaxReaders:    DefaultMaxReaders,
		Tracer:        NewStdoutTracer(),
		Logger:        zap.NewNop(),
	}
}

// LoadConfig returns DefaultConfig with the environment overrides applied.
// Invalid values are ignored.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.WarnThreshold = GetDurationEnvOrDefault(EnvThreshold, cfg.WarnThreshold)
	if n, err := strconv.ParseInt(os.Getenv(EnvMaxReaders), 10, 64); err == nil && n > 0 {
		cfg.MaxReaders = n
	}
	if v, ok := os.LookupEnv(EnvTrace); ok {
		if on, err := strconv.ParseBool(v); err == nil && !on {
			cfg.Tracer = NopTracer
		}
	}
	return cfg
}

// Option changes a Config.
type Option func(*Config)

// WithConfig replaces the whole configuration; later options still apply.
func WithConfig(c Config) Option {
	return func(cfg *Config) {
		*cfg = c
	}
}

// WithName names the lock in records, logs, metrics and the registry.
func WithName(name string) Option {
	return func(cfg *Config) {
		cfg.Name = name
	}
}

// WithWarnThreshold sets the hold duration above which a release is logged
// as a warning. Zero or negative disables the warning.
func WithWarnThreshold(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.WarnThreshold = d
	}
}

// WithMaxReaders sets the reader capacity of a lock created by New. It has no
// effect on FromShared, which keeps the capacity of the shared lock.
func WithMaxReaders(n int64) Option {
	return func(cfg *Config) {
		cfg.MaxReaders = n
	}
}

// WithTracer sets where access records go. Nil means NopTracer.
func WithTracer(t Tracer) Option {
	return func(cfg *Config) {
		cfg.Tracer = t
	}
}

// WithLogger sets the logger for diagnostics. Nil means zap.NewNop.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithMetrics records acquisitions and hold times in m.
func WithMetrics(m *Metrics) Option {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

// WithRegistry registers the lock in r so it shows up in r.Dump.
func WithRegistry(r *Registry) Option {
	return func(cfg *Config) {
		cfg.Registry = r
	}
}

func buildConfig(opts []Option) Config {
	cfg := LoadConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = NopTracer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxReaders < 1 {
		cfg.MaxReaders = DefaultMaxReaders
	}
	return cfg
}

// ParseDuration parses a duration string like time.ParseDuration, adding
// support for the "d" unit meaning 24 hours. Fractional days are allowed.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) > 1024 {
		return 0, fmt.Errorf("parsing duration: input string too long")
	}
	var inNumber bool
	var numStart int
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == 'd' {
			daysStr := s[numStart:i]
			days, err := strconv.ParseFloat(daysStr, 64)
			if err != nil {
				return 0, err
			}
			hours := days * 24.0
			hoursStr := strconv.FormatFloat(hours, 'f', -1, 64)
			s = s[:numStart] + hoursStr + "h" + s[i+1:]
			i--
			continue
		}
		if !inNumber {
			numStart = i
		}
		inNumber = (ch >= '0' && ch <= '9') || ch == '.' || ch == '-' || ch == '+'
	}
	return time.ParseDuration(s)
}

// GetDurationEnvOrDefault returns the duration in the environment variable
// key, or defaultValue if it is unset or does not parse.
func GetDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	d, err := ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
