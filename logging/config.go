package logging

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	EnabledSinks     []string
	BufferSize       int
	UrgentBufferSize int
	MinimumSeverity  Severity
	// CategorySeverity overrides MinimumSeverity for single categories.
	CategorySeverity map[string]Severity
	// Routes restricts the events a sink receives, keyed by sink name.
	Routes           map[string]Route
	Fields           map[string]any
	JSON             JSONConfig
	Console          ConsoleConfig
	NATS             NATSConfig
	DropWarnInterval time.Duration
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	UseColor bool
}

// NATSConfig configures the JetStream sink. Events are published to
// Subject + "." + event type.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		Routes: map[string]Route{
			"nats": {Categories: []string{CategoryPhysics, CategoryLifecycle}},
		},
		JSON: JSONConfig{
			FlushInterval: 2 * time.Second,
		},
		NATS: NATSConfig{
			Stream:  "PHYSICS_EVENTS",
			Subject: "physics.events",
			Timeout: 2 * time.Second,
		},
	}
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a configuration string to a Severity.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return SeverityDebug, nil
	case "", "info":
		return SeverityInfo, nil
	case "warn", "warning":
		return SeverityWarn, nil
	case "error":
		return SeverityError, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", value)
	}
}
