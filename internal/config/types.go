package config

import (
	"time"

	"github.com/doridoridoriand/echoprobe/internal/probe"
)

// MetricsMode describes the granularity of exported metrics.
type MetricsMode string

const (
	MetricsModePerTarget  MetricsMode = "per-target"
	MetricsModeAggregated MetricsMode = "aggregated"
	MetricsModeBoth       MetricsMode = "both"
)

// ReportFormat selects the batch report export encoding.
type ReportFormat string

const (
	ReportFormatText ReportFormat = "text"
	ReportFormatJSON ReportFormat = "json"
	ReportFormatYAML ReportFormat = "yaml"
)

// GlobalOptions holds global settings parsed from config and CLI overrides.
type GlobalOptions struct {
	Timeout            time.Duration
	InteractiveTimeout time.Duration
	Delay              time.Duration
	ConnectTimeout     time.Duration
	BufferSize         int
	TTL                int
	DefaultTransport   probe.Transport
	Interval           time.Duration
	MetricsMode        MetricsMode
	MetricsListen      string
	UIScale            int
	UIDisable          bool
	LogLevel           string
	ReportFormat       ReportFormat
}

// ProbeOptions converts the global settings into per-run probe options.
// Interactive runs wait longer for each reply.
func (g GlobalOptions) ProbeOptions(interactive bool) probe.Options {
	timeout := g.Timeout
	if interactive {
		timeout = g.InteractiveTimeout
	}
	return probe.Options{
		ConnectTimeout: g.ConnectTimeout,
		Timeout:        timeout,
		Delay:          g.Delay,
		BufferSize:     g.BufferSize,
		TTL:            g.TTL,
	}
}

// TargetConfig represents a single target definition.
type TargetConfig struct {
	Name      string
	Endpoint  probe.Endpoint
	Transport probe.Transport
	Group     string
	Timeout   time.Duration
	Options   map[string]string
}

// ProbeTarget returns the probe view of the target.
func (t TargetConfig) ProbeTarget() probe.Target {
	return probe.Target{
		Name:      t.Name,
		Endpoint:  t.Endpoint,
		Transport: t.Transport,
		Timeout:   t.Timeout,
	}
}

// Config is the parsed configuration file with global settings.
type Config struct {
	Targets  []TargetConfig
	Payloads []string
	Global   GlobalOptions
}

// PayloadsFor returns the batch payloads for a transport: the configured
// ones when present, otherwise the built-in list for that transport.
func (c *Config) PayloadsFor(transport probe.Transport) [][]byte {
	texts := c.Payloads
	if len(texts) == 0 {
		texts = DefaultPayloads(transport)
	}
	out := make([][]byte, 0, len(texts))
	for _, text := range texts {
		out = append(out, []byte(text))
	}
	return out
}

// FindTarget returns the target with the given name.
func (c *Config) FindTarget(name string) (TargetConfig, bool) {
	for _, target := range c.Targets {
		if target.Name == name {
			return target, true
		}
	}
	return TargetConfig{}, false
}

// CLIOverrides holds optional CLI values that override config file values.
type CLIOverrides struct {
	Timeout            *time.Duration
	InteractiveTimeout *time.Duration
	Delay              *time.Duration
	ConnectTimeout     *time.Duration
	Interval           *time.Duration
	BufferSize         *int
	TTL                *int
	MetricsMode        *MetricsMode
	MetricsListen      *string
	UIDisable          *bool
	LogLevel           *string
	ReportFormat       *ReportFormat
	Payloads           []string
}

// Parser defines config parsing behavior.
type Parser interface {
	LoadConfig(path string, overrides CLIOverrides) (*Config, error)
	ParseEchoprobeDirective(line string) (map[string]string, error)
	ParseTargetLine(line string, group string, transport probe.Transport) (TargetConfig, error)
}
