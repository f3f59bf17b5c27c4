package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/doridoridoriand/echoprobe/internal/probe"
)

const directivePrefix = "echoprobe:"

// Built-in targets used when no config file is given.
var (
	DefaultStreamEndpoint   = probe.Endpoint{Host: "localhost", Port: 12345}
	DefaultDatagramEndpoint = probe.Endpoint{Host: "localhost", Port: 8080}
)

var defaultStreamPayloads = []string{
	"Hello Async Server!",
	"비동기 패턴 테스트",
	"Day 4 학습 완료",
}

var defaultDatagramPayloads = []string{
	"Hello UDP Server!",
	"Test message 1",
	"한글 메시지 테스트",
	"Long message: " + strings.Repeat("A", 100),
	"Special chars: !@#$%^&*()",
}

// DefaultPayloads returns the built-in batch for a transport.
func DefaultPayloads(transport probe.Transport) []string {
	if transport == probe.TransportDatagram {
		return append([]string(nil), defaultDatagramPayloads...)
	}
	return append([]string(nil), defaultStreamPayloads...)
}

// EchoprobeParser implements the Parser interface.
type EchoprobeParser struct{}

// DefaultGlobalOptions returns baseline settings used before config overrides.
func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		Timeout:            probe.DefaultTimeout,
		InteractiveTimeout: 5 * time.Second,
		Delay:              probe.DefaultDelay,
		ConnectTimeout:     probe.DefaultConnectTimeout,
		BufferSize:         probe.DefaultBufferSize,
		TTL:                0,
		DefaultTransport:   probe.TransportStream,
		Interval:           10 * time.Second,
		MetricsMode:        MetricsModePerTarget,
		MetricsListen:      "",
		UIScale:            10,
		UIDisable:          false,
		LogLevel:           "warn",
		ReportFormat:       ReportFormatText,
	}
}

// DefaultTarget returns the built-in target for a transport.
func DefaultTarget(transport probe.Transport) TargetConfig {
	endpoint := DefaultStreamEndpoint
	if transport == probe.TransportDatagram {
		endpoint = DefaultDatagramEndpoint
	}
	return TargetConfig{
		Name:      string(transport) + "-echo",
		Endpoint:  endpoint,
		Transport: transport,
		Options:   map[string]string{},
	}
}

// DefaultConfig builds a single-target config without reading a file.
func DefaultConfig(target TargetConfig, overrides CLIOverrides) (*Config, error) {
	cfg := &Config{Global: DefaultGlobalOptions(), Targets: []TargetConfig{target}}
	cfg.Global.DefaultTransport = target.Transport
	if err := applyCLIOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig parses an echoprobe.conf file with CLI overrides applied.
func (p EchoprobeParser) LoadConfig(path string, overrides CLIOverrides) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &Config{Global: DefaultGlobalOptions()}

	scanner := bufio.NewScanner(file)
	groupIndex := 0
	currentGroup := ""
	lineNo := 0
	seen := make(map[string]bool)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "# "+directivePrefix) {
				if err := p.applyDirectiveLine(&cfg.Global, line); err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNo, err)
				}
			}
			continue
		}

		if strings.HasPrefix(line, directivePrefix) {
			if err := p.applyDirectiveLine(&cfg.Global, line); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			continue
		}

		if strings.HasPrefix(line, ">") {
			text := strings.TrimPrefix(strings.TrimPrefix(line, ">"), " ")
			if text == "" {
				return nil, fmt.Errorf("line %d: empty payload", lineNo)
			}
			cfg.Payloads = append(cfg.Payloads, text)
			continue
		}

		if strings.HasPrefix(line, "---") {
			groupIndex++
			groupName := strings.TrimSpace(strings.TrimPrefix(line, "---"))
			if groupName == "" {
				groupName = fmt.Sprintf("group-%d", groupIndex)
			}
			currentGroup = groupName
			continue
		}

		target, err := p.ParseTargetLine(line, currentGroup, cfg.Global.DefaultTransport)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if seen[target.Name] {
			return nil, fmt.Errorf("line %d: duplicate target name %q", lineNo, target.Name)
		}
		seen[target.Name] = true
		cfg.Targets = append(cfg.Targets, target)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("%s: no targets defined", path)
	}

	if err := applyCLIOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p EchoprobeParser) applyDirectiveLine(global *GlobalOptions, line string) error {
	pairs, err := p.ParseEchoprobeDirective(line)
	if err != nil {
		return err
	}
	return applyDirective(global, pairs)
}

// ParseEchoprobeDirective extracts key=value pairs from a directive line.
func (p EchoprobeParser) ParseEchoprobeDirective(line string) (map[string]string, error) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
	}
	if !strings.HasPrefix(trimmed, directivePrefix) {
		return nil, fmt.Errorf("directive line must start with '# echoprobe:' or 'echoprobe:': %q", line)
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, directivePrefix))
	if payload == "" {
		return map[string]string{}, nil
	}

	pairs := make(map[string]string)
	for _, token := range strings.Fields(payload) {
		kv := strings.SplitN(token, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid directive token: %q", token)
		}
		pairs[kv[0]] = kv[1]
	}
	return pairs, nil
}

// ParseTargetLine parses "name host:port [transport=tcp|udp] [timeout=dur] [key=value...]".
func (p EchoprobeParser) ParseTargetLine(line string, group string, transport probe.Transport) (TargetConfig, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return TargetConfig{}, fmt.Errorf("invalid target line: %q", line)
	}

	endpoint, err := probe.ParseEndpoint(fields[1])
	if err != nil {
		return TargetConfig{}, err
	}
	if transport == "" {
		transport = probe.TransportStream
	}

	target := TargetConfig{
		Name:      fields[0],
		Endpoint:  endpoint,
		Transport: transport,
		Group:     group,
		Options:   map[string]string{},
	}

	for _, field := range fields[2:] {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return TargetConfig{}, fmt.Errorf("invalid target option: %q", field)
		}
		switch kv[0] {
		case "transport":
			t, err := probe.ParseTransport(kv[1])
			if err != nil {
				return TargetConfig{}, err
			}
			target.Transport = t
		case "timeout":
			d, err := parsePositiveDuration("timeout", kv[1])
			if err != nil {
				return TargetConfig{}, err
			}
			target.Timeout = d
		default:
			target.Options[kv[0]] = kv[1]
		}
	}

	return target, nil
}

func applyDirective(global *GlobalOptions, pairs map[string]string) error {
	for key, val := range pairs {
		switch key {
		case "timeout":
			d, err := parsePositiveDuration(key, val)
			if err != nil {
				return err
			}
			global.Timeout = d
		case "interactive_timeout":
			d, err := parsePositiveDuration(key, val)
			if err != nil {
				return err
			}
			global.InteractiveTimeout = d
		case "connect_timeout":
			d, err := parsePositiveDuration(key, val)
			if err != nil {
				return err
			}
			global.ConnectTimeout = d
		case "interval":
			d, err := parsePositiveDuration(key, val)
			if err != nil {
				return err
			}
			global.Interval = d
		case "delay":
			d, err := time.ParseDuration(val)
			if err != nil || d < 0 {
				return fmt.Errorf("invalid delay: %q", val)
			}
			global.Delay = d
		case "buffer":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid buffer: %q", val)
			}
			global.BufferSize = n
		case "ttl":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 || n > 255 {
				return fmt.Errorf("invalid ttl: %q", val)
			}
			global.TTL = n
		case "transport":
			t, err := probe.ParseTransport(val)
			if err != nil {
				return err
			}
			global.DefaultTransport = t
		case "metrics.mode":
			mode, err := ParseMetricsMode(val)
			if err != nil {
				return err
			}
			global.MetricsMode = mode
		case "metrics.listen":
			global.MetricsListen = normalizeListen(val)
		case "ui.scale":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid ui.scale: %w", err)
			}
			global.UIScale = n
		case "ui.disable":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid ui.disable: %w", err)
			}
			global.UIDisable = b
		case "log.level":
			global.LogLevel = val
		case "report.format":
			format, err := ParseReportFormat(val)
			if err != nil {
				return err
			}
			global.ReportFormat = format
		default:
			// Ignore unknown keys for forward compatibility.
		}
	}
	return nil
}

func applyCLIOverrides(cfg *Config, overrides CLIOverrides) error {
	global := &cfg.Global
	if overrides.Timeout != nil {
		global.Timeout = *overrides.Timeout
	}
	if overrides.InteractiveTimeout != nil {
		global.InteractiveTimeout = *overrides.InteractiveTimeout
	}
	if overrides.Delay != nil {
		global.Delay = *overrides.Delay
	}
	if overrides.ConnectTimeout != nil {
		global.ConnectTimeout = *overrides.ConnectTimeout
	}
	if overrides.Interval != nil {
		global.Interval = *overrides.Interval
	}
	if overrides.BufferSize != nil {
		global.BufferSize = *overrides.BufferSize
	}
	if overrides.TTL != nil {
		global.TTL = *overrides.TTL
	}
	if overrides.MetricsMode != nil {
		global.MetricsMode = *overrides.MetricsMode
	}
	if overrides.MetricsListen != nil {
		global.MetricsListen = normalizeListen(*overrides.MetricsListen)
	}
	if overrides.UIDisable != nil {
		global.UIDisable = *overrides.UIDisable
	}
	if overrides.LogLevel != nil {
		global.LogLevel = *overrides.LogLevel
	}
	if overrides.ReportFormat != nil {
		global.ReportFormat = *overrides.ReportFormat
	}
	for _, text := range overrides.Payloads {
		if text == "" {
			return fmt.Errorf("empty payload")
		}
	}
	if len(overrides.Payloads) > 0 {
		cfg.Payloads = append([]string(nil), overrides.Payloads...)
	}

	if global.Timeout <= 0 || global.InteractiveTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if global.Delay < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	if global.BufferSize <= 0 {
		return fmt.Errorf("buffer must be positive")
	}
	if global.TTL < 0 || global.TTL > 255 {
		return fmt.Errorf("ttl must be between 0 and 255")
	}
	return nil
}

// ParseMetricsMode validates a metrics mode value.
func ParseMetricsMode(val string) (MetricsMode, error) {
	switch val {
	case string(MetricsModePerTarget):
		return MetricsModePerTarget, nil
	case string(MetricsModeAggregated):
		return MetricsModeAggregated, nil
	case string(MetricsModeBoth):
		return MetricsModeBoth, nil
	default:
		return "", fmt.Errorf("invalid metrics.mode: %q", val)
	}
}

// ParseReportFormat validates a report format value.
func ParseReportFormat(val string) (ReportFormat, error) {
	switch ReportFormat(strings.ToLower(val)) {
	case ReportFormatText:
		return ReportFormatText, nil
	case ReportFormatJSON:
		return ReportFormatJSON, nil
	case ReportFormatYAML, "yml":
		return ReportFormatYAML, nil
	default:
		return "", fmt.Errorf("invalid report.format: %q", val)
	}
}

func parsePositiveDuration(key, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func normalizeListen(val string) string {
	if isDigits(val) {
		return ":" + val
	}
	return val
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
