package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/probe"
)

// Mode selects how payloads reach the probe.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeBatch       Mode = "batch"
)

// ParseMode accepts a mode name or its menu digit.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interactive", "1":
		return ModeInteractive, nil
	case "batch", "auto", "2":
		return ModeBatch, nil
	default:
		return "", fmt.Errorf("invalid mode: %q (valid values: interactive, batch)", s)
	}
}

// MenuChoice maps the operator's menu answer to a mode. Only "2" selects
// the batch run; any other answer starts an interactive session.
func MenuChoice(answer string) Mode {
	if strings.TrimSpace(answer) == "2" {
		return ModeBatch
	}
	return ModeInteractive
}

// OptionalDuration records a duration flag and whether it was set.
type OptionalDuration struct {
	value time.Duration
	set   bool
}

func (o *OptionalDuration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	o.value = v
	o.set = true
	return nil
}

func (o *OptionalDuration) String() string {
	if !o.set {
		return ""
	}
	return o.value.String()
}

func (o *OptionalDuration) Value() (time.Duration, bool) {
	return o.value, o.set
}

// OptionalInt records an int flag and whether it was set.
type OptionalInt struct {
	value int
	set   bool
}

func (o *OptionalInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	o.value = v
	o.set = true
	return nil
}

func (o *OptionalInt) String() string {
	if !o.set {
		return ""
	}
	return strconv.Itoa(o.value)
}

func (o *OptionalInt) Value() (int, bool) {
	return o.value, o.set
}

// OptionalString records a string flag and whether it was set.
type OptionalString struct {
	value string
	set   bool
}

func (o *OptionalString) Set(s string) error {
	o.value = s
	o.set = true
	return nil
}

func (o *OptionalString) String() string {
	if !o.set {
		return ""
	}
	return o.value
}

func (o *OptionalString) Value() (string, bool) {
	return o.value, o.set
}

// OptionalBool records a bool flag and whether it was set.
type OptionalBool struct {
	value bool
	set   bool
}

func (o *OptionalBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	o.value = v
	o.set = true
	return nil
}

func (o *OptionalBool) String() string {
	if !o.set {
		return ""
	}
	return strconv.FormatBool(o.value)
}

func (o *OptionalBool) IsBoolFlag() bool {
	return true
}

func (o *OptionalBool) Value() (bool, bool) {
	return o.value, o.set
}

// OptionalMetricsMode records a metrics mode flag and whether it was set.
type OptionalMetricsMode struct {
	value config.MetricsMode
	set   bool
}

func (o *OptionalMetricsMode) Set(s string) error {
	mode, err := config.ParseMetricsMode(s)
	if err != nil {
		return fmt.Errorf("invalid metrics mode: %q (valid values: per-target, aggregated, both)", s)
	}
	o.value = mode
	o.set = true
	return nil
}

func (o *OptionalMetricsMode) String() string {
	if !o.set {
		return ""
	}
	return string(o.value)
}

func (o *OptionalMetricsMode) Value() (config.MetricsMode, bool) {
	return o.value, o.set
}

// OptionalReportFormat records a report format flag and whether it was set.
type OptionalReportFormat struct {
	value config.ReportFormat
	set   bool
}

func (o *OptionalReportFormat) Set(s string) error {
	format, err := config.ParseReportFormat(s)
	if err != nil {
		return fmt.Errorf("invalid report format: %q (valid values: text, json, yaml)", s)
	}
	o.value = format
	o.set = true
	return nil
}

func (o *OptionalReportFormat) String() string {
	if !o.set {
		return ""
	}
	return string(o.value)
}

func (o *OptionalReportFormat) Value() (config.ReportFormat, bool) {
	return o.value, o.set
}

// OptionalTransport records a transport flag and whether it was set.
type OptionalTransport struct {
	value probe.Transport
	set   bool
}

func (o *OptionalTransport) Set(s string) error {
	t, err := probe.ParseTransport(s)
	if err != nil {
		return err
	}
	o.value = t
	o.set = true
	return nil
}

func (o *OptionalTransport) String() string {
	if !o.set {
		return ""
	}
	return string(o.value)
}

func (o *OptionalTransport) Value() (probe.Transport, bool) {
	return o.value, o.set
}

// OptionalMode records a run mode flag and whether it was set.
type OptionalMode struct {
	value Mode
	set   bool
}

func (o *OptionalMode) Set(s string) error {
	m, err := ParseMode(s)
	if err != nil {
		return err
	}
	o.value = m
	o.set = true
	return nil
}

func (o *OptionalMode) String() string {
	if !o.set {
		return ""
	}
	return string(o.value)
}

func (o *OptionalMode) Value() (Mode, bool) {
	return o.value, o.set
}

// StringList collects a repeatable string flag in order.
type StringList struct {
	values []string
}

func (l *StringList) Set(s string) error {
	if s == "" {
		return fmt.Errorf("empty value")
	}
	l.values = append(l.values, s)
	return nil
}

func (l *StringList) String() string {
	return strings.Join(l.values, ",")
}

func (l *StringList) Values() []string {
	return append([]string(nil), l.values...)
}
