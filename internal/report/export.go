package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/probe"
)

// TrialReport is the exported view of one probe.Result.
type TrialReport struct {
	Index   int     `json:"index" yaml:"index"`
	Payload string  `json:"payload" yaml:"payload"`
	Reply   string  `json:"reply,omitempty" yaml:"reply,omitempty"`
	Outcome string  `json:"outcome" yaml:"outcome"`
	Passed  bool    `json:"passed" yaml:"passed"`
	RTTMs   float64 `json:"rtt_ms" yaml:"rtt_ms"`
	Error   string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// TargetReport collects the batch results for one target.
type TargetReport struct {
	Target    string        `json:"target" yaml:"target"`
	Address   string        `json:"address" yaml:"address"`
	Transport string        `json:"transport" yaml:"transport"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Trials    []TrialReport `json:"trials" yaml:"trials"`
}

// Counts tallies a report by outcome.
type Counts struct {
	Passed   int `json:"passed" yaml:"passed"`
	Mismatch int `json:"mismatch" yaml:"mismatch"`
	Timeout  int `json:"timeout" yaml:"timeout"`
	Errors   int `json:"errors" yaml:"errors"`
}

// NewTargetReport builds a report from batch results. err is the run error,
// typically a *probe.ConnectError, and may be nil.
func NewTargetReport(target probe.Target, results []probe.Result, err error) TargetReport {
	r := TargetReport{
		Target:    target.Name,
		Address:   target.Endpoint.Address(),
		Transport: string(target.Transport),
		Trials:    make([]TrialReport, 0, len(results)),
	}
	if err != nil {
		r.Error = err.Error()
	}
	for i, res := range results {
		trial := TrialReport{
			Index:   i + 1,
			Payload: display(res.Payload),
			Outcome: res.Outcome(),
			Passed:  res.Passed(),
			RTTMs:   float64(res.RTT.Microseconds()) / 1000,
		}
		if res.Reply != nil {
			trial.Reply = display(res.Reply)
		}
		if res.Err != nil {
			trial.Error = res.Err.Error()
		}
		r.Trials = append(r.Trials, trial)
	}
	return r
}

func (r TargetReport) Counts() Counts {
	var c Counts
	for _, t := range r.Trials {
		switch {
		case t.Passed:
			c.Passed++
		case t.Outcome == "mismatch":
			c.Mismatch++
		case t.Outcome == string(probe.KindTimeout):
			c.Timeout++
		default:
			c.Errors++
		}
	}
	return c
}

func (r TargetReport) label() string {
	if r.Target == "" {
		return fmt.Sprintf("%s://%s", r.Transport, r.Address)
	}
	return fmt.Sprintf("%s (%s://%s)", r.Target, r.Transport, r.Address)
}

type exportDocument struct {
	Targets []exportTarget `json:"targets" yaml:"targets"`
}

type exportTarget struct {
	TargetReport `yaml:",inline"`
	Summary      Counts `json:"summary" yaml:"summary"`
}

// Export writes reports in the requested format.
func Export(w io.Writer, format config.ReportFormat, reports []TargetReport) error {
	doc := exportDocument{Targets: make([]exportTarget, 0, len(reports))}
	for _, r := range reports {
		doc.Targets = append(doc.Targets, exportTarget{TargetReport: r, Summary: r.Counts()})
	}

	switch format {
	case config.ReportFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case config.ReportFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case config.ReportFormatText, "":
		return exportText(w, reports)
	default:
		return fmt.Errorf("unsupported report format: %q", format)
	}
}

func exportText(w io.Writer, reports []TargetReport) error {
	var b strings.Builder
	for _, r := range reports {
		c := r.Counts()
		fmt.Fprintf(&b, "%s: %d/%d passed", r.label(), c.Passed, len(r.Trials))
		if r.Error != "" {
			fmt.Fprintf(&b, " (error: %s)", r.Error)
		}
		b.WriteString("\n")
		for _, t := range r.Trials {
			fmt.Fprintf(&b, "  %d. %-14s %8.3fms  %s", t.Index, t.Outcome, t.RTTMs, Preview(t.Payload))
			if t.Error != "" {
				fmt.Fprintf(&b, "  [%s]", t.Error)
			}
			b.WriteString("\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
