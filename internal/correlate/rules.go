package correlate

import (
	"time"

	"github.com/argus-sec/argus/backend/internal/models"
)

// Input is one piece of evidence entering the engine: a scored event or
// a finding, reduced to the fields rules aggregate over.
type Input struct {
	ID         string
	Key        string // correlation key: target for findings, stream key for events
	Source     models.SourceKind
	Severity   models.Severity
	Score      float64
	Timestamp  time.Time
	Indicators []string
}

// Rule is a predicate plus an aggregation threshold over the sliding
// window of a correlation key. It fires when at least Threshold matching
// inputs are present in the window.
type Rule struct {
	ID        string
	Name      string
	Category  string
	Threshold int
	Predicate func(Input) bool
}

// DefaultRules is the correlation rule set shipped with the pipeline.
// Deployments register additional rules through Engine.Register.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        "repeated-high-severity",
			Name:      "Repeated high-severity activity",
			Category:  "burst",
			Threshold: 3,
			Predicate: func(in Input) bool {
				return in.Severity.Rank() >= models.SeverityHigh.Rank()
			},
		},
		{
			ID:        "critical-signal",
			Name:      "Critical security signal",
			Category:  "critical",
			Threshold: 1,
			Predicate: func(in Input) bool {
				return in.Severity == models.SeverityCritical
			},
		},
		{
			ID:        "anomaly-spike",
			Name:      "Sustained anomalous behavior",
			Category:  "anomaly",
			Threshold: 3,
			Predicate: func(in Input) bool {
				return in.Score >= 0.8
			},
		},
	}
}
