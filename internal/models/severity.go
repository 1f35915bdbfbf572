package models

// Severity ranks findings, events and alerts.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric order of a severity; unknown labels rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether the label is one of the four known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the higher-ranked of a and b. Ties keep b, so callers
// feeding contributors in arrival order end up with the most recent label.
func MaxSeverity(a, b Severity) Severity {
	if a.Rank() > b.Rank() {
		return a
	}
	return b
}
