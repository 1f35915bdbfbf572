package broadcast

import "github.com/argus-sec/argus/backend/internal/models"

// Filters narrow the change feed a subscription receives. Empty slices
// match everything, so a zero Filters value subscribes to the firehose.
type Filters struct {
	Kinds      []models.ChangeKind `json:"kinds,omitempty"`
	Severities []models.Severity   `json:"severities,omitempty"`
	Sources    []models.SourceKind `json:"sources,omitempty"`
	Categories []string            `json:"categories,omitempty"`
}

// Match reports whether a change record passes the filters.
func (f Filters) Match(rec models.ChangeRecord) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, rec.Kind) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, rec.Severity) {
		return false
	}
	if len(f.Sources) > 0 && !containsSource(f.Sources, rec.Source) {
		return false
	}
	if len(f.Categories) > 0 && !containsString(f.Categories, rec.Category) {
		return false
	}
	return true
}

func containsKind(list []models.ChangeKind, v models.ChangeKind) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []models.Severity, v models.Severity) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsSource(list []models.SourceKind, v models.SourceKind) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
