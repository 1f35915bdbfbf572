package services

import (
	"fmt"

	"github.com/containrrr/shoutrrr"

	"github.com/argus-sec/argus/backend/internal/logger"
	"github.com/argus-sec/argus/backend/internal/models"
)

// Notifier pushes high-impact alerts to external channels (Discord,
// Slack, email, webhooks) through shoutrrr URLs. Dispatch is best-effort
// and asynchronous; a dead channel never slows the pipeline.
type Notifier struct {
	urls        []string
	minSeverity models.Severity
}

// NewNotifier builds a notifier for the configured provider URLs.
func NewNotifier(urls []string) *Notifier {
	return &Notifier{urls: urls, minSeverity: models.SeverityHigh}
}

// AlertSink adapts the notifier to the correlation engine's sink hook.
func (n *Notifier) AlertSink(alert models.Alert) {
	if len(n.urls) == 0 {
		return
	}
	if alert.Severity.Rank() < n.minSeverity.Rank() {
		return
	}
	go n.send(alert)
}

func (n *Notifier) send(alert models.Alert) {
	message := fmt.Sprintf("[%s] %s\nKey: %s\nConfidence: %d%%\nEvidence: %d",
		alert.Severity, alert.Name, alert.CorrelationKey, alert.Confidence, alert.EvidenceCount)

	for _, url := range n.urls {
		if err := shoutrrr.Send(url, message); err != nil {
			logger.WithComponent("notifier").WithError(err).Warn("alert notification failed")
		}
	}
}
