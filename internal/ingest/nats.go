package ingest

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/backend/internal/logger"
	"github.com/argus-sec/argus/backend/internal/models"
)

const (
	natsConnectTimeout = 10 * time.Second
	natsMaxReconnects  = -1 // keep trying; collectors outlive broker restarts
	natsReconnectWait  = 5 * time.Second
)

// NATSSource subscribes to a broker subject and feeds received records
// into the ingestor. Agents publish raw payloads to <subject>.<kind>,
// e.g. argus.events.raw.log.
type NATSSource struct {
	conn *nats.Conn
	subs []*nats.Subscription
}

// NewNATSSource connects and subscribes one consumer per source kind.
func NewNATSSource(url, subject string, ing *Ingestor) (*NATSSource, error) {
	log := logger.WithComponent("nats")

	conn, err := nats.Connect(url,
		nats.Timeout(natsConnectTimeout),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("broker disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("broker reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}

	src := &NATSSource{conn: conn}
	for _, kind := range []models.SourceKind{models.SourceLog, models.SourceNetwork, models.SourceScan} {
		kind := kind
		sub, err := conn.Subscribe(fmt.Sprintf("%s.%s", subject, kind), func(msg *nats.Msg) {
			if _, err := ing.Ingest(kind, msg.Data); err != nil {
				log.WithError(err).WithField("source", kind).Debug("dropped broker record")
			}
		})
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("subscribe %s.%s: %w", subject, kind, err)
		}
		src.subs = append(src.subs, sub)
	}

	log.WithFields(map[string]interface{}{"url": url, "subject": subject}).Info("broker source attached")
	return src, nil
}

// Close drains the subscriptions and the connection.
func (s *NATSSource) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
