package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/argus-sec/argus/backend/internal/broadcast"
	"github.com/argus-sec/argus/backend/internal/models"
)

// streamMessage is the wire shape of one pushed change.
type streamMessage struct {
	Sequence int64           `json:"sequence"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

type StreamHandler struct {
	hub             *broadcast.Hub
	deliveryTimeout time.Duration
}

func NewStreamHandler(hub *broadcast.Hub, deliveryTimeout time.Duration) *StreamHandler {
	if deliveryTimeout <= 0 {
		deliveryTimeout = 5 * time.Second
	}
	return &StreamHandler{hub: hub, deliveryTimeout: deliveryTimeout}
}

// Stream serves the live update feed over server-sent events. Filters
// come from query params; a reconnecting client passes since (its last
// acknowledged sequence) or resume (its previous subscription id) to get
// gap-free replay. A client that falls behind is told to resync rather
// than silently losing updates.
func (h *StreamHandler) Stream(c *gin.Context) {
	filters := parseFilters(c)
	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)

	var (
		sub    *broadcast.Subscription
		status broadcast.ReplayStatus
		err    error
	)
	if resume := c.Query("resume"); resume != "" {
		sub, status, err = h.hub.Resume(resume)
		if err != nil {
			// Grace period expired; fall back to a fresh subscription.
			sub, status, err = h.hub.Subscribe(filters, since)
		}
	} else {
		sub, status, err = h.hub.Subscribe(filters, since)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscribe failed"})
		return
	}
	defer h.hub.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("control", gin.H{"subscription_id": sub.ID, "replay": status})
	c.Writer.Flush()
	if status == broadcast.ReplaySnapshot {
		// The client must rebuild from the query API before consuming.
		return
	}

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(h.deliveryTimeout)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub.C:
			if !ok {
				return
			}
			wrote := time.Now()
			c.SSEvent("change", streamMessage{
				Sequence: rec.Sequence,
				Kind:     string(rec.Kind),
				Payload:  json.RawMessage(rec.Payload),
			})
			c.Writer.Flush()
			sub.Ack(rec.Sequence)
			if time.Since(wrote) > h.deliveryTimeout {
				// The socket is too slow to keep up. Stop incremental
				// delivery and point the client at its resync position.
				sub.MarkDegraded()
				c.SSEvent("resync", gin.H{"last_delivered_sequence": sub.LastDelivered()})
				c.Writer.Flush()
				return
			}
		case <-heartbeat.C:
			if sub.Degraded() {
				c.SSEvent("resync", gin.H{"last_delivered_sequence": sub.LastDelivered()})
				c.Writer.Flush()
				return
			}
			c.SSEvent("ping", gin.H{"ts": time.Now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}

func parseFilters(c *gin.Context) broadcast.Filters {
	var f broadcast.Filters
	for _, v := range splitParam(c.Query("kinds")) {
		f.Kinds = append(f.Kinds, models.ChangeKind(v))
	}
	for _, v := range splitParam(c.Query("severities")) {
		f.Severities = append(f.Severities, models.Severity(v))
	}
	for _, v := range splitParam(c.Query("sources")) {
		f.Sources = append(f.Sources, models.SourceKind(v))
	}
	f.Categories = splitParam(c.Query("categories"))
	return f
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
