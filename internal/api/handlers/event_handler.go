package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/store"
)

type EventHandler struct {
	store *store.Store
}

func NewEventHandler(st *store.Store) *EventHandler {
	return &EventHandler{store: st}
}

// List returns events after the cursor, oldest first. The response
// carries the next cursor so dashboards can page forward.
func (h *EventHandler) List(c *gin.Context) {
	cursor, _ := strconv.ParseInt(c.DefaultQuery("cursor", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	minScore, _ := strconv.ParseFloat(c.DefaultQuery("min_score", "0"), 64)

	filter := store.EventFilter{
		Source:    models.SourceKind(c.Query("source")),
		Severity:  models.Severity(c.Query("severity")),
		StreamKey: c.Query("stream_key"),
		MinScore:  minScore,
	}

	events, err := h.store.ListEvents(filter, cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
		return
	}

	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next_cursor": next})
}

// Get returns a single event by ID.
func (h *EventHandler) Get(c *gin.Context) {
	event, err := h.store.GetEvent(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get event"})
		return
	}
	c.JSON(http.StatusOK, event)
}
