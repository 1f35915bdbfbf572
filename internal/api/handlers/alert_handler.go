package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/argus-sec/argus/backend/internal/correlate"
	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/store"
)

type AlertHandler struct {
	engine *correlate.Engine
	store  *store.Store
}

func NewAlertHandler(engine *correlate.Engine, st *store.Store) *AlertHandler {
	return &AlertHandler{engine: engine, store: st}
}

// List returns alerts most recently seen first.
func (h *AlertHandler) List(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	filter := store.AlertFilter{
		Status:   models.AlertStatus(c.Query("status")),
		Severity: models.Severity(c.Query("severity")),
		Category: c.Query("category"),
	}

	alerts, err := h.store.ListAlerts(filter, offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// Get returns a single alert by ID.
func (h *AlertHandler) Get(c *gin.Context) {
	alert, err := h.store.GetAlert(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alert"})
		return
	}
	c.JSON(http.StatusOK, alert)
}

type statusRequest struct {
	Status models.AlertStatus `json:"status" binding:"required"`
}

// SetStatus applies an operator status change (investigate, resolve).
func (h *AlertHandler) SetStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert, err := h.engine.SetStatus(c.Param("id"), req.Status)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		case errors.Is(err, correlate.ErrBackwardTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, alert)
}
