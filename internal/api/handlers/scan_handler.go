package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/scans"
	"github.com/argus-sec/argus/backend/internal/store"
)

type ScanHandler struct {
	orchestrator *scans.Orchestrator
	store        *store.Store
}

func NewScanHandler(orchestrator *scans.Orchestrator, st *store.Store) *ScanHandler {
	return &ScanHandler{orchestrator: orchestrator, store: st}
}

type scheduleRequest struct {
	Type   models.ScanType `json:"type" binding:"required"`
	Target string          `json:"target" binding:"required"`
	Start  bool            `json:"start"`
}

// Schedule creates a new scan, optionally starting it immediately.
func (h *ScanHandler) Schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.orchestrator.Schedule(req.Type, req.Target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Start {
		if err := h.orchestrator.Start(id); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "scan_id": id})
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"scan_id": id})
}

// Start moves a pending scan to running.
func (h *ScanHandler) Start(c *gin.Context) {
	if err := h.orchestrator.Start(c.Param("id")); err != nil {
		h.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "scan started"})
}

type tickRequest struct {
	ProgressDelta int              `json:"progress_delta"`
	Findings      []models.Finding `json:"findings"`
}

// Tick advances a running scan's progress and appends findings. Driven
// by the external scanner executing the work.
func (h *ScanHandler) Tick(c *gin.Context) {
	var req tickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.orchestrator.Tick(c.Param("id"), req.ProgressDelta, req.Findings); err != nil {
		h.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "tick applied"})
}

// Cancel requests best-effort cancellation; cancelling a finished scan
// is an idempotent no-op.
func (h *ScanHandler) Cancel(c *gin.Context) {
	if err := h.orchestrator.Cancel(c.Param("id")); err != nil {
		h.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancellation requested"})
}

// Get returns a scan with its findings.
func (h *ScanHandler) Get(c *gin.Context) {
	scan, err := h.store.GetScan(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get scan"})
		return
	}
	c.JSON(http.StatusOK, scan)
}

// List returns scans newest first.
func (h *ScanHandler) List(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	list, err := h.store.ListScans(models.ScanStatus(c.Query("status")), offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list scans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": list})
}

// Findings returns the findings owned by a scan.
func (h *ScanHandler) Findings(c *gin.Context) {
	findings, err := h.store.ListFindings(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list findings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"findings": findings})
}

func (h *ScanHandler) transitionError(c *gin.Context, err error) {
	var terr *scans.TransitionError
	switch {
	case errors.Is(err, scans.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
	case errors.As(err, &terr):
		c.JSON(http.StatusConflict, gin.H{"error": terr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
