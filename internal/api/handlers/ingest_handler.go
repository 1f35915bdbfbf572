package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/argus-sec/argus/backend/internal/ingest"
	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/normalize"
)

// maxIngestBody caps a single pushed record.
const maxIngestBody = 1 << 20

type IngestHandler struct {
	ingestor *ingest.Ingestor
}

func NewIngestHandler(ingestor *ingest.Ingestor) *IngestHandler {
	return &IngestHandler{ingestor: ingestor}
}

// Push accepts one raw record for the source kind in the path. Malformed
// records get a 422 carrying the normalization error; the stream itself
// is never interrupted.
func (h *IngestHandler) Push(c *gin.Context) {
	kind := models.SourceKind(c.Param("source"))

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}

	id, err := h.ingestor.Ingest(kind, payload)
	if err != nil {
		var nerr *normalize.NormalizationError
		if errors.As(err, &nerr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":              "normalization failed",
				"reason":             nerr.Reason,
				"offending_fragment": nerr.Fragment,
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"event_id": id})
}
