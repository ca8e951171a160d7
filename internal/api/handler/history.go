package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// HistoryHandler exposes the owner's confirmed results.
type HistoryHandler struct {
	jobs *service.JobService
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(jobs *service.JobService) *HistoryHandler {
	return &HistoryHandler{jobs: jobs}
}

// List handles GET /api/v1/history?page=&limit=.
// Every call is a full refresh from the history store.
func (h *HistoryHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if limit > 100 {
		limit = 100
	}

	result, err := h.jobs.History(c.Request.Context(), middleware.OwnerID(c), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Delete handles DELETE /api/v1/history/:id. The id may be a server entry id
// or the correlation key of a job whose entry is still being saved.
func (h *HistoryHandler) Delete(c *gin.Context) {
	if err := h.jobs.DeleteHistory(c.Request.Context(), middleware.OwnerID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Export handles GET /api/v1/history/export.
func (h *HistoryHandler) Export(c *gin.Context) {
	data, err := h.jobs.ExportHistory(c.Request.Context(), middleware.OwnerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="history.xlsx"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}
