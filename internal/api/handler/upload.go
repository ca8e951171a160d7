package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/storage"
)

// multipart framing on top of the file itself
const multipartOverhead = 1 << 20

// UploadHandler accepts source images for video jobs.
type UploadHandler struct {
	uploads *storage.UploadService
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(uploads *storage.UploadService) *UploadHandler {
	return &UploadHandler{uploads: uploads}
}

// Upload handles POST /api/v1/uploads with a multipart "file" field.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response with the public URL).
func (h *UploadHandler) Upload(c *gin.Context) {
	if h.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Uploads are not configured"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploads.MaxSize()+multipartOverhead)
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload: " + err.Error()})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload: " + err.Error()})
		return
	}
	defer f.Close()

	up, err := h.uploads.Upload(c.Request.Context(), middleware.OwnerID(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, up)
}
