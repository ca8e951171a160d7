package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

// respondError maps domain errors to status codes and writes {"error": ...}.
func respondError(c *gin.Context, err error) {
	var (
		validation   *domain.ValidationError
		insufficient *domain.InsufficientResourceError
		provider     *domain.ProviderFailure
	)
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body["field"] = validation.Field
	case errors.Is(err, domain.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.As(err, &insufficient):
		status = http.StatusPaymentRequired
		body["required"] = insufficient.Required
		body["available"] = insufficient.Available
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrJobInactive):
		status = http.StatusConflict
	case errors.As(err, &provider):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		middleware.GetLogger(c).WithError(err).Error("Request failed")
		body["request_id"] = logger.GetRequestID(c.Request.Context())
	}
	_ = c.Error(err)
	c.JSON(status, body)
}
