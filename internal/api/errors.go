package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
	"github.com/cryo-specimen-server/internal/middleware"
)

// statusFor maps the failure taxonomy onto HTTP status codes
func statusFor(code string) int {
	switch code {
	case domain.ErrValidation, domain.ErrTypeMismatch, domain.ErrNotASlot, domain.ErrWitnessConflict:
		return http.StatusUnprocessableEntity
	case domain.ErrIllegalTransition, domain.ErrSlotOccupied:
		return http.StatusConflict
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrTransientIO:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as an APIError envelope
func (s *Server) respondError(c *gin.Context, err error) {
	correlationID := c.GetString(middleware.CorrelationIDKey)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = &domain.TransientIOError{Op: "request", Err: err}
	}

	code := domain.ErrorCode(err)
	status := statusFor(code)
	var apiErr *domain.APIError

	if status == http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{
			"correlation_id": correlationID,
			"path":           c.Request.URL.Path,
		}).WithError(err).Error("Request failed")
		apiErr = domain.NewAPIError(domain.ErrInternalServer, "internal server error", "", correlationID)
	} else {
		apiErr = domain.NewAPIError(code, err.Error(), details(err), correlationID)
		apiErr.Fields = domain.ErrorFields(err)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, apiErr)
}

// details lists every field error of a multi-field validation failure
func details(err error) string {
	var list domain.ValidationErrors
	if !errors.As(err, &list) || len(list) < 2 {
		return ""
	}
	parts := make([]string, 0, len(list))
	for _, v := range list {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return strings.Join(parts, "; ")
}

// bind decodes the JSON body, reporting malformed input as a ValidationError
func bind(c *gin.Context, target interface{}) error {
	if err := c.ShouldBindJSON(target); err != nil {
		return domain.NewValidationError("body", fmt.Sprintf("malformed request body: %v", err), nil)
	}
	return nil
}
