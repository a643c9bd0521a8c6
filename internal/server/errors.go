package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/sharelinks"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/users"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/validation"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type apiError struct {
	status  int
	slug    string
	message string
}

// classify maps service errors onto HTTP responses.
func classify(err error) apiError {
	switch {
	case errors.Is(err, sharelinks.ErrLinkNotFound):
		return apiError{http.StatusNotFound, "invalid_link", "invalid link"}
	case errors.Is(err, sharelinks.ErrLinkExpired):
		return apiError{http.StatusGone, "link_expired", "link expired"}
	case errors.Is(err, sharelinks.ErrPersistence):
		return apiError{http.StatusServiceUnavailable, "temporarily_unavailable", "please retry shortly"}
	case errors.Is(err, authz.ErrForbidden):
		return apiError{http.StatusForbidden, "forbidden", "access denied"}
	case errors.Is(err, clients.ErrClientNotFound):
		return apiError{http.StatusNotFound, "client_not_found", "client not found"}
	case errors.Is(err, measurements.ErrMeasurementNotFound):
		return apiError{http.StatusNotFound, "measurement_not_found", "measurement not found"}
	case errors.Is(err, users.ErrUserNotFound):
		return apiError{http.StatusNotFound, "user_not_found", "user not found"}
	case errors.Is(err, users.ErrInvalidCredentials), errors.Is(err, users.ErrInvalidIdentity):
		return apiError{http.StatusUnauthorized, "unauthorized", "invalid credentials"}
	case errors.Is(err, users.ErrEmailTaken):
		return apiError{http.StatusConflict, "email_taken", "email already registered"}
	case errors.Is(err, users.ErrInvalidEmail),
		errors.Is(err, users.ErrInvalidUnit),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong):
		return apiError{http.StatusBadRequest, "invalid_request", err.Error()}
	default:
		return apiError{http.StatusInternalServerError, "internal_error", "internal error"}
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	var requestErr *validation.RequestValidationError
	if errors.As(err, &requestErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid_request",
			"fields": requestErr.Fields(),
		})
		return
	}

	mapped := classify(err)
	if mapped.status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("code", serviceerror.Code(err)),
			zap.Error(err),
		)
	}
	_ = c.Error(err)

	body := gin.H{"error": mapped.slug, "message": mapped.message}
	if code := serviceerror.Code(err); code != "" {
		body["code"] = code
	}
	c.JSON(mapped.status, body)
}

func (h *httpHandler) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}
