package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
	"ridedispatch/internal/service"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError sends an error response with the appropriate HTTP status code.
// Internal failures are not echoed to the client.
func respondError(c *gin.Context, err error) {
	code := mapErrorToHTTPStatus(err)
	_ = c.Error(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(code, ErrorResponse{Error: msg})
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

// mapErrorToHTTPStatus maps service/repository errors to HTTP status codes.
func mapErrorToHTTPStatus(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, service.ErrTripNotFound),
		errors.Is(err, service.ErrOfferNotFound):
		return http.StatusNotFound

	// Validation errors - Bad Request
	case errors.Is(err, service.ErrInvalidCustomerID),
		errors.Is(err, service.ErrInvalidDriverID),
		errors.Is(err, service.ErrInvalidTripID),
		errors.Is(err, service.ErrInvalidPickupLocation),
		errors.Is(err, service.ErrInvalidDestinationLocation),
		errors.Is(err, service.ErrInvalidLocation),
		errors.Is(err, service.ErrInvalidPaymentMethod),
		errors.Is(err, service.ErrInvalidPricing),
		errors.Is(err, service.ErrInvalidLifecycleEvent),
		errors.Is(err, service.ErrInvalidCancelActor):
		return http.StatusBadRequest

	// Conflict errors
	case errors.Is(err, service.ErrRaceLost),
		errors.Is(err, service.ErrOfferExpired),
		errors.Is(err, repository.ErrDuplicate),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict

	// Forbidden
	case errors.Is(err, service.ErrDriverNotAssigned),
		errors.Is(err, service.ErrNotTripParticipant):
		return http.StatusForbidden

	// Service unavailable
	case errors.Is(err, service.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
