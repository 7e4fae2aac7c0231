package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/middleware"
	"ridedispatch/internal/service"
)

// TripHandler handles HTTP requests for trips.
type TripHandler struct {
	tripService *service.TripService
}

// NewTripHandler creates a new TripHandler.
func NewTripHandler(tripService *service.TripService) *TripHandler {
	return &TripHandler{tripService: tripService}
}

// RequestRideRequest is the HTTP request body for requesting a ride.
type RequestRideRequest struct {
	Pickup        domain.Location `json:"pickup"`
	Destination   domain.Location `json:"destination"`
	Pricing       json.RawMessage `json:"pricing"`
	PaymentMethod string          `json:"payment_method"`
}

// CancelTripRequest is the HTTP request body for cancelling a trip.
type CancelTripRequest struct {
	Reason string `json:"reason"`
}

// LifecycleEventRequest is the HTTP request body for a driver progress event.
type LifecycleEventRequest struct {
	Event string `json:"event"`
}

// RequestRide handles POST /v1/trips
func (h *TripHandler) RequestRide(c *gin.Context) {
	claims, _ := middleware.ClaimsFromContext(c)

	var req RequestRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	trip, err := h.tripService.RequestRide(c.Request.Context(), service.RequestRideRequest{
		CustomerID:    claims.UserID,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		Pricing:       req.Pricing,
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, trip)
}

// GetTrip handles GET /v1/trips/:id
func (h *TripHandler) GetTrip(c *gin.Context) {
	claims, _ := middleware.ClaimsFromContext(c)

	trip, err := h.tripService.GetTrip(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if trip.CustomerID != claims.UserID && trip.DriverID != claims.UserID {
		respondError(c, service.ErrNotTripParticipant)
		return
	}

	respondJSON(c, http.StatusOK, trip)
}

// CancelTrip handles POST /v1/trips/:id/cancel
func (h *TripHandler) CancelTrip(c *gin.Context) {
	claims, _ := middleware.ClaimsFromContext(c)

	var req CancelTripRequest
	// Body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
			return
		}
	}

	actor := domain.CancelActorCustomer
	if claims.Role == domain.RoleDriver {
		actor = domain.CancelActorDriver
	}

	trip, err := h.tripService.CancelTrip(c.Request.Context(), service.CancelTripRequest{
		TripID:  c.Param("id"),
		ActorID: claims.UserID,
		Actor:   actor,
		Reason:  req.Reason,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, trip)
}

// AcceptOffer handles POST /v1/trips/:id/accept
func (h *TripHandler) AcceptOffer(c *gin.Context) {
	claims, _ := middleware.ClaimsFromContext(c)

	trip, err := h.tripService.AcceptOffer(c.Request.Context(), service.OfferRequest{
		TripID:   c.Param("id"),
		DriverID: claims.UserID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, trip)
}

// RejectOffer handles POST /v1/trips/:id/reject
func (h *TripHandler) RejectOffer(c *gin.Context) {
	claims, _ := middleware.ClaimsFromContext(c)

	err := h.tripService.RejectOffer(c.Request.Context(), service.OfferRequest{
		TripID:   c.Param("id"),
		DriverID: claims.UserID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ReportLifecycleEvent handles POST /v1/trips/:id/events
func (h *TripHandler) ReportLifecycleEvent(c *gin.Context) {
	claims, _ := middleware.ClaimsFromContext(c)

	var req LifecycleEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	trip, err := h.tripService.ReportDriverLifecycleEvent(c.Request.Context(), service.LifecycleEventRequest{
		TripID:   c.Param("id"),
		DriverID: claims.UserID,
		Event:    domain.LifecycleEvent(req.Event),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, trip)
}
