package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/middleware"
	"ridedispatch/internal/service"
)

// DriverHandler handles HTTP requests for drivers.
type DriverHandler struct {
	driverService *service.DriverService
}

// NewDriverHandler creates a new DriverHandler.
func NewDriverHandler(driverService *service.DriverService) *DriverHandler {
	return &DriverHandler{driverService: driverService}
}

// UpdatePresenceRequest is the HTTP request body for a driver heartbeat.
type UpdatePresenceRequest struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Heading     float64 `json:"heading"`
	Speed       float64 `json:"speed"`
	IsOnline    *bool   `json:"is_online"`
	IsAvailable *bool   `json:"is_available"`
}

// OffersResponse lists a driver's live offers.
type OffersResponse struct {
	Offers []domain.IncomingOffer `json:"offers"`
}

// UpdatePresence handles POST /v1/drivers/presence
func (h *DriverHandler) UpdatePresence(c *gin.Context) {
	claims, _ := middleware.ClaimsFromContext(c)

	var req UpdatePresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	// Omitted flags mean online and available.
	meta := domain.PresenceMeta{
		Heading:     req.Heading,
		Speed:       req.Speed,
		IsOnline:    req.IsOnline == nil || *req.IsOnline,
		IsAvailable: req.IsAvailable == nil || *req.IsAvailable,
	}

	err := h.driverService.UpdateDriverPresence(c.Request.Context(), service.UpdatePresenceRequest{
		DriverID:    claims.UserID,
		Coordinates: domain.Coordinates{Lat: req.Lat, Lon: req.Lon},
		Meta:        meta,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusAccepted)
}

// ListOffers handles GET /v1/drivers/:id/offers
func (h *DriverHandler) ListOffers(c *gin.Context) {
	claims, _ := middleware.ClaimsFromContext(c)

	driverID := c.Param("id")
	if driverID != claims.UserID {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "forbidden"})
		return
	}

	offers, err := h.driverService.ListOffers(c.Request.Context(), driverID)
	if err != nil {
		respondError(c, err)
		return
	}
	if offers == nil {
		offers = []domain.IncomingOffer{}
	}

	respondJSON(c, http.StatusOK, OffersResponse{Offers: offers})
}
