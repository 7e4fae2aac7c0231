package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/repository"
	"ridedispatch/internal/service"
)

func TestMapErrorToHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"repository not found", repository.ErrNotFound, http.StatusNotFound},
		{"trip not found", service.ErrTripNotFound, http.StatusNotFound},
		{"offer not found", service.ErrOfferNotFound, http.StatusNotFound},
		{"invalid pickup", service.ErrInvalidPickupLocation, http.StatusBadRequest},
		{"invalid lifecycle event", service.ErrInvalidLifecycleEvent, http.StatusBadRequest},
		{"race lost", service.ErrRaceLost, http.StatusConflict},
		{"offer expired", service.ErrOfferExpired, http.StatusConflict},
		{"duplicate trip", fmt.Errorf("%w: trip t1", repository.ErrDuplicate), http.StatusConflict},
		{"wrapped transition", fmt.Errorf("accept: %w", domain.ErrInvalidTransition), http.StatusConflict},
		{"not assigned", service.ErrDriverNotAssigned, http.StatusForbidden},
		{"not participant", service.ErrNotTripParticipant, http.StatusForbidden},
		{"dependency down", fmt.Errorf("find nearby: %w: %w", service.ErrDependencyUnavailable, errors.New("dial tcp")), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapErrorToHTTPStatus(tt.err); got != tt.want {
				t.Errorf("mapErrorToHTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
