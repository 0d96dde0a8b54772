package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rbs.io/buffer/internal/domain"
	apperrors "rbs.io/buffer/internal/pkg/errors"
)

// FlightAccepted is returned when a flight has been submitted.
type FlightAccepted struct {
	FlightID   string              `json:"flight_id"`
	Type       string              `json:"type"`
	Status     domain.FlightStatus `json:"status"`
	ResourceID string              `json:"resource_id"`
}

func accepted(c *gin.Context, f *domain.Flight) {
	c.Header("Location", "/api/v1/flights/"+f.ID)
	c.JSON(http.StatusAccepted, FlightAccepted{
		FlightID:   f.ID,
		Type:       f.Type,
		Status:     f.Status,
		ResourceID: f.ResourceID(),
	})
}

// CreateResource handles POST /pools/:pool_id/resources. It submits a
// create flight outside the reconciler's schedule.
func (s *Server) CreateResource(c *gin.Context) {
	f, err := s.submitter.SubmitCreate(c.Request.Context(), c.Param("pool_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	accepted(c, f)
}

// GetResource handles GET /resources/:resource_id.
func (s *Server) GetResource(c *gin.Context) {
	id := c.Param("resource_id")
	r, err := s.resources.GetResource(c.Request.Context(), id)
	if errors.Is(err, apperrors.ErrNotFound) {
		_ = c.Error(apperrors.ErrResourceNotFoundf(id))
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// DeleteResource handles DELETE /resources/:resource_id.
func (s *Server) DeleteResource(c *gin.Context) {
	f, err := s.submitter.SubmitDeleteResource(c.Request.Context(), c.Param("resource_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	accepted(c, f)
}

// GetFlight handles GET /flights/:flight_id.
func (s *Server) GetFlight(c *gin.Context) {
	f, err := s.flights.GetFlightState(c.Request.Context(), c.Param("flight_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, f)
}
