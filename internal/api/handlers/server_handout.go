package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandoutResource handles PUT /pools/:pool_id/handouts/:request_handout_id.
//
// The request id makes the call idempotent: repeating it returns the
// resource handed out the first time, in its current state.
func (s *Server) HandoutResource(c *gin.Context) {
	r, err := s.handouts.Handout(c.Request.Context(), c.Param("pool_id"), c.Param("request_handout_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}
