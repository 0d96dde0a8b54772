package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rbs.io/buffer/internal/domain"
	apperrors "rbs.io/buffer/internal/pkg/errors"
)

// ResizePoolRequest is the body of PUT /pools/:pool_id/size.
type ResizePoolRequest struct {
	Size *int `json:"size" binding:"required,min=0"`
}

// PoolList is the body of GET /pools.
type PoolList struct {
	Pools []domain.PoolAndResourceStates `json:"pools"`
}

// ListPools handles GET /pools.
func (s *Server) ListPools(c *gin.Context) {
	snaps, err := s.pools.ListSnapshots(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if snaps == nil {
		snaps = []domain.PoolAndResourceStates{}
	}
	c.JSON(http.StatusOK, PoolList{Pools: snaps})
}

// GetPool handles GET /pools/:pool_id.
func (s *Server) GetPool(c *gin.Context) {
	snap, err := s.pools.Snapshot(c.Request.Context(), c.Param("pool_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ResizePool handles PUT /pools/:pool_id/size.
func (s *Server) ResizePool(c *gin.Context) {
	var req ResizePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ErrInvalidRequestFieldf("size"))
		return
	}

	poolID := c.Param("pool_id")
	if err := s.pools.Resize(c.Request.Context(), poolID, *req.Size); err != nil {
		_ = c.Error(err)
		return
	}
	s.respondSnapshot(c, poolID)
}

// DeactivatePool handles POST /pools/:pool_id/deactivate.
func (s *Server) DeactivatePool(c *gin.Context) {
	poolID := c.Param("pool_id")
	if err := s.pools.Deactivate(c.Request.Context(), poolID); err != nil {
		_ = c.Error(err)
		return
	}
	s.respondSnapshot(c, poolID)
}

func (s *Server) respondSnapshot(c *gin.Context, poolID string) {
	snap, err := s.pools.Snapshot(c.Request.Context(), poolID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
