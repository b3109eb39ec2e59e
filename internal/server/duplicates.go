package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/duplicate"
	"go.uber.org/zap"
)

type markDuplicatesRequest struct {
	Mode          string `json:"mode"`
	MinConfidence string `json:"minConfidence"`
	DryRun        *bool  `json:"dryRun"`
}

func (s *Server) ScanDuplicates(c *gin.Context) {
	mode, err := parseMode(c.Query("mode"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	report, err := s.duplicates.Scan(c.Request.Context(), mode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

// MarkDuplicates defaults to a dry run; callers opt in to writes explicitly.
func (s *Server) MarkDuplicates(c *gin.Context) {
	var req markDuplicatesRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	result, err := s.duplicates.Mark(c.Request.Context(), duplicate.MarkRequest{
		Mode:          mode,
		MinConfidence: duplicate.Confidence(req.MinConfidence),
		DryRun:        dryRun,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// DeleteRecord removes a record that is already marked duplicate.
func (s *Server) DeleteRecord(c *gin.Context) {
	kind, id, err := recordParams(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.duplicates.Delete(c.Request.Context(), kind, id); err != nil {
		AbortWithError(c, err)
		return
	}

	op, _ := operatorFromContext(c)
	s.log.Info("http.record.deleted",
		zap.String("kind", string(kind)),
		zap.String("record_id", id.String()),
		zap.String("operator", op.Name),
	)
	c.Status(http.StatusNoContent)
}
