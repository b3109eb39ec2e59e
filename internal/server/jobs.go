package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) LatestJobRun(c *gin.Context) {
	run, err := s.jobLog.Latest(c.Request.Context(), c.Param("name"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if run == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}
