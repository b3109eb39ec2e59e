package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	recondomain "github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
)

type reconcileRequest struct {
	Mode          string `json:"mode"`
	Limit         int    `json:"limit"`
	BudgetSeconds int    `json:"budgetSeconds"`
}

// RunReconciliation follows the invocation contract: the body is the run
// response itself, also when the run fails after it started.
func (s *Server) RunReconciliation(c *gin.Context) {
	kind, err := donationdomain.ParseKind(c.Param("kind"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req reconcileRequest
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
	if req.BudgetSeconds < 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.reconciler.Run(c.Request.Context(), recondomain.Request{
		Kind:   kind,
		Mode:   mode,
		Limit:  req.Limit,
		Budget: time.Duration(req.BudgetSeconds) * time.Second,
	})
	if err != nil {
		if resp != nil && errors.Is(err, recondomain.ErrRunFailed) {
			c.JSON(http.StatusInternalServerError, resp)
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// DiagnoseRecord runs every match strategy for one record without writing.
func (s *Server) DiagnoseRecord(c *gin.Context) {
	kind, id, err := recordParams(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	diagnosis, err := s.reconciler.Diagnose(c.Request.Context(), kind, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": diagnosis})
}

func recordParams(c *gin.Context) (donationdomain.Kind, snowflake.ID, error) {
	kind, err := donationdomain.ParseKind(c.Param("kind"))
	if err != nil {
		return "", 0, err
	}
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		return "", 0, ErrInvalidRequest
	}
	return kind, id, nil
}

func parseMode(raw string) (donationdomain.Mode, error) {
	if strings.TrimSpace(raw) == "" {
		return donationdomain.ModeLive, nil
	}
	return donationdomain.ParseMode(raw)
}
