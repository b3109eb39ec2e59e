package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	recoverydomain "github.com/smallbiznis/donorrecon/internal/recovery/domain"
	"github.com/smallbiznis/donorrecon/internal/recovery/source"
	"go.uber.org/zap"
)

type recoverRequest struct {
	Source   string `json:"source" form:"source"`
	Mode     string `json:"mode" form:"mode"`
	Limit    int    `json:"limit" form:"limit"`
	Since    string `json:"since" form:"since"`
	Location string `json:"location" form:"location"`
}

// RecoverMissing accepts either a JSON body or a multipart form carrying the
// processor's charge export under "file".
func (s *Server) RecoverMissing(c *gin.Context) {
	var req recoverRequest
	multipart := strings.HasPrefix(c.ContentType(), "multipart/form-data")

	if multipart {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadMiB<<20)
		if err := c.ShouldBind(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	} else if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	src, err := recoverydomain.ParseSource(req.Source)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	since, err := parseSince(req.Since)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	in := recoverydomain.Request{
		Source: src,
		Mode:   mode,
		Limit:  req.Limit,
		Since:  since,
	}

	if location := strings.TrimSpace(req.Location); location != "" {
		// Local paths are only reachable from the CLI.
		if !strings.HasPrefix(location, "s3://") {
			AbortWithError(c, source.ErrInvalidLocation)
			return
		}
		in.Location = location
	}

	if multipart {
		fh, err := c.FormFile("file")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		if fh != nil {
			file, err := fh.Open()
			if err != nil {
				AbortWithError(c, err)
				return
			}
			defer file.Close()
			in.CSV = file
			s.log.Info("recovery.upload.received",
				zap.String("filename", fh.Filename),
				zap.Int64("size", fh.Size),
			)
		}
	}

	summary, err := s.recoverer.RecoverMissing(c.Request.Context(), in)
	if err != nil {
		if summary != nil && errors.Is(err, recoverydomain.ErrRunFailed) {
			c.JSON(http.StatusInternalServerError, gin.H{"data": summary, "error": err.Error()})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrInvalidRequest
}
