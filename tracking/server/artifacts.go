package server

import (
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-http-utils/headers"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/tracking/artifacts"
)

type listArtifactsResponse struct {
	Files []artifacts.FileInfo `json:"files"`
}

func artifactParam(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("path"), "/")
}

// listArtifacts lists one directory level; paths in the response are basenames.
func (s *Server) listArtifacts(c *gin.Context) {
	infos, err := s.artifacts.ListArtifacts(c.Request.Context(), c.Query("path"))
	if err != nil {
		s.abort(c, err)
		return
	}
	files := make([]artifacts.FileInfo, 0, len(infos))
	for _, fi := range infos {
		fi.Path = path.Base(fi.Path)
		files = append(files, fi)
	}
	c.JSON(http.StatusOK, listArtifactsResponse{Files: files})
}

func (s *Server) downloadArtifact(c *gin.Context) {
	p := artifactParam(c)
	rc, err := s.artifacts.Open(c.Request.Context(), p)
	if err != nil {
		s.abort(c, err)
		return
	}
	defer rc.Close()
	c.Header(headers.ContentType, "application/octet-stream")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		s.logger.Warn("artifact download interrupted", log.ArtifactPathKey, p, log.ErrAttrKey, err)
	}
}

func (s *Server) uploadArtifact(c *gin.Context) {
	p := artifactParam(c)
	if p == "" {
		s.abort(c, errors.NewTrackingError(errors.InvalidParameterValue, "artifact path must name a file"))
		return
	}
	if err := s.artifacts.Upload(c.Request.Context(), p, c.Request.Body, c.Request.ContentLength); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
