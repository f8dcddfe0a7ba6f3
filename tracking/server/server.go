// Package server serves the MLflow REST API 2.0 subset used by reststore,
// backed by any tracking.Store, plus an artifact proxy, a health check and
// Prometheus metrics.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ginprometheus "github.com/mcuadros/go-gin-prometheus"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/tracking"
	"github.com/YuminosukeSato/regtrack/tracking/artifacts"
	"github.com/YuminosukeSato/regtrack/tracking/protocol"
)

const (
	PrometheusSubsystemName = "regtrack_tracking_server"

	// ProxyArtifactRoot is the default artifact root handed to stores when
	// the server proxies artifacts.
	ProxyArtifactRoot = "mlflow-artifacts:"
)

// Config configures a Server.
type Config struct {
	// Verbose puts gin in debug mode.
	Verbose bool

	// Metrics exposes Prometheus metrics on /metrics.
	Metrics bool

	// ArtifactsDestination is the artifact URI (local directory or s3://)
	// behind the artifact proxy. Empty disables the proxy.
	ArtifactsDestination string

	ArtifactOptions []artifacts.Option
}

// Server is the tracking HTTP server.
type Server struct {
	*http.Server
	store     tracking.Store
	artifacts artifacts.Repository
	logger    log.Logger
}

// New builds a server over store.
func New(store tracking.Store, cfg Config) (*Server, error) {
	s := &Server{
		store:  store,
		logger: log.GetLoggerWithName("server"),
	}
	if cfg.ArtifactsDestination != "" {
		repo, err := artifacts.NewRepository(cfg.ArtifactsDestination, cfg.ArtifactOptions...)
		if err != nil {
			return nil, errors.Wrapf(err, "open artifact destination %s", cfg.ArtifactsDestination)
		}
		s.artifacts = repo
	}
	s.Server = &http.Server{
		Handler:           s.initRouter(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("tracking server listening", "addr", lis.Addr().String())
	err := s.Server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.Server.Shutdown(ctx)
}

func (s *Server) initRouter(cfg Config) *gin.Engine {
	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	if cfg.Metrics {
		p := ginprometheus.NewPrometheus(PrometheusSubsystemName)
		// アーティファクトのパスごとにラベルを増やさない
		p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if strings.HasPrefix(c.Request.URL.Path, artifacts.ProxyRoute) {
				return artifacts.ProxyRoute
			}
			return c.Request.URL.Path
		}
		p.Use(r)
	}

	r.GET("/health", s.getHealth)

	api := r.Group(protocol.BasePath)
	api.POST(strings.TrimPrefix(protocol.RouteCreateExperiment, protocol.BasePath), s.createExperiment)
	api.GET(strings.TrimPrefix(protocol.RouteGetExperiment, protocol.BasePath), s.getExperiment)
	api.GET(strings.TrimPrefix(protocol.RouteGetExperimentByName, protocol.BasePath), s.getExperimentByName)
	api.POST(strings.TrimPrefix(protocol.RouteSearchExperiments, protocol.BasePath), s.searchExperiments)
	api.POST(strings.TrimPrefix(protocol.RouteDeleteExperiment, protocol.BasePath), s.deleteExperiment)

	api.POST(strings.TrimPrefix(protocol.RouteCreateRun, protocol.BasePath), s.createRun)
	api.GET(strings.TrimPrefix(protocol.RouteGetRun, protocol.BasePath), s.getRun)
	api.POST(strings.TrimPrefix(protocol.RouteUpdateRun, protocol.BasePath), s.updateRun)
	api.POST(strings.TrimPrefix(protocol.RouteDeleteRun, protocol.BasePath), s.deleteRun)
	api.POST(strings.TrimPrefix(protocol.RouteSearchRuns, protocol.BasePath), s.searchRuns)
	api.POST(strings.TrimPrefix(protocol.RouteLogParameter, protocol.BasePath), s.logParameter)
	api.POST(strings.TrimPrefix(protocol.RouteLogMetric, protocol.BasePath), s.logMetric)
	api.POST(strings.TrimPrefix(protocol.RouteSetTag, protocol.BasePath), s.setTag)
	api.POST(strings.TrimPrefix(protocol.RouteLogBatch, protocol.BasePath), s.logBatch)
	api.POST(strings.TrimPrefix(protocol.RouteLogInputs, protocol.BasePath), s.logInputs)
	api.GET(strings.TrimPrefix(protocol.RouteGetMetricHistory, protocol.BasePath), s.getMetricHistory)

	if s.artifacts != nil {
		r.GET(artifacts.ProxyRoute, s.listArtifacts)
		r.GET(artifacts.ProxyRoute+"/*path", s.downloadArtifact)
		r.PUT(artifacts.ProxyRoute+"/*path", s.uploadArtifact)
	}
	return r
}

// requestLogger logs every request through the package logger.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []any{
			log.HTTPMethodKey, c.Request.Method,
			log.HTTPPathKey, c.Request.URL.Path,
			log.HTTPStatusKey, c.Writer.Status(),
			log.DurationMsKey, time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request failed", fields...)
			return
		}
		s.logger.Debug("request", fields...)
	}
}

func (s *Server) getHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// statusFor maps tracking error codes to HTTP status codes.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ResourceDoesNotExist:
		return http.StatusNotFound
	case errors.ResourceAlreadyExists:
		return http.StatusConflict
	case errors.InvalidParameterValue, errors.InvalidState, errors.BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abort(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	message := err.Error()
	var te *errors.TrackingError
	if errors.As(err, &te) {
		message = te.Message
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("tracking request failed", log.ErrAttrKey, err, log.HTTPPathKey, c.Request.URL.Path)
	}
	c.AbortWithStatusJSON(status, protocol.ErrorResponse{ErrorCode: string(code), Message: message})
}

func (s *Server) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.abort(c, errors.NewTrackingError(errors.BadRequest, "malformed request body: %v", err))
		return false
	}
	return true
}
