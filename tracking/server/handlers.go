package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/tracking"
	"github.com/YuminosukeSato/regtrack/tracking/protocol"
)

func requiredQuery(c *gin.Context, name string) (string, error) {
	v := c.Query(name)
	if v == "" {
		return "", errors.NewTrackingError(errors.InvalidParameterValue, "missing value for required parameter '%s'", name)
	}
	return v, nil
}

func (s *Server) createExperiment(c *gin.Context) {
	var req protocol.CreateExperimentRequest
	if !s.bind(c, &req) {
		return
	}
	id, err := s.store.CreateExperiment(c.Request.Context(), req.Name, req.ArtifactLocation, req.Tags)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.CreateExperimentResponse{ExperimentID: id})
}

func (s *Server) getExperiment(c *gin.Context) {
	id, err := requiredQuery(c, "experiment_id")
	if err != nil {
		s.abort(c, err)
		return
	}
	exp, err := s.store.GetExperiment(c.Request.Context(), id)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.ExperimentResponse{Experiment: exp})
}

func (s *Server) getExperimentByName(c *gin.Context) {
	name, err := requiredQuery(c, "experiment_name")
	if err != nil {
		s.abort(c, err)
		return
	}
	exp, err := s.store.GetExperimentByName(c.Request.Context(), name)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.ExperimentResponse{Experiment: exp})
}

func (s *Server) searchExperiments(c *gin.Context) {
	var req protocol.SearchExperimentsRequest
	if !s.bind(c, &req) {
		return
	}
	view, err := tracking.ParseViewType(req.ViewType)
	if err != nil {
		s.abort(c, err)
		return
	}
	exps, err := s.store.SearchExperiments(c.Request.Context(), view)
	if err != nil {
		s.abort(c, err)
		return
	}
	if req.MaxResults > 0 && len(exps) > req.MaxResults {
		exps = exps[:req.MaxResults]
	}
	c.JSON(http.StatusOK, protocol.SearchExperimentsResponse{Experiments: exps})
}

func (s *Server) deleteExperiment(c *gin.Context) {
	var req protocol.DeleteExperimentRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.store.DeleteExperiment(c.Request.Context(), req.ExperimentID); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.Empty{})
}

func (s *Server) createRun(c *gin.Context) {
	var req protocol.CreateRunRequest
	if !s.bind(c, &req) {
		return
	}
	for _, t := range req.Tags {
		if err := tracking.ValidateTag(t); err != nil {
			s.abort(c, err)
			return
		}
	}
	run, err := s.store.CreateRun(c.Request.Context(), tracking.CreateRunRequest{
		ExperimentID: req.ExperimentID,
		UserID:       req.UserID,
		RunName:      req.RunName,
		StartTime:    req.StartTime,
		Tags:         req.Tags,
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.RunResponse{Run: run})
}

func (s *Server) getRun(c *gin.Context) {
	id := c.Query("run_id")
	if id == "" {
		// 旧クライアントは run_uuid を送る
		id = c.Query("run_uuid")
	}
	if id == "" {
		s.abort(c, errors.NewTrackingError(errors.InvalidParameterValue, "missing value for required parameter 'run_id'"))
		return
	}
	run, err := s.store.GetRun(c.Request.Context(), id)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.RunResponse{Run: run})
}

func (s *Server) updateRun(c *gin.Context) {
	var req protocol.UpdateRunRequest
	if !s.bind(c, &req) {
		return
	}
	info, err := s.store.UpdateRunInfo(c.Request.Context(), req.RunID, req.Status, req.EndTime, req.RunName)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.UpdateRunResponse{RunInfo: info})
}

func (s *Server) deleteRun(c *gin.Context) {
	var req protocol.DeleteRunRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.store.DeleteRun(c.Request.Context(), req.RunID); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.Empty{})
}

func (s *Server) searchRuns(c *gin.Context) {
	var req protocol.SearchRunsRequest
	if !s.bind(c, &req) {
		return
	}
	view, err := tracking.ParseViewType(req.RunViewType)
	if err != nil {
		s.abort(c, err)
		return
	}
	runs, err := s.store.SearchRuns(c.Request.Context(), req.ExperimentIDs, view, req.MaxResults)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.SearchRunsResponse{Runs: runs})
}

func (s *Server) logParameter(c *gin.Context) {
	var req protocol.LogParamRequest
	if !s.bind(c, &req) {
		return
	}
	s.writeBatch(c, req.RunID, nil, []tracking.Param{{Key: req.Key, Value: req.Value}}, nil)
}

func (s *Server) logMetric(c *gin.Context) {
	var req protocol.LogMetricRequest
	if !s.bind(c, &req) {
		return
	}
	m := tracking.Metric{Key: req.Key, Value: req.Value, Timestamp: req.Timestamp, Step: req.Step}
	s.writeBatch(c, req.RunID, []tracking.Metric{m}, nil, nil)
}

func (s *Server) setTag(c *gin.Context) {
	var req protocol.SetTagRequest
	if !s.bind(c, &req) {
		return
	}
	s.writeBatch(c, req.RunID, nil, nil, []tracking.RunTag{{Key: req.Key, Value: req.Value}})
}

func (s *Server) logBatch(c *gin.Context) {
	var req protocol.LogBatchRequest
	if !s.bind(c, &req) {
		return
	}
	s.writeBatch(c, req.RunID, req.Metrics, req.Params, req.Tags)
}

func (s *Server) writeBatch(c *gin.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) {
	if runID == "" {
		s.abort(c, errors.NewTrackingError(errors.InvalidParameterValue, "missing value for required parameter 'run_id'"))
		return
	}
	if err := s.store.LogBatch(c.Request.Context(), runID, metrics, params, tags); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.Empty{})
}

func (s *Server) logInputs(c *gin.Context) {
	var req protocol.LogInputsRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.store.LogInputs(c.Request.Context(), req.RunID, req.Datasets); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.Empty{})
}

func (s *Server) getMetricHistory(c *gin.Context) {
	runID, err := requiredQuery(c, "run_id")
	if err != nil {
		s.abort(c, err)
		return
	}
	key, err := requiredQuery(c, "metric_key")
	if err != nil {
		s.abort(c, err)
		return
	}
	history, err := s.store.GetMetricHistory(c.Request.Context(), runID, key)
	if err != nil {
		s.abort(c, err)
		return
	}
	if n, err := strconv.Atoi(c.Query("max_results")); err == nil && n > 0 && len(history) > n {
		history = history[:n]
	}
	c.JSON(http.StatusOK, protocol.MetricHistoryResponse{Metrics: history})
}
