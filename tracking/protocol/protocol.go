// Package protocol defines the MLflow REST API 2.0 messages shared by the
// REST tracking store and the tracking server.
package protocol

import (
	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/tracking"
)

// API routes, relative to the tracking server root.
const (
	BasePath = "/api/2.0/mlflow"

	RouteCreateExperiment    = BasePath + "/experiments/create"
	RouteGetExperiment       = BasePath + "/experiments/get"
	RouteGetExperimentByName = BasePath + "/experiments/get-by-name"
	RouteSearchExperiments   = BasePath + "/experiments/search"
	RouteDeleteExperiment    = BasePath + "/experiments/delete"

	RouteCreateRun    = BasePath + "/runs/create"
	RouteGetRun       = BasePath + "/runs/get"
	RouteUpdateRun    = BasePath + "/runs/update"
	RouteDeleteRun    = BasePath + "/runs/delete"
	RouteSearchRuns   = BasePath + "/runs/search"
	RouteLogParameter = BasePath + "/runs/log-parameter"
	RouteLogMetric    = BasePath + "/runs/log-metric"
	RouteSetTag       = BasePath + "/runs/set-tag"
	RouteLogBatch     = BasePath + "/runs/log-batch"
	RouteLogInputs    = BasePath + "/runs/log-inputs"

	RouteGetMetricHistory = BasePath + "/metrics/get-history"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Err converts the response into a tracking error.
func (r ErrorResponse) Err() error {
	code := errors.ErrorCode(r.ErrorCode)
	if code == "" {
		code = errors.InternalError
	}
	return errors.NewTrackingError(code, "%s", r.Message)
}

type CreateExperimentRequest struct {
	Name             string                   `json:"name"`
	ArtifactLocation string                   `json:"artifact_location,omitempty"`
	Tags             []tracking.ExperimentTag `json:"tags,omitempty"`
}

type CreateExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type ExperimentResponse struct {
	Experiment *tracking.Experiment `json:"experiment"`
}

type SearchExperimentsRequest struct {
	ViewType   string `json:"view_type,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

type SearchExperimentsResponse struct {
	Experiments []*tracking.Experiment `json:"experiments"`
}

type DeleteExperimentRequest struct {
	ExperimentID string `json:"experiment_id"`
}

type CreateRunRequest struct {
	ExperimentID string            `json:"experiment_id"`
	UserID       string            `json:"user_id,omitempty"`
	RunName      string            `json:"run_name,omitempty"`
	StartTime    int64             `json:"start_time,omitempty"`
	Tags         []tracking.RunTag `json:"tags,omitempty"`
}

type RunResponse struct {
	Run *tracking.Run `json:"run"`
}

type UpdateRunRequest struct {
	RunID   string             `json:"run_id"`
	Status  tracking.RunStatus `json:"status"`
	EndTime int64              `json:"end_time,omitempty"`
	RunName string             `json:"run_name,omitempty"`
}

type UpdateRunResponse struct {
	RunInfo *tracking.RunInfo `json:"run_info"`
}

type DeleteRunRequest struct {
	RunID string `json:"run_id"`
}

type SearchRunsRequest struct {
	ExperimentIDs []string `json:"experiment_ids"`
	RunViewType   string   `json:"run_view_type,omitempty"`
	MaxResults    int      `json:"max_results,omitempty"`
}

type SearchRunsResponse struct {
	Runs []*tracking.Run `json:"runs"`
}

type LogParamRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type LogMetricRequest struct {
	RunID     string  `json:"run_id"`
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type SetTagRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type LogBatchRequest struct {
	RunID   string            `json:"run_id"`
	Metrics []tracking.Metric `json:"metrics,omitempty"`
	Params  []tracking.Param  `json:"params,omitempty"`
	Tags    []tracking.RunTag `json:"tags,omitempty"`
}

type LogInputsRequest struct {
	RunID    string                  `json:"run_id"`
	Datasets []tracking.DatasetInput `json:"datasets"`
}

type MetricHistoryResponse struct {
	Metrics []tracking.Metric `json:"metrics"`
}

// Empty is the body of calls that return nothing.
type Empty struct{}
