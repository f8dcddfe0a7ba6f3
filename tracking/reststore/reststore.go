// Package reststore is a tracking.Store that talks to an MLflow-compatible
// tracking server (such as "regtrack server") over the REST API 2.0.
//
// Credentials come from MLFLOW_TRACKING_TOKEN (bearer) or
// MLFLOW_TRACKING_USERNAME / MLFLOW_TRACKING_PASSWORD (basic auth).
package reststore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-http-utils/headers"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/tracking"
	"github.com/YuminosukeSato/regtrack/tracking/protocol"
)

const userAgent = "regtrack"

func init() {
	factory := func(ctx context.Context, u *url.URL, _ tracking.StoreConfig) (tracking.Store, error) {
		s, err := New(u.String())
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	tracking.RegisterStore("http", factory)
	tracking.RegisterStore("https", factory)
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithToken sets a bearer token.
func WithToken(token string) Option {
	return func(s *Store) { s.token = token }
}

// WithBasicAuth sets basic-auth credentials.
func WithBasicAuth(user, password string) Option {
	return func(s *Store) { s.user, s.password = user, password }
}

// Store implements tracking.Store against a tracking server.
type Store struct {
	base     *url.URL
	client   *http.Client
	token    string
	user     string
	password string
	logger   log.Logger
}

var _ tracking.Store = (*Store)(nil)

// New returns a store for the server at baseURL, e.g. http://localhost:5000.
func New(baseURL string, opts ...Option) (*Store, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse tracking URI %s", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.NewTrackingError(errors.InvalidParameterValue, "tracking URI %q is not http(s)", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	s := &Store{
		base:     u,
		client:   &http.Client{Timeout: 30 * time.Second},
		token:    os.Getenv("MLFLOW_TRACKING_TOKEN"),
		user:     os.Getenv("MLFLOW_TRACKING_USERNAME"),
		password: os.Getenv("MLFLOW_TRACKING_PASSWORD"),
		logger:   log.GetLoggerWithName("reststore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close implements tracking.Store.
func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Store) endpoint(route string, query url.Values) string {
	u := *s.base
	u.Path += route
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// call sends one API request. body is JSON-encoded for POST; out, if non-nil,
// receives the decoded response.
func (s *Store) call(ctx context.Context, method, route string, query url.Values, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s request", route)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(route, query), reader)
	if err != nil {
		return errors.Wrapf(err, "build %s request", route)
	}
	req.Header.Set(headers.Accept, "application/json")
	req.Header.Set(headers.UserAgent, userAgent)
	if body != nil {
		req.Header.Set(headers.ContentType, "application/json")
	}
	switch {
	case s.token != "":
		req.Header.Set(headers.Authorization, "Bearer "+s.token)
	case s.user != "":
		req.SetBasicAuth(s.user, s.password)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, route)
	}
	defer resp.Body.Close()
	s.logger.Debug("tracking API call",
		log.HTTPMethodKey, method, log.HTTPPathKey, route,
		log.HTTPStatusKey, resp.StatusCode, log.DurationMsKey, time.Since(start).Milliseconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s response", route)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr protocol.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.ErrorCode != "" {
			return apiErr.Err()
		}
		code := errors.InternalError
		if resp.StatusCode == http.StatusNotFound {
			code = errors.ResourceDoesNotExist
		}
		return errors.NewTrackingError(code, "%s %s: HTTP %d: %s", method, route, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(data, out), "decode %s response", route)
}

func (s *Store) get(ctx context.Context, route string, query url.Values, out interface{}) error {
	return s.call(ctx, http.MethodGet, route, query, nil, out)
}

func (s *Store) post(ctx context.Context, route string, body, out interface{}) error {
	return s.call(ctx, http.MethodPost, route, nil, body, out)
}

// CreateExperiment implements tracking.Store.
func (s *Store) CreateExperiment(ctx context.Context, name, artifactLocation string, tags []tracking.ExperimentTag) (string, error) {
	var resp protocol.CreateExperimentResponse
	err := s.post(ctx, protocol.RouteCreateExperiment, protocol.CreateExperimentRequest{
		Name: name, ArtifactLocation: artifactLocation, Tags: tags,
	}, &resp)
	return resp.ExperimentID, err
}

// GetExperiment implements tracking.Store.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (*tracking.Experiment, error) {
	var resp protocol.ExperimentResponse
	if err := s.get(ctx, protocol.RouteGetExperiment, url.Values{"experiment_id": {experimentID}}, &resp); err != nil {
		return nil, err
	}
	return resp.Experiment, nil
}

// GetExperimentByName implements tracking.Store.
func (s *Store) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	var resp protocol.ExperimentResponse
	if err := s.get(ctx, protocol.RouteGetExperimentByName, url.Values{"experiment_name": {name}}, &resp); err != nil {
		return nil, err
	}
	return resp.Experiment, nil
}

// SearchExperiments implements tracking.Store.
func (s *Store) SearchExperiments(ctx context.Context, view tracking.ViewType) ([]*tracking.Experiment, error) {
	var resp protocol.SearchExperimentsResponse
	if err := s.post(ctx, protocol.RouteSearchExperiments, protocol.SearchExperimentsRequest{ViewType: view.String()}, &resp); err != nil {
		return nil, err
	}
	return resp.Experiments, nil
}

// DeleteExperiment implements tracking.Store.
func (s *Store) DeleteExperiment(ctx context.Context, experimentID string) error {
	return s.post(ctx, protocol.RouteDeleteExperiment, protocol.DeleteExperimentRequest{ExperimentID: experimentID}, nil)
}

// CreateRun implements tracking.Store.
func (s *Store) CreateRun(ctx context.Context, req tracking.CreateRunRequest) (*tracking.Run, error) {
	var resp protocol.RunResponse
	err := s.post(ctx, protocol.RouteCreateRun, protocol.CreateRunRequest{
		ExperimentID: req.ExperimentID,
		UserID:       req.UserID,
		RunName:      req.RunName,
		StartTime:    req.StartTime,
		Tags:         req.Tags,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Run, nil
}

// GetRun implements tracking.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (*tracking.Run, error) {
	var resp protocol.RunResponse
	if err := s.get(ctx, protocol.RouteGetRun, url.Values{"run_id": {runID}}, &resp); err != nil {
		return nil, err
	}
	return resp.Run, nil
}

// UpdateRunInfo implements tracking.Store.
func (s *Store) UpdateRunInfo(ctx context.Context, runID string, status tracking.RunStatus, endTime int64, runName string) (*tracking.RunInfo, error) {
	var resp protocol.UpdateRunResponse
	err := s.post(ctx, protocol.RouteUpdateRun, protocol.UpdateRunRequest{
		RunID: runID, Status: status, EndTime: endTime, RunName: runName,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.RunInfo, nil
}

// DeleteRun implements tracking.Store.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return s.post(ctx, protocol.RouteDeleteRun, protocol.DeleteRunRequest{RunID: runID}, nil)
}

// SearchRuns implements tracking.Store.
func (s *Store) SearchRuns(ctx context.Context, experimentIDs []string, view tracking.ViewType, maxResults int) ([]*tracking.Run, error) {
	var resp protocol.SearchRunsResponse
	err := s.post(ctx, protocol.RouteSearchRuns, protocol.SearchRunsRequest{
		ExperimentIDs: experimentIDs, RunViewType: view.String(), MaxResults: maxResults,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// LogBatch implements tracking.Store.
func (s *Store) LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error {
	if err := tracking.ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	return s.post(ctx, protocol.RouteLogBatch, protocol.LogBatchRequest{
		RunID: runID, Metrics: metrics, Params: params, Tags: tags,
	}, nil)
}

// LogInputs implements tracking.Store.
func (s *Store) LogInputs(ctx context.Context, runID string, inputs []tracking.DatasetInput) error {
	return s.post(ctx, protocol.RouteLogInputs, protocol.LogInputsRequest{RunID: runID, Datasets: inputs}, nil)
}

// GetMetricHistory implements tracking.Store.
func (s *Store) GetMetricHistory(ctx context.Context, runID, key string) ([]tracking.Metric, error) {
	var resp protocol.MetricHistoryResponse
	err := s.get(ctx, protocol.RouteGetMetricHistory, url.Values{"run_id": {runID}, "metric_key": {key}}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Metrics == nil {
		resp.Metrics = []tracking.Metric{}
	}
	return resp.Metrics, nil
}

// Ping checks that the server answers its health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("/health", nil), nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "tracking server unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("tracking server health check returned HTTP %s", strconv.Itoa(resp.StatusCode))
	}
	return nil
}
