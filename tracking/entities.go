// Package tracking records experiments, runs, parameters, metrics, tags,
// dataset inputs and artifacts in an MLflow-compatible layout.
//
// Backends implement Store and register themselves by URI scheme (the file,
// SQL and REST stores live in sub-packages); Client resolves a tracking URI
// to a Store and an artifact repository, and WithRun provides a scoped run
// that is always finalized.
package tracking

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// Lifecycle stages of experiments and runs.
const (
	LifecycleActive  = "active"
	LifecycleDeleted = "deleted"
)

// DefaultExperimentID is the id of the "Default" experiment every store holds.
const (
	DefaultExperimentID   = "0"
	DefaultExperimentName = "Default"
)

// ViewType filters experiments and runs by lifecycle stage.
type ViewType int

const (
	ActiveOnly ViewType = iota + 1
	DeletedOnly
	AllStages
)

// Matches reports whether an entity in the given lifecycle stage is visible.
func (v ViewType) Matches(stage string) bool {
	switch v {
	case DeletedOnly:
		return stage == LifecycleDeleted
	case AllStages:
		return true
	default:
		return stage != LifecycleDeleted
	}
}

// String returns the MLflow REST name of the view type.
func (v ViewType) String() string {
	switch v {
	case DeletedOnly:
		return "DELETED_ONLY"
	case AllStages:
		return "ALL"
	default:
		return "ACTIVE_ONLY"
	}
}

// ParseViewType parses an MLflow REST view type; empty means ActiveOnly.
func ParseViewType(s string) (ViewType, error) {
	switch strings.ToUpper(s) {
	case "", "ACTIVE_ONLY":
		return ActiveOnly, nil
	case "DELETED_ONLY":
		return DeletedOnly, nil
	case "ALL":
		return AllStages, nil
	}
	return 0, errors.NewTrackingError(errors.InvalidParameterValue, "invalid view_type %q", s)
}

// RunStatus is the MLflow run status. The numeric values match MLflow's
// protobuf enum, which the file store writes into meta.yaml.
type RunStatus int

const (
	StatusRunning   RunStatus = 1
	StatusScheduled RunStatus = 2
	StatusFinished  RunStatus = 3
	StatusFailed    RunStatus = 4
	StatusKilled    RunStatus = 5
)

var runStatusNames = map[RunStatus]string{
	StatusRunning:   "RUNNING",
	StatusScheduled: "SCHEDULED",
	StatusFinished:  "FINISHED",
	StatusFailed:    "FAILED",
	StatusKilled:    "KILLED",
}

func (s RunStatus) String() string {
	if name, ok := runStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal reports whether the status ends a run.
func (s RunStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusKilled
}

// ParseRunStatus parses a status name such as "FINISHED".
func ParseRunStatus(s string) (RunStatus, error) {
	for status, name := range runStatusNames {
		if strings.EqualFold(name, s) {
			return status, nil
		}
	}
	return 0, errors.NewTrackingError(errors.InvalidParameterValue, "invalid run status %q", s)
}

// MarshalJSON encodes the status by name, as the MLflow REST API does.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the status name or its numeric value.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseRunStatus(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "decode run status")
	}
	*s = RunStatus(n)
	return nil
}

// ExperimentTag is a key/value tag on an experiment.
type ExperimentTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Experiment groups runs under a unique name.
type Experiment struct {
	ExperimentID     string          `json:"experiment_id"`
	Name             string          `json:"name"`
	ArtifactLocation string          `json:"artifact_location"`
	LifecycleStage   string          `json:"lifecycle_stage"`
	CreationTime     int64           `json:"creation_time"`
	LastUpdateTime   int64           `json:"last_update_time"`
	Tags             []ExperimentTag `json:"tags,omitempty"`
}

// RunInfo is the immutable-ish metadata of a run.
type RunInfo struct {
	RunID          string    `json:"run_id"`
	RunUUID        string    `json:"run_uuid"`
	RunName        string    `json:"run_name"`
	ExperimentID   string    `json:"experiment_id"`
	UserID         string    `json:"user_id"`
	Status         RunStatus `json:"status"`
	StartTime      int64     `json:"start_time"`
	EndTime        int64     `json:"end_time,omitempty"`
	ArtifactURI    string    `json:"artifact_uri"`
	LifecycleStage string    `json:"lifecycle_stage"`
}

// Param is a write-once run parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metric is one observation of a metric; runs keep the full history.
type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type metricJSON struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	Step      int64           `json:"step"`
}

// MarshalJSON writes NaN and ±Inf as the strings "NaN", "Infinity" and
// "-Infinity", which encoding/json cannot represent as numbers.
func (m Metric) MarshalJSON() ([]byte, error) {
	var value []byte
	switch {
	case math.IsNaN(m.Value):
		value = []byte(`"NaN"`)
	case math.IsInf(m.Value, 1):
		value = []byte(`"Infinity"`)
	case math.IsInf(m.Value, -1):
		value = []byte(`"-Infinity"`)
	default:
		value = strconv.AppendFloat(nil, m.Value, 'g', -1, 64)
	}
	return json.Marshal(metricJSON{Key: m.Key, Value: value, Timestamp: m.Timestamp, Step: m.Step})
}

// UnmarshalJSON accepts numeric values and the strings written by MarshalJSON.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var raw metricJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decode metric")
	}
	m.Key, m.Timestamp, m.Step = raw.Key, raw.Timestamp, raw.Step
	if len(raw.Value) == 0 {
		m.Value = 0
		return nil
	}
	var s string
	if json.Unmarshal(raw.Value, &s) == nil {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.NewTrackingError(errors.InvalidParameterValue, "invalid value %q for metric %q", s, raw.Key)
		}
		m.Value = v
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw.Value, &m.Value), "decode value of metric %s", raw.Key)
}

// RunTag is a mutable key/value tag on a run.
type RunTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunData holds the latest value of every metric plus params and tags.
type RunData struct {
	Metrics []Metric `json:"metrics,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Tags    []RunTag `json:"tags,omitempty"`
}

// ParamMap returns params keyed by name.
func (d RunData) ParamMap() map[string]string {
	m := make(map[string]string, len(d.Params))
	for _, p := range d.Params {
		m[p.Key] = p.Value
	}
	return m
}

// TagMap returns tags keyed by name.
func (d RunData) TagMap() map[string]string {
	m := make(map[string]string, len(d.Tags))
	for _, t := range d.Tags {
		m[t.Key] = t.Value
	}
	return m
}

// MetricMap returns the latest value of each metric.
func (d RunData) MetricMap() map[string]float64 {
	m := make(map[string]float64, len(d.Metrics))
	for _, mt := range d.Metrics {
		m[mt.Key] = mt.Value
	}
	return m
}

// Dataset describes a dataset consumed by a run.
type Dataset struct {
	Name       string `json:"name"`
	Digest     string `json:"digest"`
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	Schema     string `json:"schema,omitempty"`
	Profile    string `json:"profile,omitempty"`
}

// InputTag is a tag on a dataset input, e.g. mlflow.data.context=train.
type InputTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DatasetInput links a dataset to a run.
type DatasetInput struct {
	Tags    []InputTag `json:"tags,omitempty"`
	Dataset Dataset    `json:"dataset"`
}

// RunInputs holds the dataset inputs of a run.
type RunInputs struct {
	DatasetInputs []DatasetInput `json:"dataset_inputs,omitempty"`
}

// Run is a complete run record.
type Run struct {
	Info   RunInfo   `json:"info"`
	Data   RunData   `json:"data"`
	Inputs RunInputs `json:"inputs"`
}
