package tracking

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// CreateRunRequest carries the fields of a new run.
type CreateRunRequest struct {
	ExperimentID string
	UserID       string
	RunName      string
	StartTime    int64
	Tags         []RunTag
}

// Store is a tracking backend. Implementations must be safe for concurrent
// use and return *errors.TrackingError values (via errors.NewTrackingError)
// for MLflow-level failures such as a missing run.
type Store interface {
	CreateExperiment(ctx context.Context, name, artifactLocation string, tags []ExperimentTag) (string, error)
	GetExperiment(ctx context.Context, experimentID string) (*Experiment, error)
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)
	SearchExperiments(ctx context.Context, view ViewType) ([]*Experiment, error)
	DeleteExperiment(ctx context.Context, experimentID string) error

	CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRunInfo(ctx context.Context, runID string, status RunStatus, endTime int64, runName string) (*RunInfo, error)
	DeleteRun(ctx context.Context, runID string) error
	SearchRuns(ctx context.Context, experimentIDs []string, view ViewType, maxResults int) ([]*Run, error)

	// LogBatch records metrics, params and tags atomically where the backend
	// allows it. Params are write-once.
	LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error
	LogInputs(ctx context.Context, runID string, inputs []DatasetInput) error
	GetMetricHistory(ctx context.Context, runID, key string) ([]Metric, error)

	Close() error
}

// StoreConfig holds backend-independent settings passed to a StoreFactory.
type StoreConfig struct {
	// DefaultArtifactRoot is the artifact location prefix for experiments
	// created without one. Empty lets the backend choose a local directory.
	DefaultArtifactRoot string
}

// StoreOption configures OpenStore.
type StoreOption func(*StoreConfig)

// WithDefaultArtifactRoot sets StoreConfig.DefaultArtifactRoot. The tracking
// server uses "mlflow-artifacts:" so that clients upload through its proxy.
func WithDefaultArtifactRoot(root string) StoreOption {
	return func(c *StoreConfig) { c.DefaultArtifactRoot = root }
}

// StoreFactory opens a Store for a parsed tracking URI.
type StoreFactory func(ctx context.Context, uri *url.URL, cfg StoreConfig) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]StoreFactory{}
)

// RegisterStore makes a backend available for a URI scheme. Backends call it
// from init; the "file" scheme also serves URIs without a scheme.
func RegisterStore(scheme string, factory StoreFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[scheme] = factory
}

// DefaultTrackingURI is used when no tracking URI is configured.
const DefaultTrackingURI = "./mlruns"

// OpenStore resolves a tracking URI to a registered backend.
func OpenStore(ctx context.Context, trackingURI string, opts ...StoreOption) (Store, error) {
	var cfg StoreConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if trackingURI == "" {
		trackingURI = DefaultTrackingURI
	}
	u, err := url.Parse(trackingURI)
	scheme := ""
	if err == nil {
		scheme = u.Scheme
	}
	if err != nil || len(scheme) == 1 {
		u = &url.URL{Path: trackingURI}
		scheme = ""
	}
	if scheme == "" {
		scheme = "file"
	}

	registryMu.RLock()
	factory, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.NewTrackingError(errors.InvalidParameterValue,
			"no tracking store registered for scheme %q (tracking URI %q)", scheme, trackingURI)
	}
	store, err := factory(ctx, u, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open tracking store %s", redactURI(trackingURI))
	}
	return store, nil
}

// redactURI hides the password of database URIs in logs and errors.
func redactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// NewRunID returns a 32-character hex run id.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NowMillis returns the current time in milliseconds since the epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// LatestMetrics reduces a metric history to the latest value per key:
// the highest step, then the highest timestamp, then the highest value.
func LatestMetrics(history []Metric) []Metric {
	latest := make(map[string]Metric)
	for _, m := range history {
		cur, ok := latest[m.Key]
		if !ok || metricAfter(m, cur) {
			latest[m.Key] = m
		}
	}
	out := make([]Metric, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func metricAfter(a, b Metric) bool {
	if a.Step != b.Step {
		return a.Step > b.Step
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.Value > b.Value
}

// ExperimentArtifactURI joins an artifact root and an experiment id.
func ExperimentArtifactURI(root, experimentID string) string {
	if strings.HasSuffix(root, ":") {
		return root + "/" + experimentID
	}
	return strings.TrimSuffix(root, "/") + "/" + experimentID
}

// RunArtifactURI joins an experiment artifact location and a run id.
func RunArtifactURI(artifactLocation, runID string) string {
	return strings.TrimSuffix(artifactLocation, "/") + "/" + runID + "/artifacts"
}

// SortRuns orders runs newest first, as MLflow's search does by default.
func SortRuns(runs []*Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].Info.StartTime != runs[j].Info.StartTime {
			return runs[i].Info.StartTime > runs[j].Info.StartTime
		}
		return runs[i].Info.RunID < runs[j].Info.RunID
	})
}

// CheckRunActive rejects writes to a deleted run.
func CheckRunActive(info *RunInfo) error {
	if info.LifecycleStage != LifecycleActive {
		return errors.NewTrackingError(errors.InvalidState,
			"the run %s must be in the 'active' state. Current state is %s", info.RunID, info.LifecycleStage)
	}
	return nil
}

// RunNotFound is the error every store returns for an unknown run id.
func RunNotFound(runID string) error {
	return errors.NewTrackingError(errors.ResourceDoesNotExist, "run '%s' not found", runID)
}

// ExperimentNotFound is the error every store returns for an unknown experiment.
func ExperimentNotFound(idOrName string) error {
	return errors.NewTrackingError(errors.ResourceDoesNotExist, "could not find experiment with ID %s", idOrName)
}
