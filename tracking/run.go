package tracking

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/tracking/artifacts"
)

// System tags set on every run created by a Client.
const (
	TagRunName    = "mlflow.runName"
	TagUser       = "mlflow.user"
	TagSourceName = "mlflow.source.name"
	TagSourceType = "mlflow.source.type"
	TagParentRun  = "mlflow.parentRunId"
)

// RunOption configures StartRun and WithRun.
type RunOption func(*runOptions)

type runOptions struct {
	name      string
	tags      map[string]string
	startTime int64
}

// WithRunName sets the run name. Without it a name is generated.
func WithRunName(name string) RunOption {
	return func(o *runOptions) { o.name = name }
}

// WithRunTags adds tags to the new run.
func WithRunTags(tags map[string]string) RunOption {
	return func(o *runOptions) {
		if o.tags == nil {
			o.tags = make(map[string]string, len(tags))
		}
		for k, v := range tags {
			o.tags[k] = v
		}
	}
}

// WithStartTime overrides the start time (ms since epoch).
func WithStartTime(ms int64) RunOption {
	return func(o *runOptions) { o.startTime = ms }
}

// ActiveRun is a run started by this process. Logging after End fails with
// INVALID_STATE.
type ActiveRun struct {
	client *Client
	logger log.Logger

	// endMu serializes End so that the store sees one terminal update.
	endMu sync.Mutex

	mu    sync.Mutex
	info  RunInfo
	repo  artifacts.Repository
	ended bool
}

// StartRun creates a RUNNING run in the experiment. An empty experimentID
// means the Default experiment.
func (c *Client) StartRun(ctx context.Context, experimentID string, opts ...RunOption) (*ActiveRun, error) {
	o := runOptions{startTime: NowMillis()}
	for _, opt := range opts {
		opt(&o)
	}
	if experimentID == "" {
		experimentID = DefaultExperimentID
	}
	if o.name == "" {
		o.name = o.tags[TagRunName]
	}
	if o.name == "" {
		o.name = GenerateRunName()
	}

	tags := []RunTag{
		{Key: TagRunName, Value: o.name},
		{Key: TagUser, Value: c.user},
		{Key: TagSourceName, Value: c.sourceName},
		{Key: TagSourceType, Value: "LOCAL"},
	}
	for k, v := range o.tags {
		if k == TagRunName {
			continue
		}
		tags = append(tags, RunTag{Key: k, Value: v})
	}
	for _, t := range tags {
		if err := ValidateTag(t); err != nil {
			return nil, err
		}
	}

	run, err := c.store.CreateRun(ctx, CreateRunRequest{
		ExperimentID: experimentID,
		UserID:       c.user,
		RunName:      o.name,
		StartTime:    o.startTime,
		Tags:         tags,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "start run in experiment %s", experimentID)
	}
	logger := c.logger.With(log.RunIDKey, run.Info.RunID, log.ExperimentIDKey, experimentID)
	logger.Info("run started", "run_name", run.Info.RunName)
	return &ActiveRun{client: c, logger: logger, info: run.Info}, nil
}

// ID returns the run id.
func (r *ActiveRun) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.RunID
}

// Info returns a copy of the run metadata as last seen by this process.
func (r *ActiveRun) Info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// Client returns the client that started the run.
func (r *ActiveRun) Client() *Client { return r.client }

// Ended reports whether End has been called.
func (r *ActiveRun) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *ActiveRun) checkActive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return errors.NewTrackingError(errors.InvalidState,
			"run %s has already ended with status %s", r.info.RunID, r.info.Status)
	}
	return nil
}

// LogParam records a write-once parameter.
func (r *ActiveRun) LogParam(ctx context.Context, key, value string) error {
	return r.LogBatch(ctx, nil, []Param{{Key: key, Value: value}}, nil)
}

// LogParams records several parameters in one batch.
func (r *ActiveRun) LogParams(ctx context.Context, params map[string]string) error {
	ps := make([]Param, 0, len(params))
	for k, v := range params {
		ps = append(ps, Param{Key: k, Value: v})
	}
	return r.LogBatch(ctx, nil, ps, nil)
}

// LogMetric records one metric value at step, timestamped now.
func (r *ActiveRun) LogMetric(ctx context.Context, key string, value float64, step int64) error {
	return r.LogBatch(ctx, []Metric{{Key: key, Value: value, Timestamp: NowMillis(), Step: step}}, nil, nil)
}

// LogMetrics records several metrics at the same step and timestamp.
func (r *ActiveRun) LogMetrics(ctx context.Context, metrics map[string]float64, step int64) error {
	ts := NowMillis()
	ms := make([]Metric, 0, len(metrics))
	for k, v := range metrics {
		ms = append(ms, Metric{Key: k, Value: v, Timestamp: ts, Step: step})
	}
	return r.LogBatch(ctx, ms, nil, nil)
}

// SetTag sets or overwrites a run tag.
func (r *ActiveRun) SetTag(ctx context.Context, key, value string) error {
	return r.LogBatch(ctx, nil, nil, []RunTag{{Key: key, Value: value}})
}

// SetTags sets several tags in one batch.
func (r *ActiveRun) SetTags(ctx context.Context, tags map[string]string) error {
	ts := make([]RunTag, 0, len(tags))
	for k, v := range tags {
		ts = append(ts, RunTag{Key: k, Value: v})
	}
	return r.LogBatch(ctx, nil, nil, ts)
}

// LogBatch records metrics, params and tags in one store call.
func (r *ActiveRun) LogBatch(ctx context.Context, metrics []Metric, params []Param, tags []RunTag) error {
	if err := r.checkActive(); err != nil {
		return err
	}
	if err := ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	return r.client.store.LogBatch(ctx, r.ID(), metrics, params, tags)
}

// LogInputs links datasets to the run.
func (r *ActiveRun) LogInputs(ctx context.Context, inputs ...DatasetInput) error {
	if err := r.checkActive(); err != nil {
		return err
	}
	return r.client.store.LogInputs(ctx, r.ID(), inputs)
}

// ArtifactRepository returns the run's artifact repository, opening it on first use.
func (r *ActiveRun) ArtifactRepository() (artifacts.Repository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repo != nil {
		return r.repo, nil
	}
	repo, err := r.client.ArtifactRepository(r.info)
	if err != nil {
		return nil, err
	}
	r.repo = repo
	return repo, nil
}

// LogArtifact uploads a local file under artifactPath ("" for the root).
func (r *ActiveRun) LogArtifact(ctx context.Context, localFile, artifactPath string) error {
	if err := r.checkActive(); err != nil {
		return err
	}
	repo, err := r.ArtifactRepository()
	if err != nil {
		return err
	}
	r.logger.Debug("logging artifact", log.ArtifactPathKey, artifactPath, "local_file", localFile)
	return artifacts.LogArtifact(ctx, repo, localFile, artifactPath)
}

// LogArtifacts uploads the contents of a local directory under artifactPath.
func (r *ActiveRun) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	if err := r.checkActive(); err != nil {
		return err
	}
	repo, err := r.ArtifactRepository()
	if err != nil {
		return err
	}
	r.logger.Debug("logging artifacts", log.ArtifactPathKey, artifactPath, "local_dir", localDir)
	return artifacts.LogArtifacts(ctx, repo, localDir, artifactPath)
}

// LogText stores text as the artifact file artifactFile, e.g. "notes/readme.txt".
func (r *ActiveRun) LogText(ctx context.Context, text, artifactFile string) error {
	if err := r.checkActive(); err != nil {
		return err
	}
	repo, err := r.ArtifactRepository()
	if err != nil {
		return err
	}
	return repo.Upload(ctx, artifactFile, strings.NewReader(text), int64(len(text)))
}

// LogDict stores v as indented JSON under artifactFile.
func (r *ActiveRun) LogDict(ctx context.Context, v interface{}, artifactFile string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", artifactFile)
	}
	return r.LogText(ctx, string(data), artifactFile)
}

// End finalizes the run with a terminal status. Ending an ended run is a no-op.
func (r *ActiveRun) End(ctx context.Context, status RunStatus) error {
	if !status.IsTerminal() {
		return errors.NewTrackingError(errors.InvalidParameterValue, "status %s does not end a run", status)
	}
	r.endMu.Lock()
	defer r.endMu.Unlock()

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return nil
	}
	runID := r.info.RunID
	r.mu.Unlock()

	info, err := r.client.store.UpdateRunInfo(ctx, runID, status, NowMillis(), "")
	if err != nil {
		return errors.Wrapf(err, "end run %s", runID)
	}

	r.mu.Lock()
	r.info = *info
	r.ended = true
	r.mu.Unlock()
	r.logger.Info("run ended", log.RunStatusKey, status.String())
	return nil
}

type activeRunKey struct{}

// ContextWithRun returns a context carrying the run.
func ContextWithRun(ctx context.Context, run *ActiveRun) context.Context {
	return context.WithValue(ctx, activeRunKey{}, run)
}

// RunFromContext returns the run stored by ContextWithRun, if it has not ended.
func RunFromContext(ctx context.Context) (*ActiveRun, bool) {
	run, ok := ctx.Value(activeRunKey{}).(*ActiveRun)
	if !ok || run == nil || run.Ended() {
		return nil, false
	}
	return run, true
}

// WithRun starts a run, calls fn with a context carrying it, and always ends
// the run: FINISHED when fn returns nil, FAILED when it returns an error or
// panics. A panic is returned as *errors.PanicError.
func (c *Client) WithRun(ctx context.Context, experimentID string, fn func(ctx context.Context, run *ActiveRun) error, opts ...RunOption) (err error) {
	run, err := c.StartRun(ctx, experimentID, opts...)
	if err != nil {
		return err
	}

	defer func() {
		status := StatusFinished
		if err != nil {
			status = StatusFailed
			run.logger.Error("run failed", log.ErrAttrKey, err)
		}
		if endErr := run.End(context.WithoutCancel(ctx), status); endErr != nil {
			err = errors.CombineErrors(err, endErr)
		}
	}()
	defer errors.Recover(&err, "run "+run.ID())

	return fn(ContextWithRun(ctx, run), run)
}
