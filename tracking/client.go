package tracking

import (
	"context"
	"os"
	"os/user"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/tracking/artifacts"
)

// Client is the entry point for recording experiments and runs.
type Client struct {
	store        Store
	trackingURI  string
	user         string
	sourceName   string
	logger       log.Logger
	artifactOpts []artifacts.Option
	storeOpts    []StoreOption
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithStore uses an already opened store instead of resolving the tracking URI.
func WithStore(s Store) ClientOption {
	return func(c *Client) { c.store = s }
}

// WithUser overrides the mlflow.user tag of new runs.
func WithUser(name string) ClientOption {
	return func(c *Client) { c.user = name }
}

// WithSourceName overrides the mlflow.source.name tag of new runs.
func WithSourceName(name string) ClientOption {
	return func(c *Client) { c.sourceName = name }
}

// WithLogger sets the client logger.
func WithLogger(l log.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithArtifactOptions passes options to every artifact repository the client opens.
func WithArtifactOptions(opts ...artifacts.Option) ClientOption {
	return func(c *Client) { c.artifactOpts = append(c.artifactOpts, opts...) }
}

// WithStoreOptions passes options to OpenStore.
func WithStoreOptions(opts ...StoreOption) ClientOption {
	return func(c *Client) { c.storeOpts = append(c.storeOpts, opts...) }
}

// NewClient opens the store for trackingURI. An empty URI means ./mlruns.
func NewClient(ctx context.Context, trackingURI string, opts ...ClientOption) (*Client, error) {
	if trackingURI == "" {
		trackingURI = DefaultTrackingURI
	}
	c := &Client{
		trackingURI: trackingURI,
		user:        currentUser(),
		sourceName:  sourceName(),
		logger:      log.GetLoggerWithName("tracking"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		store, err := OpenStore(ctx, trackingURI, c.storeOpts...)
		if err != nil {
			return nil, err
		}
		c.store = store
	}
	c.logger.Debug("tracking client ready", log.TrackingURIKey, redactURI(trackingURI))
	return c, nil
}

// Store returns the underlying backend.
func (c *Client) Store() Store { return c.store }

// TrackingURI returns the URI the client was opened with.
func (c *Client) TrackingURI() string { return c.trackingURI }

// Close releases the store.
func (c *Client) Close() error {
	return c.store.Close()
}

// CreateExperiment creates a new experiment and returns its id.
func (c *Client) CreateExperiment(ctx context.Context, name, artifactLocation string, tags ...ExperimentTag) (string, error) {
	if err := ValidateExperimentName(name); err != nil {
		return "", err
	}
	return c.store.CreateExperiment(ctx, name, artifactLocation, tags)
}

// GetExperiment returns an experiment by id.
func (c *Client) GetExperiment(ctx context.Context, experimentID string) (*Experiment, error) {
	return c.store.GetExperiment(ctx, experimentID)
}

// GetExperimentByName returns an experiment by name, including deleted ones.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	return c.store.GetExperimentByName(ctx, name)
}

// SearchExperiments lists experiments visible under view.
func (c *Client) SearchExperiments(ctx context.Context, view ViewType) ([]*Experiment, error) {
	return c.store.SearchExperiments(ctx, view)
}

// DeleteExperiment marks an experiment deleted.
func (c *Client) DeleteExperiment(ctx context.Context, experimentID string) error {
	return c.store.DeleteExperiment(ctx, experimentID)
}

// SetExperiment returns the experiment with the given name, creating it when
// it does not exist. A deleted experiment of that name is an error.
func (c *Client) SetExperiment(ctx context.Context, name string) (*Experiment, error) {
	exp, err := c.store.GetExperimentByName(ctx, name)
	if err != nil && !errors.IsNotExist(err) {
		return nil, err
	}
	if exp != nil && err == nil {
		if exp.LifecycleStage == LifecycleDeleted {
			return nil, errors.NewTrackingError(errors.InvalidState,
				"cannot set a deleted experiment '%s' as the active experiment; restore it or delete it permanently", name)
		}
		return exp, nil
	}

	id, err := c.CreateExperiment(ctx, name, "")
	if err != nil {
		// 並行して同名の実験が作られた場合は既存のものを使う
		if errors.CodeOf(err) == errors.ResourceAlreadyExists {
			return c.store.GetExperimentByName(ctx, name)
		}
		return nil, err
	}
	c.logger.Info("created experiment", log.ExperimentNameKey, name, log.ExperimentIDKey, id)
	return c.store.GetExperiment(ctx, id)
}

// GetRun returns a run with its latest metrics, params, tags and inputs.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	return c.store.GetRun(ctx, runID)
}

// SearchRuns lists runs of the given experiments, newest first.
// maxResults <= 0 returns every run.
func (c *Client) SearchRuns(ctx context.Context, experimentIDs []string, view ViewType, maxResults int) ([]*Run, error) {
	return c.store.SearchRuns(ctx, experimentIDs, view, maxResults)
}

// DeleteRun marks a run deleted.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	return c.store.DeleteRun(ctx, runID)
}

// GetMetricHistory returns every logged value of a metric.
func (c *Client) GetMetricHistory(ctx context.Context, runID, key string) ([]Metric, error) {
	return c.store.GetMetricHistory(ctx, runID, key)
}

// SetTerminated ends a run that is not held as an ActiveRun.
func (c *Client) SetTerminated(ctx context.Context, runID string, status RunStatus) error {
	if !status.IsTerminal() {
		return errors.NewTrackingError(errors.InvalidParameterValue, "status %s does not end a run", status)
	}
	_, err := c.store.UpdateRunInfo(ctx, runID, status, NowMillis(), "")
	return err
}

// ArtifactRepository opens the artifact repository of a run.
func (c *Client) ArtifactRepository(info RunInfo) (artifacts.Repository, error) {
	opts := append([]artifacts.Option{artifacts.WithTrackingURI(c.trackingURI)}, c.artifactOpts...)
	repo, err := artifacts.NewRepository(info.ArtifactURI, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "open artifact repository of run %s", info.RunID)
	}
	return repo, nil
}

// ListArtifacts lists the artifacts of a run under dir ("" for the root).
func (c *Client) ListArtifacts(ctx context.Context, runID, dir string) ([]artifacts.FileInfo, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	repo, err := c.ArtifactRepository(run.Info)
	if err != nil {
		return nil, err
	}
	return repo.ListArtifacts(ctx, dir)
}

// DownloadArtifacts copies a run artifact (file or directory) under dst and
// returns the local path.
func (c *Client) DownloadArtifacts(ctx context.Context, runID, artifactPath, dst string) (string, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	repo, err := c.ArtifactRepository(run.Info)
	if err != nil {
		return "", err
	}
	return artifacts.DownloadArtifacts(ctx, repo, artifactPath, dst)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

func sourceName() string {
	if len(os.Args) > 0 {
		return os.Args[0]
	}
	return ""
}
