package autolog

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/sklearn/datasets"
	"github.com/YuminosukeSato/regtrack/sklearn/linear_model"
	"github.com/YuminosukeSato/regtrack/tracking"
	_ "github.com/YuminosukeSato/regtrack/tracking/filestore"
	"github.com/YuminosukeSato/regtrack/tracking/models"
)

func setup(t *testing.T) (*tracking.Client, *datasets.Dataset) {
	t.Helper()
	c, err := tracking.NewClient(context.Background(), filepath.Join(t.TempDir(), "mlruns"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ds, err := datasets.MakeRegression(datasets.WithNSamples(50), datasets.WithNFeatures(4),
		datasets.WithNoise(0.1), datasets.WithRandomState(3))
	require.NoError(t, err)
	return c, ds
}

func runs(t *testing.T, c *tracking.Client) []*tracking.Run {
	t.Helper()
	rs, err := c.SearchRuns(context.Background(), []string{tracking.DefaultExperimentID}, tracking.AllStages, 0)
	require.NoError(t, err)
	return rs
}

func TestFitCreatesAndEndsRun(t *testing.T) {
	ctx := context.Background()
	c, ds := setup(t)
	al := Enable(c, WithSilent(true))
	lr := linear_model.NewLinearRegression()

	require.NoError(t, al.Fit(ctx, lr, ds.X, ds.Y))
	assert.True(t, lr.IsFitted())

	all := runs(t, c)
	require.Len(t, all, 1)
	run := all[0]
	assert.Equal(t, tracking.StatusFinished, run.Info.Status)

	assert.Equal(t, map[string]string{
		"fit_intercept": "True",
		"copy_X":        "True",
		"n_jobs":        "None",
		"positive":      "False",
	}, run.Data.ParamMap())

	tags := run.Data.TagMap()
	assert.Equal(t, "LinearRegression", tags[TagEstimatorName])
	assert.Equal(t, "github.com/YuminosukeSato/regtrack/sklearn/linear_model.LinearRegression", tags[TagEstimatorClass])
	assert.Contains(t, tags, models.HistoryTag)

	m := run.Data.MetricMap()
	for _, k := range []string{MetricMSE, MetricRMSE, MetricMAE, MetricR2, MetricScore} {
		assert.Contains(t, m, k)
	}
	assert.InDelta(t, m[MetricR2], m[MetricScore], 1e-12)
	assert.Greater(t, m[MetricR2], 0.99)
	assert.InDelta(t, m[MetricMSE], m[MetricRMSE]*m[MetricRMSE], 1e-9)

	require.Len(t, run.Inputs.DatasetInputs, 1)
	in := run.Inputs.DatasetInputs[0]
	assert.Equal(t, DatasetName, in.Dataset.Name)
	assert.Equal(t, datasets.Digest(ds.X, ds.Y), in.Dataset.Digest)
	assert.Equal(t, []tracking.InputTag{{Key: tracking.DatasetContextTag, Value: ContextTrain}}, in.Tags)
	assert.Contains(t, in.Dataset.Profile, `"features_shape":[50,4]`)

	files, err := c.ListArtifacts(ctx, run.Info.RunID, ModelArtifactPath)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	id, ok := al.TrainingRunID(lr)
	require.True(t, ok)
	assert.Equal(t, run.Info.RunID, id)
}

func TestFitUsesRunFromContext(t *testing.T) {
	ctx := context.Background()
	c, ds := setup(t)
	al := Enable(c, WithSilent(true), WithLogModels(false))
	lr := linear_model.NewLinearRegression()

	var outer string
	err := c.WithRun(ctx, "", func(ctx context.Context, run *tracking.ActiveRun) error {
		outer = run.ID()
		return al.Fit(ctx, lr, ds.X, ds.Y)
	})
	require.NoError(t, err)

	all := runs(t, c)
	require.Len(t, all, 1)
	assert.Equal(t, outer, all[0].Info.RunID)
	assert.NotContains(t, all[0].Data.TagMap(), models.HistoryTag)
}

func TestFitFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	c, ds := setup(t)
	al := Enable(c, WithSilent(true))

	bad := mat.NewDense(10, 1, nil)
	err := al.Fit(ctx, linear_model.NewLinearRegression(), ds.X, bad)
	require.Error(t, err)

	all := runs(t, c)
	require.Len(t, all, 1)
	assert.Equal(t, tracking.StatusFailed, all[0].Info.Status)
}

func TestDisable(t *testing.T) {
	ctx := context.Background()
	c, ds := setup(t)
	al := Enable(c, WithDisable(true))
	lr := linear_model.NewLinearRegression()

	require.NoError(t, al.Fit(ctx, lr, ds.X, ds.Y))
	assert.True(t, lr.IsFitted())
	assert.Empty(t, runs(t, c))

	_, err := al.Predict(ctx, lr, ds.X)
	require.NoError(t, err)
	_, ok := al.TrainingRunID(lr)
	assert.False(t, ok)
}

func TestPredictAndEvaluate(t *testing.T) {
	ctx := context.Background()
	c, ds := setup(t)
	al := Enable(c, WithSilent(true), WithLogModels(false))
	lr := linear_model.NewLinearRegression()

	_, err := al.Evaluate(ctx, lr, ds.Y, "test")
	assert.Equal(t, errors.InvalidState, errors.CodeOf(err))

	require.NoError(t, al.Fit(ctx, lr, ds.X, ds.Y))
	pred, err := al.Predict(ctx, lr, ds.X)
	require.NoError(t, err)
	r, _ := pred.Dims()
	assert.Equal(t, 50, r)

	report, err := al.Evaluate(ctx, lr, ds.Y, "test")
	require.NoError(t, err)

	all := runs(t, c)
	require.Len(t, all, 1)
	m := all[0].Data.MetricMap()
	assert.InDelta(t, report.R2, m["LinearRegression_score_test"], 1e-12)
	assert.InDelta(t, report.MSE, m["mean_squared_error_test"], 1e-12)
	assert.Contains(t, m, "root_mean_squared_error_test")
	assert.Contains(t, m, "mean_absolute_error_test")

	// 評価後は推定器の追跡を解除する
	_, ok := al.TrainingRunID(lr)
	assert.False(t, ok)
	_, err = al.Evaluate(ctx, lr, ds.Y, "test")
	assert.Equal(t, errors.InvalidState, errors.CodeOf(err))
	assert.Empty(t, al.tracked)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	c, ds := setup(t)
	al := Enable(c, WithSilent(true), WithLogModels(false), WithLogDatasets(false))

	for i := 0; i < 3; i++ {
		lr := linear_model.NewLinearRegression()
		require.NoError(t, al.Fit(ctx, lr, ds.X, ds.Y))
		_, err := al.Predict(ctx, lr, ds.X)
		require.NoError(t, err)
		al.Forget(lr)
	}
	assert.Empty(t, al.tracked)
	assert.Len(t, runs(t, c), 3)
}

// valueRegressor is a non-pointer estimator whose dynamic type is not
// comparable.
type valueRegressor struct {
	inner *linear_model.LinearRegression
	notes []string
}

func (v valueRegressor) Fit(X, y mat.Matrix) error { return v.inner.Fit(X, y) }
func (v valueRegressor) Predict(X mat.Matrix) (mat.Matrix, error) { return v.inner.Predict(X) }
func (v valueRegressor) Score(X, y mat.Matrix) (float64, error) { return v.inner.Score(X, y) }
func (v valueRegressor) GetParams() map[string]interface{} { return v.inner.GetParams() }
func (v valueRegressor) IsFitted() bool { return v.inner.IsFitted() }

func TestValueEstimatorIsLoggedButNotTracked(t *testing.T) {
	ctx := context.Background()
	c, ds := setup(t)
	al := Enable(c, WithSilent(true), WithLogModels(false))
	est := valueRegressor{inner: linear_model.NewLinearRegression(), notes: []string{"x"}}

	require.NotPanics(t, func() {
		require.NoError(t, al.Fit(ctx, est, ds.X, ds.Y))
		_, err := al.Predict(ctx, est, ds.X)
		require.NoError(t, err)
		_, ok := al.TrainingRunID(est)
		assert.False(t, ok)
		_, err = al.Evaluate(ctx, est, ds.Y, "test")
		assert.Equal(t, errors.InvalidState, errors.CodeOf(err))
		al.Forget(est)
	})

	all := runs(t, c)
	require.Len(t, all, 1)
	assert.Equal(t, "valueRegressor", all[0].Data.TagMap()[TagEstimatorName])
	assert.Contains(t, all[0].Data.MetricMap(), MetricR2)
}

func TestLogPlots(t *testing.T) {
	ctx := context.Background()
	c, ds := setup(t)
	al := Enable(c, WithSilent(true), WithLogModels(false), WithLogPlots(true))
	lr := linear_model.NewLinearRegression()
	require.NoError(t, al.Fit(ctx, lr, ds.X, ds.Y))

	id, _ := al.TrainingRunID(lr)
	run, err := c.GetRun(ctx, id)
	require.NoError(t, err)
	repo, err := c.ArtifactRepository(run.Info)
	require.NoError(t, err)
	rc, err := repo.Open(ctx, PlotArtifactPath)
	require.NoError(t, err)
	defer rc.Close()
	head := make([]byte, 8)
	_, err = io.ReadFull(rc, head)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), head)
}

func TestFormatParam(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, "None"},
		{true, "True"},
		{false, "False"},
		{4, "4"},
		{0.25, "0.25"},
		{"auto", "auto"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatParam(tt.in))
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Enable(nil).Config()
	assert.True(t, cfg.LogModels)
	assert.True(t, cfg.LogDatasets)
	assert.False(t, cfg.LogPlots)
	assert.True(t, cfg.LogPostTrainingMetrics)
	assert.False(t, cfg.Disable)
	assert.False(t, cfg.Silent)
}
