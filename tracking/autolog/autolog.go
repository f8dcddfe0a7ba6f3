// Package autolog は推定器の学習と予測を自動でトラッキングする。
//
// Go ではライブラリ呼び出しを横取りできないため、Autologger.Fit と
// Autologger.Predict を明示的に呼ぶ。Fit はパラメータ、学習データセット、
// 学習指標、モデルを記録する。実行中のランがコンテキストにない場合は
// Fit の間だけランを作成して終了する。
package autolog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/regtrack/core/model"
	"github.com/YuminosukeSato/regtrack/metrics"
	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/tracking"
	"github.com/YuminosukeSato/regtrack/tracking/models"
)

// Tags and names written by the autologger.
const (
	TagEstimatorName  = "estimator_name"
	TagEstimatorClass = "estimator_class"
	TagAutologging    = "mlflow.autologging"
	Flavor            = "sklearn"

	DatasetName       = "dataset"
	DatasetSourceType = "code"
	ContextTrain      = "train"
	ContextEval       = "eval"

	ModelArtifactPath = models.DefaultPath
	PlotArtifactPath  = "training_residuals_plot.png"
)

// Training metric keys.
const (
	MetricMSE   = "training_mean_squared_error"
	MetricRMSE  = "training_root_mean_squared_error"
	MetricMAE   = "training_mean_absolute_error"
	MetricR2    = "training_r2_score"
	MetricScore = "training_score"
)

// Config controls what is logged.
type Config struct {
	LogModels              bool
	LogDatasets            bool
	LogPlots               bool
	LogPostTrainingMetrics bool
	Disable                bool
	Silent                 bool

	// ExperimentID is used for runs created by Fit ("" = Default).
	ExperimentID string
	ModelOptions []models.Option
	Logger       log.Logger
}

// Option configures Enable.
type Option func(*Config)

// WithLogModels toggles logging the fitted model under ModelArtifactPath.
func WithLogModels(v bool) Option { return func(c *Config) { c.LogModels = v } }

// WithLogDatasets toggles logging the training data as a dataset input.
func WithLogDatasets(v bool) Option { return func(c *Config) { c.LogDatasets = v } }

// WithLogPlots toggles the training residuals plot.
func WithLogPlots(v bool) Option { return func(c *Config) { c.LogPlots = v } }

// WithLogPostTrainingMetrics toggles recording predictions for Evaluate.
func WithLogPostTrainingMetrics(v bool) Option {
	return func(c *Config) { c.LogPostTrainingMetrics = v }
}

// WithDisable turns the autologger into a pass-through.
func WithDisable(v bool) Option { return func(c *Config) { c.Disable = v } }

// WithSilent discards the autologger's own log output.
func WithSilent(v bool) Option { return func(c *Config) { c.Silent = v } }

// WithExperimentID sets the experiment for runs created by Fit.
func WithExperimentID(id string) Option { return func(c *Config) { c.ExperimentID = id } }

// WithModelOptions passes options to models.Log.
func WithModelOptions(opts ...models.Option) Option {
	return func(c *Config) { c.ModelOptions = append(c.ModelOptions, opts...) }
}

// WithLogger sets the logger. Silent overrides it.
func WithLogger(l log.Logger) Option { return func(c *Config) { c.Logger = l } }

// DefaultConfig returns the defaults of MLflow's scikit-learn autologging.
func DefaultConfig() Config {
	return Config{
		LogModels:              true,
		LogDatasets:            true,
		LogPlots:               false,
		LogPostTrainingMetrics: true,
	}
}

// Autologger records Fit and Predict calls of estimators to a tracking client.
//
// Estimators are tracked by pointer identity from Fit until Evaluate or
// Forget. Non-pointer estimators are fitted and logged but not tracked.
type Autologger struct {
	client *tracking.Client
	cfg    Config
	logger log.Logger

	mu      sync.Mutex
	tracked map[model.Regressor]*trackedFit
}

// trackedFit is the state kept per fitted estimator.
type trackedFit struct {
	runID string
	pred  mat.Matrix // 最後の Predict の結果
}

// trackable reports whether est can be a map key by identity.
func trackable(est model.Regressor) bool {
	t := reflect.TypeOf(est)
	return t != nil && t.Kind() == reflect.Pointer
}

// Enable returns an autologger for client.
func Enable(client *tracking.Client, opts ...Option) *Autologger {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.GetLoggerWithName("autolog")
	}
	if cfg.Silent {
		logger = log.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
	return &Autologger{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		tracked: make(map[model.Regressor]*trackedFit),
	}
}

// Config returns the effective configuration.
func (a *Autologger) Config() Config { return a.cfg }

// Fit fits est on X, y and logs the training to the run in ctx, or to a new
// run when there is none.
func (a *Autologger) Fit(ctx context.Context, est model.Regressor, X, y mat.Matrix) error {
	if a.cfg.Disable {
		return est.Fit(X, y)
	}
	if run, ok := tracking.RunFromContext(ctx); ok {
		return a.fitInRun(ctx, run, est, X, y)
	}
	return a.client.WithRun(ctx, a.cfg.ExperimentID, func(ctx context.Context, run *tracking.ActiveRun) error {
		return a.fitInRun(ctx, run, est, X, y)
	})
}

func (a *Autologger) fitInRun(ctx context.Context, run *tracking.ActiveRun, est model.Regressor, X, y mat.Matrix) error {
	name := EstimatorName(est)
	logger := a.logger.With(log.RunIDKey, run.ID(), log.ModelNameKey, name)

	hyper := est.GetParams()
	params := make([]tracking.Param, 0, len(hyper))
	for _, k := range sortedKeys(hyper) {
		params = append(params, tracking.Param{Key: k, Value: FormatParam(hyper[k])})
	}
	tags := []tracking.RunTag{
		{Key: TagEstimatorName, Value: name},
		{Key: TagEstimatorClass, Value: EstimatorClass(est)},
		{Key: TagAutologging, Value: Flavor},
	}
	if err := run.LogBatch(ctx, nil, params, tags); err != nil {
		return errors.Wrap(err, "autolog params")
	}

	if a.cfg.LogDatasets {
		input, err := DatasetInput(X, y, ContextTrain)
		if err != nil {
			return err
		}
		if err := run.LogInputs(ctx, input); err != nil {
			// データセットの記録失敗は学習を止めない
			logger.Warn("failed to log training dataset", log.ErrAttrKey, err)
		}
	}

	start := time.Now()
	if err := est.Fit(X, y); err != nil {
		return err
	}
	logger.Info("estimator fitted", log.OperationKey, log.OperationFit,
		log.DurationMsKey, time.Since(start).Milliseconds())

	pred, err := est.Predict(X)
	if err != nil {
		return errors.Wrap(err, "predict on training data")
	}
	report, err := metrics.Regression(y, pred)
	if err != nil {
		return errors.Wrap(err, "compute training metrics")
	}
	score, err := est.Score(X, y)
	if err != nil {
		return errors.Wrap(err, "compute training score")
	}
	ts := tracking.NowMillis()
	ms := []tracking.Metric{
		{Key: MetricMSE, Value: report.MSE, Timestamp: ts},
		{Key: MetricRMSE, Value: report.RMSE, Timestamp: ts},
		{Key: MetricMAE, Value: report.MAE, Timestamp: ts},
		{Key: MetricR2, Value: report.R2, Timestamp: ts},
		{Key: MetricScore, Value: score, Timestamp: ts},
	}
	if err := run.LogBatch(ctx, ms, nil, nil); err != nil {
		return errors.Wrap(err, "autolog training metrics")
	}
	logger.Debug("training metrics logged", log.MSEKey, report.MSE, log.R2ScoreKey, report.R2)

	if a.cfg.LogPlots {
		if err := logResidualPlot(ctx, run, y, pred); err != nil {
			logger.Warn("failed to log residuals plot", log.ErrAttrKey, err)
		}
	}

	if a.cfg.LogModels {
		exporter, ok := est.(model.WeightExporter)
		if !ok {
			logger.Warn("estimator does not export weights; model not logged")
		} else if _, err := models.Log(ctx, run, exporter, ModelArtifactPath, a.cfg.ModelOptions...); err != nil {
			return errors.Wrap(err, "autolog model")
		}
	}

	if !trackable(est) {
		logger.Debug("estimator is not a pointer; Evaluate unavailable")
		return nil
	}
	a.mu.Lock()
	a.tracked[est] = &trackedFit{runID: run.ID()}
	a.mu.Unlock()
	return nil
}

// Predict returns est.Predict(X) and remembers the result for Evaluate.
func (a *Autologger) Predict(ctx context.Context, est model.Regressor, X mat.Matrix) (mat.Matrix, error) {
	pred, err := est.Predict(X)
	if err != nil {
		return nil, err
	}
	if a.cfg.Disable || !a.cfg.LogPostTrainingMetrics || !trackable(est) {
		return pred, nil
	}
	a.mu.Lock()
	tf, ok := a.tracked[est]
	if ok {
		tf.pred = pred
	}
	a.mu.Unlock()
	if ok {
		r, _ := pred.Dims()
		a.logger.Debug("prediction recorded", log.RunIDKey, tf.runID, log.PredsKey, r)
	}
	return pred, nil
}

// TrainingRunID returns the run that logged est's last Fit, until est is
// evaluated or forgotten.
func (a *Autologger) TrainingRunID(est model.Regressor) (string, bool) {
	if !trackable(est) {
		return "", false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	tf, ok := a.tracked[est]
	if !ok {
		return "", false
	}
	return tf.runID, true
}

// Forget drops what the autologger remembers about est.
func (a *Autologger) Forget(est model.Regressor) {
	if !trackable(est) {
		return
	}
	a.mu.Lock()
	delete(a.tracked, est)
	a.mu.Unlock()
}

// Evaluate compares yTrue with est's last recorded prediction and logs
// post-training metrics to the training run:
// "<Estimator>_score_<name>" (R²) and "<metric>_<name>" for MSE, RMSE and
// MAE. The training run may already have ended. After a successful Evaluate
// est is no longer tracked.
func (a *Autologger) Evaluate(ctx context.Context, est model.Regressor, yTrue mat.Matrix, name string) (*metrics.RegressionReport, error) {
	var runID string
	var pred mat.Matrix
	if trackable(est) {
		a.mu.Lock()
		if tf, ok := a.tracked[est]; ok {
			runID, pred = tf.runID, tf.pred
		}
		a.mu.Unlock()
	}
	if pred == nil {
		return nil, errors.NewTrackingError(errors.InvalidState,
			"no autologged prediction for %s; call Fit and Predict through the autologger first", EstimatorName(est))
	}
	report, err := metrics.Regression(yTrue, pred)
	if err != nil {
		return nil, err
	}
	if a.cfg.Disable || !a.cfg.LogPostTrainingMetrics {
		a.Forget(est)
		return report, nil
	}

	ts := tracking.NowMillis()
	ms := []tracking.Metric{
		{Key: EstimatorName(est) + "_score_" + name, Value: report.R2, Timestamp: ts},
		{Key: "mean_squared_error_" + name, Value: report.MSE, Timestamp: ts},
		{Key: "root_mean_squared_error_" + name, Value: report.RMSE, Timestamp: ts},
		{Key: "mean_absolute_error_" + name, Value: report.MAE, Timestamp: ts},
	}
	if err := tracking.ValidateBatch(ms, nil, nil); err != nil {
		return nil, err
	}
	if err := a.client.Store().LogBatch(ctx, runID, ms, nil, nil); err != nil {
		return nil, errors.Wrapf(err, "log post-training metrics to run %s", runID)
	}
	a.Forget(est)
	return report, nil
}

// EstimatorName is the type name of est, e.g. "LinearRegression".
func EstimatorName(est interface{}) string {
	t := reflect.TypeOf(est)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	return t.Name()
}

// EstimatorClass is the fully qualified type name of est.
func EstimatorClass(est interface{}) string {
	t := reflect.TypeOf(est)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	return t.PkgPath() + "." + t.Name()
}

// FormatParam renders a hyperparameter the way scikit-learn's autologging
// shows it: nil as "None" and booleans as "True" / "False".
func FormatParam(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
