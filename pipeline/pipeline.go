// Package pipeline は合成データの生成から学習、予測までを一つのトラッキング
// ランとして実行する。
//
//  1. make_regression で合成データを生成する
//  2. 80/20 で学習用とテスト用に分割する
//  3. 実験を設定し、オートロギングを有効にする
//  4. ランの中で LinearRegression を学習する
//  5. テストデータを予測する
//
// トラッキングの接続先は呼び出し側が渡す Client で決まる。
package pipeline

import (
	"context"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/sklearn/datasets"
	"github.com/YuminosukeSato/regtrack/sklearn/linear_model"
	"github.com/YuminosukeSato/regtrack/sklearn/model_selection"
	"github.com/YuminosukeSato/regtrack/tracking"
	"github.com/YuminosukeSato/regtrack/tracking/autolog"
)

// Config holds the fixed parameters of the pipeline.
type Config struct {
	NSamples       int     `mapstructure:"n_samples" yaml:"n_samples"`
	NFeatures      int     `mapstructure:"n_features" yaml:"n_features"`
	Noise          float64 `mapstructure:"noise" yaml:"noise"`
	Seed           uint64  `mapstructure:"seed" yaml:"seed"`
	TestSize       float64 `mapstructure:"test_size" yaml:"test_size"`
	SplitSeed      uint64  `mapstructure:"split_seed" yaml:"split_seed"`
	ExperimentName string  `mapstructure:"experiment_name" yaml:"experiment_name"`

	// Autolog options appended after the pipeline's own.
	Autolog []autolog.Option `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		NSamples:       100,
		NFeatures:      5,
		Noise:          0.1,
		Seed:           42,
		TestSize:       0.2,
		SplitSeed:      42,
		ExperimentName: "dummy-regressor",
	}
}

// Result is what Run produced.
type Result struct {
	RunID        string
	ExperimentID string
	Split        *model_selection.Split
	Model        *linear_model.LinearRegression
	Predictions  mat.Matrix
}

// Run executes the pipeline against client. Any failure is returned as is;
// a run that was started is always ended, FAILED on error.
func Run(ctx context.Context, client *tracking.Client, cfg Config, logger log.Logger) (*Result, error) {
	if logger == nil {
		logger = log.GetLoggerWithName("pipeline")
	}
	start := time.Now()

	ds, err := datasets.MakeRegression(
		datasets.WithNSamples(cfg.NSamples),
		datasets.WithNFeatures(cfg.NFeatures),
		datasets.WithNoise(cfg.Noise),
		datasets.WithRandomState(cfg.Seed),
	)
	if err != nil {
		return nil, errors.Wrap(err, "generate dataset")
	}
	logger.Debug("dataset generated", log.OperationKey, log.OperationGenerate,
		log.SamplesKey, cfg.NSamples, log.FeaturesKey, cfg.NFeatures, log.RandomSeedKey, cfg.Seed)

	split, err := model_selection.TrainTestSplit(ds.X, ds.Y,
		model_selection.WithTestSize(cfg.TestSize),
		model_selection.WithRandomState(cfg.SplitSeed),
	)
	if err != nil {
		return nil, errors.Wrap(err, "split dataset")
	}

	exp, err := client.SetExperiment(ctx, cfg.ExperimentName)
	if err != nil {
		return nil, err
	}
	logger = logger.With(log.ExperimentNameKey, exp.Name, log.ExperimentIDKey, exp.ExperimentID)

	opts := append([]autolog.Option{autolog.WithExperimentID(exp.ExperimentID), autolog.WithLogger(logger)}, cfg.Autolog...)
	al := autolog.Enable(client, opts...)

	res := &Result{ExperimentID: exp.ExperimentID, Split: split}
	err = client.WithRun(ctx, exp.ExperimentID, func(ctx context.Context, run *tracking.ActiveRun) error {
		res.RunID = run.ID()
		lr := linear_model.NewLinearRegression()
		if err := al.Fit(ctx, lr, split.XTrain, split.YTrain); err != nil {
			return err
		}
		preds, err := al.Predict(ctx, lr, split.XTest)
		if err != nil {
			return err
		}
		res.Model = lr
		res.Predictions = preds
		return nil
	})
	if err != nil {
		return nil, err
	}

	n, _ := res.Predictions.Dims()
	logger.Info("pipeline finished", log.RunIDKey, res.RunID, log.PredsKey, n,
		log.DurationMsKey, time.Since(start).Milliseconds())
	return res, nil
}
