// Package model_selection はデータ分割のユーティリティを提供する。
package model_selection

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
)

// Split は TrainTestSplit の結果。各インデックスは元データの行番号
type Split struct {
	XTrain, XTest *mat.Dense
	YTrain, YTest *mat.Dense

	TrainIndices []int
	TestIndices  []int
}

type splitConfig struct {
	testSize    float64
	shuffle     bool
	randomState *uint64
}

// SplitOption は TrainTestSplit の設定オプション
type SplitOption func(*splitConfig)

// WithTestSize はテストデータの割合を (0, 1) で設定（デフォルト 0.25）
func WithTestSize(size float64) SplitOption {
	return func(c *splitConfig) { c.testSize = size }
}

// WithShuffle は分割前のシャッフル有無を設定（デフォルト true）
func WithShuffle(shuffle bool) SplitOption {
	return func(c *splitConfig) { c.shuffle = shuffle }
}

// WithRandomState は乱数シードを設定
func WithRandomState(seed uint64) SplitOption {
	return func(c *splitConfig) { c.randomState = &seed }
}

// TrainTestSplit は X と y を訓練用とテスト用に分割する。
//
// n_test = ceil(test_size*n)、n_train = n - n_test。シャッフルした順列の
// 先頭 n_test 行がテスト、残りが訓練になる。X と y の行の対応は保たれる。
func TrainTestSplit(X, y mat.Matrix, opts ...SplitOption) (*Split, error) {
	cfg := splitConfig{testSize: 0.25, shuffle: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	n, _ := X.Dims()
	yRows, _ := y.Dims()
	if n == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "TrainTestSplit")
	}
	if yRows != n {
		return nil, errors.NewDimensionError("TrainTestSplit", n, yRows, 0)
	}
	if !(cfg.testSize > 0 && cfg.testSize < 1) {
		return nil, errors.NewValidationError("test_size", "must be in the open interval (0, 1)", cfg.testSize)
	}

	nTest := int(math.Ceil(cfg.testSize * float64(n)))
	nTrain := n - nTest
	if nTrain <= 0 || nTest <= 0 {
		return nil, errors.NewValueError("TrainTestSplit",
			"the resulting train set would be empty; adjust test_size or provide more samples")
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if cfg.shuffle {
		var seed uint64
		if cfg.randomState != nil {
			seed = *cfg.randomState
		} else {
			seed = rand.Uint64()
		}
		rng := rand.New(rand.NewPCG(seed, seed))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	split := &Split{
		TestIndices:  append([]int(nil), order[:nTest]...),
		TrainIndices: append([]int(nil), order[nTest:]...),
	}
	split.XTest = takeRows(X, split.TestIndices)
	split.YTest = takeRows(y, split.TestIndices)
	split.XTrain = takeRows(X, split.TrainIndices)
	split.YTrain = takeRows(y, split.TrainIndices)

	log.GetLoggerWithName("model_selection").Debug("train/test split",
		log.OperationKey, log.OperationSplit,
		log.SamplesKey, n,
		"train", nTrain,
		"test", nTest,
	)
	return split, nil
}

func takeRows(m mat.Matrix, idx []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	row := make([]float64, c)
	for i, src := range idx {
		for j := range row {
			row[j] = m.At(src, j)
		}
		out.SetRow(i, row)
	}
	return out
}
