// Package datasets は合成データセットの生成器を提供する。
package datasets

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
)

// Dataset は MakeRegression の結果
type Dataset struct {
	// X は n_samples×n_features の入力行列
	X *mat.Dense
	// Y は n_samples×n_targets の目的変数
	Y *mat.Dense
	// Coef は n_features×n_targets の真の係数。非 informative な特徴量は 0
	Coef *mat.Dense
}

// RegressionConfig は MakeRegression のパラメータ
type RegressionConfig struct {
	NSamples     int
	NFeatures    int
	NInformative int
	NTargets     int
	Bias         float64
	Noise        float64
	Shuffle      bool
	RandomState  *uint64
}

// RegressionOption は MakeRegression の設定オプション
type RegressionOption func(*RegressionConfig)

// WithNSamples はサンプル数を設定（デフォルト 100）
func WithNSamples(n int) RegressionOption {
	return func(c *RegressionConfig) { c.NSamples = n }
}

// WithNFeatures は特徴量数を設定（デフォルト 100）
func WithNFeatures(n int) RegressionOption {
	return func(c *RegressionConfig) { c.NFeatures = n }
}

// WithNInformative は目的変数に寄与する特徴量数を設定（デフォルト 10）
func WithNInformative(n int) RegressionOption {
	return func(c *RegressionConfig) { c.NInformative = n }
}

// WithNTargets は目的変数の数を設定（デフォルト 1）
func WithNTargets(n int) RegressionOption {
	return func(c *RegressionConfig) { c.NTargets = n }
}

// WithBias は切片を設定
func WithBias(b float64) RegressionOption {
	return func(c *RegressionConfig) { c.Bias = b }
}

// WithNoise はガウスノイズの標準偏差を設定
func WithNoise(noise float64) RegressionOption {
	return func(c *RegressionConfig) { c.Noise = noise }
}

// WithShuffle は行と特徴量のシャッフル有無を設定（デフォルト true）
func WithShuffle(shuffle bool) RegressionOption {
	return func(c *RegressionConfig) { c.Shuffle = shuffle }
}

// WithRandomState は乱数シードを設定。未設定の場合は毎回異なるデータになる
func WithRandomState(seed uint64) RegressionOption {
	return func(c *RegressionConfig) { c.RandomState = &seed }
}

// DefaultRegressionConfig は scikit-learn の make_regression と同じデフォルト値
func DefaultRegressionConfig() RegressionConfig {
	return RegressionConfig{
		NSamples:     100,
		NFeatures:    100,
		NInformative: 10,
		NTargets:     1,
		Shuffle:      true,
	}
}

func (c RegressionConfig) validate() error {
	switch {
	case c.NSamples <= 0:
		return errors.NewValidationError("n_samples", "must be positive", c.NSamples)
	case c.NFeatures <= 0:
		return errors.NewValidationError("n_features", "must be positive", c.NFeatures)
	case c.NInformative < 0:
		return errors.NewValidationError("n_informative", "must be non-negative", c.NInformative)
	case c.NTargets <= 0:
		return errors.NewValidationError("n_targets", "must be positive", c.NTargets)
	case c.Noise < 0 || math.IsNaN(c.Noise):
		return errors.NewValidationError("noise", "must be non-negative", c.Noise)
	}
	return nil
}

// MakeRegression はランダムな線形回帰問題を生成する。
//
// X は標準正規分布、informative な特徴量の真の係数は 100*U[0,1)、
// y = X·coef + bias + noise*N(0,1)。Shuffle の場合は行と列を並べ替え、
// 係数も列に合わせて並べ替える。同じオプションなら同じデータを返す。
//
// 使用例:
//
//	ds, err := datasets.MakeRegression(
//	    datasets.WithNSamples(100),
//	    datasets.WithNFeatures(5),
//	    datasets.WithNoise(0.1),
//	    datasets.WithRandomState(42),
//	)
func MakeRegression(opts ...RegressionOption) (*Dataset, error) {
	cfg := DefaultRegressionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var seed uint64
	if cfg.RandomState != nil {
		seed = *cfg.RandomState
	} else {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed))

	n, p, t := cfg.NSamples, cfg.NFeatures, cfg.NTargets
	nInformative := min(cfg.NInformative, p)

	X := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		row := X.RawRowView(i)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
	}

	coef := mat.NewDense(p, t, nil)
	for j := 0; j < nInformative; j++ {
		for k := 0; k < t; k++ {
			coef.Set(j, k, 100*rng.Float64())
		}
	}

	Y := mat.NewDense(n, t, nil)
	Y.Mul(X, coef)
	if cfg.Bias != 0 {
		Y.Apply(func(_, _ int, v float64) float64 { return v + cfg.Bias }, Y)
	}
	if cfg.Noise > 0 {
		Y.Apply(func(_, _ int, v float64) float64 { return v + cfg.Noise*rng.NormFloat64() }, Y)
	}

	if cfg.Shuffle {
		X, Y = shuffleRows(rng, X, Y)
		X, coef = shuffleFeatures(rng, X, coef)
	}

	log.GetLoggerWithName("datasets").Debug("regression dataset generated",
		log.OperationKey, log.OperationGenerate,
		log.SamplesKey, n,
		log.FeaturesKey, p,
		log.RandomSeedKey, seed,
	)
	return &Dataset{X: X, Y: Y, Coef: coef}, nil
}

// shuffleRows は X と Y の行を同じ順列で並べ替える
func shuffleRows(rng *rand.Rand, X, Y *mat.Dense) (*mat.Dense, *mat.Dense) {
	n, p := X.Dims()
	_, t := Y.Dims()
	perm := rng.Perm(n)
	xs := mat.NewDense(n, p, nil)
	ys := mat.NewDense(n, t, nil)
	for i, src := range perm {
		xs.SetRow(i, X.RawRowView(src))
		ys.SetRow(i, Y.RawRowView(src))
	}
	return xs, ys
}

// shuffleFeatures は X の列と coef の行を同じ順列で並べ替える
func shuffleFeatures(rng *rand.Rand, X, coef *mat.Dense) (*mat.Dense, *mat.Dense) {
	n, p := X.Dims()
	_, t := coef.Dims()
	perm := rng.Perm(p)
	xs := mat.NewDense(n, p, nil)
	cs := mat.NewDense(p, t, nil)
	for j, src := range perm {
		xs.SetCol(j, mat.Col(nil, src, X))
		cs.SetRow(j, coef.RawRowView(src))
	}
	return xs, cs
}

// Digest は X と y の内容から 8 桁の16進ダイジェストを計算する。
// データセット入力の識別に使う。
func Digest(X, y mat.Matrix) string {
	h := md5.New()
	var buf [8]byte
	for _, m := range []mat.Matrix{X, y} {
		r, c := m.Dims()
		binary.LittleEndian.PutUint64(buf[:], uint64(r))
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(c))
		h.Write(buf[:])
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(m.At(i, j)))
				h.Write(buf[:])
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}
