// Package linear_model は最小二乗法による線形回帰を提供する。
package linear_model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/regtrack/core/model"
	"github.com/YuminosukeSato/regtrack/core/parallel"
	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
)

const modelName = "LinearRegression"

const (
	// positiveMaxIter は非負制約付き射影勾配法の最大反復回数
	positiveMaxIter = 5000
	positiveTol     = 1e-12
)

// LinearRegression is ordinary least squares linear regression, compatible
// with scikit-learn's LinearRegression.
//
// With FitIntercept the data is centered first and the coefficients come
// from a rank-aware SVD least-squares solve; the intercept is then
// ȳ − x̄·coef.
type LinearRegression struct {
	state *model.StateManager

	// Hyperparameters
	fitIntercept bool
	copyX        bool
	nJobs        int // 0 は未指定 (scikit-learn の None)
	positive     bool

	// Learned parameters
	coef      []float64
	intercept float64
	rank      int
	singular  []float64
}

// LinearRegressionOption は設定オプション
type LinearRegressionOption func(*LinearRegression)

// NewLinearRegression は新しいLinearRegressionモデルを作成
func NewLinearRegression(options ...LinearRegressionOption) *LinearRegression {
	lr := &LinearRegression{
		state:        model.NewStateManager(modelName),
		fitIntercept: true,
		copyX:        true,
	}
	for _, opt := range options {
		opt(lr)
	}
	return lr
}

// WithFitIntercept は切片の学習有無を設定
func WithFitIntercept(fit bool) LinearRegressionOption {
	return func(lr *LinearRegression) {
		lr.fitIntercept = fit
	}
}

// WithCopyX はデータコピーの有無を設定
func WithCopyX(copy bool) LinearRegressionOption {
	return func(lr *LinearRegression) {
		lr.copyX = copy
	}
}

// WithNJobs は予測時の並列ジョブ数を設定
func WithNJobs(n int) LinearRegressionOption {
	return func(lr *LinearRegression) {
		lr.nJobs = n
	}
}

// WithPositive は係数の非負制約を設定
func WithPositive(positive bool) LinearRegressionOption {
	return func(lr *LinearRegression) {
		lr.positive = positive
	}
}

// Fit はモデルを訓練データで学習
func (lr *LinearRegression) Fit(X, y mat.Matrix) error {
	rows, cols := X.Dims()
	yRows, yCols := y.Dims()

	if rows == 0 || cols == 0 {
		return errors.Wrap(errors.ErrEmptyData, "LinearRegression.Fit")
	}
	if rows != yRows {
		return errors.NewDimensionError("LinearRegression.Fit", rows, yRows, 0)
	}
	if yCols != 1 {
		return errors.NewDimensionError("LinearRegression.Fit", 1, yCols, 1)
	}
	if err := errors.CheckMatrix("LinearRegression.Fit", X, rows, cols); err != nil {
		return err
	}
	if err := errors.CheckMatrix("LinearRegression.Fit", y, yRows, 1); err != nil {
		return err
	}

	XWork := lr.workingCopy(X)
	yWork := mat.Col(nil, 0, y)

	xMean := make([]float64, cols)
	var yMean float64
	if lr.fitIntercept {
		for j := 0; j < cols; j++ {
			col := mat.Col(nil, j, XWork)
			xMean[j] = floats.Sum(col) / float64(rows)
		}
		yMean = floats.Sum(yWork) / float64(rows)
		for i := 0; i < rows; i++ {
			row := XWork.RawRowView(i)
			floats.Sub(row, xMean)
			yWork[i] -= yMean
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(XWork, mat.SVDThin); !ok {
		return errors.NewModelError("LinearRegression.Fit", "svd", errors.ErrSingularMatrix)
	}
	singular := svd.Values(nil)
	rcond := math.Nextafter(1, 2) - 1
	rcond *= float64(max(rows, cols))
	// 全ての特徴量が定数なら rank は 0 で、係数は 0 のまま
	rank := svd.Rank(rcond)

	// gonum は次元不整合で panic するのでエラーに変換する
	var coef []float64
	err := errors.SafeExecute("LinearRegression.Fit", func() error {
		if lr.positive {
			coef = nonNegativeLeastSquares(XWork, yWork, singular)
			return nil
		}
		coef = make([]float64, cols)
		if rank > 0 {
			var sol mat.Dense
			svd.SolveTo(&sol, mat.NewDense(rows, 1, yWork), rank)
			for j := range coef {
				coef[j] = sol.At(j, 0)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := errors.CheckNumericalStability("LinearRegression.Fit", coef, 0); err != nil {
		return err
	}

	intercept := 0.0
	if lr.fitIntercept {
		intercept = yMean - floats.Dot(xMean, coef)
	}

	lr.coef = coef
	lr.intercept = intercept
	lr.rank = rank
	lr.singular = singular
	lr.state.MarkFitted(cols, rows)

	log.GetLoggerWithName("linear_model").Debug("LinearRegression fitted",
		log.OperationKey, log.OperationFit,
		log.SamplesKey, rows,
		log.FeaturesKey, cols,
		"rank", rank,
	)
	return nil
}

// workingCopy は中心化やSVDで書き換えてよい行列を返す
func (lr *LinearRegression) workingCopy(X mat.Matrix) *mat.Dense {
	if d, ok := X.(*mat.Dense); ok && !lr.copyX && !lr.fitIntercept {
		// SVD.Factorize は入力を書き換えない
		return d
	}
	return mat.DenseCopyOf(X)
}

// nonNegativeLeastSquares は min ||Xb - y||² s.t. b >= 0 を
// 正規方程式上の射影勾配法で解く。ステップ幅は 1/σ_max²。
func nonNegativeLeastSquares(X *mat.Dense, y []float64, singular []float64) []float64 {
	_, cols := X.Dims()
	coef := make([]float64, cols)
	if len(singular) == 0 || singular[0] == 0 {
		return coef
	}

	var gram mat.SymDense
	gram.SymOuterK(1, X.T())
	xty := mat.NewVecDense(cols, nil)
	xty.MulVec(X.T(), mat.NewVecDense(len(y), y))

	step := 1 / (singular[0] * singular[0])
	b := mat.NewVecDense(cols, coef)
	grad := mat.NewVecDense(cols, nil)
	for iter := 0; iter < positiveMaxIter; iter++ {
		grad.MulVec(&gram, b)
		grad.SubVec(grad, xty)

		var change float64
		for j := 0; j < cols; j++ {
			next := math.Max(0, b.AtVec(j)-step*grad.AtVec(j))
			change = math.Max(change, math.Abs(next-b.AtVec(j)))
			b.SetVec(j, next)
		}
		if change <= positiveTol*math.Max(1, floats.Norm(coef, math.Inf(1))) {
			return coef
		}
	}
	errors.Warn(errors.NewConvergenceWarning("LinearRegression(positive=True)", positiveMaxIter, "projected gradient did not reach tolerance"))
	return coef
}

// Predict は入力データに対する予測 X·coef + intercept を n×1 行列で返す
func (lr *LinearRegression) Predict(X mat.Matrix) (mat.Matrix, error) {
	if err := lr.state.RequireFitted("Predict"); err != nil {
		return nil, err
	}
	rows, cols := X.Dims()
	if err := lr.state.RequireFeatures("LinearRegression.Predict", cols); err != nil {
		return nil, err
	}

	predictions := mat.NewDense(rows, 1, nil)
	parallel.ParallelizeWithThreshold(rows, parallel.DefaultThreshold, parallel.Workers(lr.nJobs), func(start, end int) {
		for i := start; i < end; i++ {
			pred := lr.intercept
			for j := 0; j < cols; j++ {
				pred += X.At(i, j) * lr.coef[j]
			}
			predictions.Set(i, 0, pred)
		}
	})
	return predictions, nil
}

// Score はモデルの決定係数（R²）を計算
func (lr *LinearRegression) Score(X, y mat.Matrix) (float64, error) {
	predictions, err := lr.Predict(X)
	if err != nil {
		return 0, err
	}
	rows, _ := y.Dims()
	pRows, _ := predictions.Dims()
	if rows != pRows {
		return 0, errors.NewDimensionError("LinearRegression.Score", pRows, rows, 0)
	}

	yTrue := mat.Col(nil, 0, y)
	yMean := floats.Sum(yTrue) / float64(rows)
	var ssTot, ssRes float64
	for i, yi := range yTrue {
		d := yi - predictions.At(i, 0)
		ssTot += (yi - yMean) * (yi - yMean)
		ssRes += d * d
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1.0 - (ssRes / ssTot), nil
}

// Coef は学習された重み係数のコピーを返す
func (lr *LinearRegression) Coef() []float64 {
	if lr.coef == nil {
		return nil
	}
	return append([]float64(nil), lr.coef...)
}

// Intercept は学習された切片を返す
func (lr *LinearRegression) Intercept() float64 {
	return lr.intercept
}

// Rank は中心化後の計画行列のランクを返す
func (lr *LinearRegression) Rank() int {
	return lr.rank
}

// Singular は計画行列の特異値を降順で返す
func (lr *LinearRegression) Singular() []float64 {
	return append([]float64(nil), lr.singular...)
}

// NFeaturesIn は Fit 時の特徴量数を返す
func (lr *LinearRegression) NFeaturesIn() int {
	n, _ := lr.state.GetDimensions()
	return n
}

// IsFitted returns whether the model has been fitted
func (lr *LinearRegression) IsFitted() bool {
	return lr.state.IsFitted()
}

// GetParams returns the hyperparameters under scikit-learn's names.
// n_jobs is nil when unset.
func (lr *LinearRegression) GetParams() map[string]interface{} {
	var nJobs interface{}
	if lr.nJobs != 0 {
		nJobs = lr.nJobs
	}
	return map[string]interface{}{
		"fit_intercept": lr.fitIntercept,
		"copy_X":        lr.copyX,
		"n_jobs":        nJobs,
		"positive":      lr.positive,
	}
}

// SetParams sets hyperparameters by scikit-learn name. Numbers decoded from
// JSON arrive as float64 and are accepted for n_jobs.
func (lr *LinearRegression) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		switch key {
		case "fit_intercept", "copy_X", "positive":
			b, ok := value.(bool)
			if !ok {
				return errors.NewValidationError(key, "must be a bool", value)
			}
			switch key {
			case "fit_intercept":
				lr.fitIntercept = b
			case "copy_X":
				lr.copyX = b
			default:
				lr.positive = b
			}
		case "n_jobs":
			switch v := value.(type) {
			case nil:
				lr.nJobs = 0
			case int:
				lr.nJobs = v
			case float64:
				if v != math.Trunc(v) {
					return errors.NewValidationError(key, "must be an integer", value)
				}
				lr.nJobs = int(v)
			default:
				return errors.NewValidationError(key, "must be an integer or nil", value)
			}
		default:
			return errors.NewValidationError(key, "unknown parameter for LinearRegression", value)
		}
	}
	return nil
}

// ExportWeights はモデルの重みをエクスポート（完全な再現性を保証）
func (lr *LinearRegression) ExportWeights() (*model.ModelWeights, error) {
	if err := lr.state.RequireFitted("ExportWeights"); err != nil {
		return nil, err
	}
	nFeatures, nSamples := lr.state.GetDimensions()
	weights := &model.ModelWeights{
		ModelType:       modelName,
		Version:         model.WeightsFormatVersion,
		Coefficients:    lr.Coef(),
		Intercept:       lr.intercept,
		IsFitted:        true,
		Hyperparameters: lr.GetParams(),
		Metadata: map[string]interface{}{
			"n_features": nFeatures,
			"n_samples":  nSamples,
			"rank":       lr.rank,
			"singular":   lr.Singular(),
		},
	}
	weights.Seal()
	return weights, nil
}

// ImportWeights はモデルの重みをインポート（チェックサムを検証する）
func (lr *LinearRegression) ImportWeights(weights *model.ModelWeights) error {
	if weights == nil {
		return errors.NewValueError("LinearRegression.ImportWeights", "weights cannot be nil")
	}
	if weights.ModelType != modelName {
		return errors.NewValueError("LinearRegression.ImportWeights",
			fmt.Sprintf("model type mismatch: expected %s, got %s", modelName, weights.ModelType))
	}
	if err := weights.Validate(); err != nil {
		return errors.Wrap(err, "LinearRegression.ImportWeights")
	}
	if err := lr.SetParams(weights.Hyperparameters); err != nil {
		return err
	}

	lr.coef = append([]float64(nil), weights.Coefficients...)
	lr.intercept = weights.Intercept
	lr.rank = metaInt(weights.Metadata, "rank")
	lr.singular = metaFloats(weights.Metadata, "singular")

	nSamples := metaInt(weights.Metadata, "n_samples")
	lr.state.MarkFitted(len(lr.coef), nSamples)
	return nil
}

// metaInt は JSON 由来 (float64) と Go 由来 (int) の両方を受け付ける
func metaInt(meta map[string]interface{}, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func metaFloats(meta map[string]interface{}, key string) []float64 {
	switch v := meta[key].(type) {
	case []float64:
		return append([]float64(nil), v...)
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}

// Clone は同じハイパーパラメータを持つ未学習のモデルを作成
func (lr *LinearRegression) Clone() *LinearRegression {
	return NewLinearRegression(
		WithFitIntercept(lr.fitIntercept),
		WithCopyX(lr.copyX),
		WithNJobs(lr.nJobs),
		WithPositive(lr.positive),
	)
}

// String returns the string representation of the model
func (lr *LinearRegression) String() string {
	if !lr.state.IsFitted() {
		return fmt.Sprintf("LinearRegression(fit_intercept=%t, copy_X=%t, n_jobs=%v, positive=%t)",
			lr.fitIntercept, lr.copyX, lr.GetParams()["n_jobs"], lr.positive)
	}
	return fmt.Sprintf("LinearRegression(fit_intercept=%t, n_features=%d, fitted=true)",
		lr.fitIntercept, lr.NFeaturesIn())
}
