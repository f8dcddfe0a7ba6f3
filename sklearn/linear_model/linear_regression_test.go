package linear_model

import (
	"encoding/json"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/regtrack/core/model"
	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// makeLinearData は y = 2*x0 + 3*x1 - x2 + 5 (+ 小さな決定的ノイズ) を生成する
func makeLinearData(n int, noise bool) (*mat.Dense, *mat.Dense) {
	X := mat.NewDense(n, 3, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, math.Sin(float64(i)/10.0))
		X.Set(i, 1, math.Cos(float64(i)/7.0))
		X.Set(i, 2, float64(i)/50.0)
		v := 2*X.At(i, 0) + 3*X.At(i, 1) - X.At(i, 2) + 5
		if noise {
			v += float64(i%5-2) / 1000.0
		}
		y.Set(i, 0, v)
	}
	return X, y
}

func TestLinearRegressionRecoversCoefficients(t *testing.T) {
	X, y := makeLinearData(100, false)

	lr := NewLinearRegression()
	if err := lr.Fit(X, y); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	want := []float64{2, 3, -1}
	for i, c := range lr.Coef() {
		if math.Abs(c-want[i]) > 1e-8 {
			t.Errorf("coef[%d] = %v, want %v", i, c, want[i])
		}
	}
	if math.Abs(lr.Intercept()-5) > 1e-8 {
		t.Errorf("intercept = %v, want 5", lr.Intercept())
	}
	if lr.Rank() != 3 {
		t.Errorf("rank = %d, want 3", lr.Rank())
	}
	if s := lr.Singular(); len(s) != 3 || s[0] < s[2] {
		t.Errorf("singular values should be descending, got %v", s)
	}
	if lr.NFeaturesIn() != 3 {
		t.Errorf("NFeaturesIn = %d", lr.NFeaturesIn())
	}

	score, err := lr.Score(X, y)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if math.Abs(score-1) > 1e-12 {
		t.Errorf("score = %v, want 1", score)
	}
}

func TestLinearRegressionWithoutIntercept(t *testing.T) {
	X := mat.NewDense(4, 2, []float64{
		1, 0,
		0, 1,
		1, 1,
		2, 1,
	})
	y := mat.NewDense(4, 1, []float64{3, -1, 2, 5})

	lr := NewLinearRegression(WithFitIntercept(false), WithCopyX(false))
	if err := lr.Fit(X, y); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if lr.Intercept() != 0 {
		t.Errorf("intercept = %v, want 0", lr.Intercept())
	}
	coef := lr.Coef()
	if math.Abs(coef[0]-3) > 1e-10 || math.Abs(coef[1]+1) > 1e-10 {
		t.Errorf("coef = %v, want [3 -1]", coef)
	}
	if X.At(3, 0) != 2 {
		t.Error("Fit must not modify X")
	}
}

func TestLinearRegressionRankDeficient(t *testing.T) {
	// 2列目は1列目の2倍
	X := mat.NewDense(5, 2, []float64{
		1, 2,
		2, 4,
		3, 6,
		4, 8,
		5, 10,
	})
	y := mat.NewDense(5, 1, []float64{5, 10, 15, 20, 25})

	lr := NewLinearRegression()
	if err := lr.Fit(X, y); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if lr.Rank() != 1 {
		t.Errorf("rank = %d, want 1", lr.Rank())
	}
	// 最小ノルム解: c0 + 2*c1 = 5, c0 = c1/2 → c0 = 1, c1 = 2
	coef := lr.Coef()
	if math.Abs(coef[0]-1) > 1e-8 || math.Abs(coef[1]-2) > 1e-8 {
		t.Errorf("minimum norm coef = %v, want [1 2]", coef)
	}
	pred, err := lr.Predict(X)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for i := 0; i < 5; i++ {
		if math.Abs(pred.At(i, 0)-y.At(i, 0)) > 1e-8 {
			t.Errorf("pred[%d] = %v, want %v", i, pred.At(i, 0), y.At(i, 0))
		}
	}
}

func TestLinearRegressionPositive(t *testing.T) {
	// y = 2*x0 - 3*x1 + 1: 非負制約では x1 の係数は 0 になる
	n := 60
	X := mat.NewDense(n, 2, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		a := math.Sin(float64(i))
		b := math.Cos(float64(i) * 1.3)
		X.Set(i, 0, a)
		X.Set(i, 1, b)
		y.Set(i, 0, 2*a-3*b+1)
	}

	lr := NewLinearRegression(WithPositive(true))
	if err := lr.Fit(X, y); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for i, c := range lr.Coef() {
		if c < 0 {
			t.Errorf("coef[%d] = %v is negative", i, c)
		}
	}
	if lr.Coef()[1] != 0 {
		t.Errorf("coef[1] = %v, want 0", lr.Coef()[1])
	}
}

func TestLinearRegressionErrors(t *testing.T) {
	X, y := makeLinearData(10, false)

	lr := NewLinearRegression()
	_, err := lr.Predict(X)
	var nfe *errors.NotFittedError
	if !errors.As(err, &nfe) {
		t.Errorf("expected NotFittedError before Fit, got %v", err)
	}

	tests := []struct {
		name string
		X    mat.Matrix
		y    mat.Matrix
	}{
		{"row mismatch", X, mat.NewDense(9, 1, nil)},
		{"multi column y", X, mat.NewDense(10, 2, nil)},
		{"nan in X", mat.NewDense(2, 1, []float64{1, math.NaN()}), mat.NewDense(2, 1, []float64{1, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewLinearRegression().Fit(tt.X, tt.y); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := lr.Fit(X, y); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	_, err = lr.Predict(mat.NewDense(2, 4, nil))
	var de *errors.DimensionError
	if !errors.As(err, &de) {
		t.Errorf("expected DimensionError, got %v", err)
	}
}

func TestLinearRegressionDeterministicRefit(t *testing.T) {
	X, y := makeLinearData(100, true)

	a := NewLinearRegression()
	b := NewLinearRegression()
	if err := a.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	if err := b.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	for i := range a.Coef() {
		if a.Coef()[i] != b.Coef()[i] {
			t.Errorf("coef[%d] differs between refits: %v vs %v", i, a.Coef()[i], b.Coef()[i])
		}
	}
	if a.Intercept() != b.Intercept() {
		t.Error("intercept differs between refits")
	}
}

func TestLinearRegressionWeightRoundTrip(t *testing.T) {
	X, y := makeLinearData(100, true)
	lr := NewLinearRegression(WithNJobs(2))
	if err := lr.Fit(X, y); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	weights, err := lr.ExportWeights()
	if err != nil {
		t.Fatalf("ExportWeights: %v", err)
	}
	data, err := json.Marshal(weights)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var loaded model.ModelWeights
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored := NewLinearRegression()
	if err := restored.ImportWeights(&loaded); err != nil {
		t.Fatalf("ImportWeights: %v", err)
	}
	if restored.GetParams()["n_jobs"] != 2 {
		t.Errorf("n_jobs = %v, want 2", restored.GetParams()["n_jobs"])
	}
	if restored.Rank() != lr.Rank() || len(restored.Singular()) != 3 {
		t.Error("rank/singular not restored")
	}

	p1, _ := lr.Predict(X)
	p2, err := restored.Predict(X)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if !mat.Equal(p1, p2) {
		t.Error("predictions differ after weight round trip")
	}

	loaded.Coefficients[0] += 1
	if err := NewLinearRegression().ImportWeights(&loaded); err == nil {
		t.Error("expected checksum error for tampered weights")
	}
	loaded.ModelType = "Ridge"
	if err := NewLinearRegression().ImportWeights(&loaded); err == nil {
		t.Error("expected model type error")
	}
}

func TestLinearRegressionParams(t *testing.T) {
	lr := NewLinearRegression()
	params := lr.GetParams()
	if params["fit_intercept"] != true || params["copy_X"] != true || params["positive"] != false || params["n_jobs"] != nil {
		t.Errorf("unexpected defaults %v", params)
	}

	if err := lr.SetParams(map[string]interface{}{"fit_intercept": false, "n_jobs": 4.0}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	if lr.GetParams()["fit_intercept"] != false || lr.GetParams()["n_jobs"] != 4 {
		t.Errorf("SetParams not applied: %v", lr.GetParams())
	}
	if err := lr.SetParams(map[string]interface{}{"alpha": 1.0}); err == nil {
		t.Error("expected error for unknown parameter")
	}
	if err := lr.SetParams(map[string]interface{}{"positive": "yes"}); err == nil {
		t.Error("expected error for wrong type")
	}

	clone := lr.Clone()
	if clone.IsFitted() || clone.GetParams()["fit_intercept"] != false {
		t.Errorf("Clone should copy params but not fit: %v", clone)
	}
	if got := NewLinearRegression().String(); got != "LinearRegression(fit_intercept=true, copy_X=true, n_jobs=<nil>, positive=false)" {
		t.Errorf("String() = %q", got)
	}
}

func TestLinearRegressionParallelPredict(t *testing.T) {
	X, y := makeLinearData(3000, false)
	lr := NewLinearRegression(WithNJobs(4))
	if err := lr.Fit(X, y); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	pred, err := lr.Predict(X)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for i := 0; i < 3000; i += 250 {
		if math.Abs(pred.At(i, 0)-y.At(i, 0)) > 1e-8 {
			t.Errorf("pred[%d] = %v, want %v", i, pred.At(i, 0), y.At(i, 0))
		}
	}
}
