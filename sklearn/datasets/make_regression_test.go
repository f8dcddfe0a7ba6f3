package datasets

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

func TestMakeRegressionShapeAndDeterminism(t *testing.T) {
	opts := []RegressionOption{
		WithNSamples(100),
		WithNFeatures(5),
		WithNoise(0.1),
		WithRandomState(42),
	}

	a, err := MakeRegression(opts...)
	if err != nil {
		t.Fatalf("MakeRegression: %v", err)
	}
	b, err := MakeRegression(opts...)
	if err != nil {
		t.Fatalf("MakeRegression: %v", err)
	}

	if r, c := a.X.Dims(); r != 100 || c != 5 {
		t.Errorf("X dims = %d×%d, want 100×5", r, c)
	}
	if r, c := a.Y.Dims(); r != 100 || c != 1 {
		t.Errorf("Y dims = %d×%d, want 100×1", r, c)
	}
	if r, c := a.Coef.Dims(); r != 5 || c != 1 {
		t.Errorf("Coef dims = %d×%d, want 5×1", r, c)
	}
	if !mat.Equal(a.X, b.X) || !mat.Equal(a.Y, b.Y) {
		t.Error("same options must produce identical data")
	}
	if Digest(a.X, a.Y) != Digest(b.X, b.Y) {
		t.Error("digest must be stable")
	}

	c, err := MakeRegression(WithNSamples(100), WithNFeatures(5), WithNoise(0.1), WithRandomState(43))
	if err != nil {
		t.Fatal(err)
	}
	if mat.Equal(a.X, c.X) {
		t.Error("different seeds should produce different data")
	}
	if Digest(a.X, a.Y) == Digest(c.X, c.Y) {
		t.Error("different data should have different digests")
	}
}

func TestMakeRegressionTargetsFollowCoefficients(t *testing.T) {
	ds, err := MakeRegression(
		WithNSamples(50),
		WithNFeatures(8),
		WithNInformative(3),
		WithBias(2.5),
		WithRandomState(7),
	)
	if err != nil {
		t.Fatalf("MakeRegression: %v", err)
	}

	// ノイズなし: y = X·coef + bias が厳密に成り立つ
	var want mat.Dense
	want.Mul(ds.X, ds.Coef)
	for i := 0; i < 50; i++ {
		if math.Abs(ds.Y.At(i, 0)-(want.At(i, 0)+2.5)) > 1e-9 {
			t.Fatalf("row %d: y = %v, want %v", i, ds.Y.At(i, 0), want.At(i, 0)+2.5)
		}
	}

	nonZero := 0
	for j := 0; j < 8; j++ {
		c := ds.Coef.At(j, 0)
		if c < 0 || c >= 100 {
			t.Errorf("coef[%d] = %v outside [0,100)", j, c)
		}
		if c != 0 {
			nonZero++
		}
	}
	if nonZero != 3 {
		t.Errorf("expected 3 informative coefficients, got %d", nonZero)
	}
}

func TestMakeRegressionWithoutShuffleKeepsInformativeFirst(t *testing.T) {
	ds, err := MakeRegression(
		WithNSamples(10),
		WithNFeatures(4),
		WithNInformative(2),
		WithNTargets(2),
		WithShuffle(false),
		WithRandomState(1),
	)
	if err != nil {
		t.Fatalf("MakeRegression: %v", err)
	}
	for k := 0; k < 2; k++ {
		if ds.Coef.At(0, k) == 0 || ds.Coef.At(1, k) == 0 {
			t.Error("informative coefficients should come first without shuffle")
		}
		if ds.Coef.At(2, k) != 0 || ds.Coef.At(3, k) != 0 {
			t.Error("non-informative coefficients should be zero")
		}
	}
	if _, c := ds.Y.Dims(); c != 2 {
		t.Errorf("expected 2 targets, got %d", c)
	}
}

func TestMakeRegressionInformativeCapped(t *testing.T) {
	// n_informative のデフォルト 10 は n_features=5 に切り詰められる
	ds, err := MakeRegression(WithNFeatures(5), WithRandomState(42))
	if err != nil {
		t.Fatalf("MakeRegression: %v", err)
	}
	for j := 0; j < 5; j++ {
		if ds.Coef.At(j, 0) == 0 {
			t.Errorf("coef[%d] should be informative", j)
		}
	}
}

func TestMakeRegressionValidation(t *testing.T) {
	tests := []struct {
		name string
		opts []RegressionOption
	}{
		{"zero samples", []RegressionOption{WithNSamples(0)}},
		{"negative features", []RegressionOption{WithNFeatures(-1)}},
		{"negative informative", []RegressionOption{WithNInformative(-1)}},
		{"zero targets", []RegressionOption{WithNTargets(0)}},
		{"negative noise", []RegressionOption{WithNoise(-0.1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MakeRegression(tt.opts...)
			var ve *errors.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}
