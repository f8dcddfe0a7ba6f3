package model

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

func TestStateManager(t *testing.T) {
	s := NewStateManager("LinearRegression")
	if s.IsFitted() {
		t.Fatal("new state should not be fitted")
	}

	err := s.RequireFitted("Predict")
	var nfe *errors.NotFittedError
	if !errors.As(err, &nfe) {
		t.Fatalf("expected NotFittedError, got %v", err)
	}
	if nfe.ModelName != "LinearRegression" || nfe.Method != "Predict" {
		t.Errorf("unexpected error fields: %+v", nfe)
	}

	s.MarkFitted(5, 80)
	if err := s.RequireFitted("Predict"); err != nil {
		t.Errorf("unexpected error after MarkFitted: %v", err)
	}
	if err := s.RequireFeatures("Predict", 5); err != nil {
		t.Errorf("unexpected error for matching features: %v", err)
	}
	var de *errors.DimensionError
	if err := s.RequireFeatures("Predict", 3); !errors.As(err, &de) || de.Expected != 5 || de.Got != 3 {
		t.Errorf("expected DimensionError 5/3, got %v", err)
	}

	state := s.GetState()
	if !state.Fitted || state.NFeatures != 5 || state.NSamples != 80 {
		t.Errorf("unexpected state %+v", state)
	}

	s.Reset()
	if s.IsFitted() {
		t.Error("Reset should clear fitted flag")
	}
	s.SetState(state)
	if f, n := s.GetDimensions(); f != 5 || n != 80 {
		t.Errorf("SetState dims = %d,%d", f, n)
	}
}

func testWeights() *ModelWeights {
	return &ModelWeights{
		ModelType:       "LinearRegression",
		Version:         WeightsFormatVersion,
		Coefficients:    []float64{1.5, -2.25, 0},
		Intercept:       0.5,
		Hyperparameters: map[string]interface{}{"fit_intercept": true},
		IsFitted:        true,
	}
}

func TestModelWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(w *ModelWeights)
		wantErr bool
	}{
		{"valid", func(w *ModelWeights) {}, false},
		{"sealed", func(w *ModelWeights) { w.Seal() }, false},
		{"missing type", func(w *ModelWeights) { w.ModelType = "" }, true},
		{"missing version", func(w *ModelWeights) { w.Version = "" }, true},
		{"fitted without coef", func(w *ModelWeights) { w.Coefficients = nil }, true},
		{"unfitted with coef", func(w *ModelWeights) { w.IsFitted = false }, true},
		{"tampered", func(w *ModelWeights) { w.Seal(); w.Coefficients[0] = 9 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testWeights()
			tt.mutate(w)
			err := w.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestModelWeightsJSONAndClone(t *testing.T) {
	w := testWeights()
	w.Seal()

	data, err := w.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	var got ModelWeights
	if err := got.FromJSON(data); err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got.Hash() != w.Hash() || got.Checksum != w.Checksum {
		t.Error("hash changed across JSON")
	}

	c := w.Clone()
	c.Coefficients[0] = 100
	c.Hyperparameters["fit_intercept"] = false
	if w.Coefficients[0] != 1.5 || w.Hyperparameters["fit_intercept"] != true {
		t.Error("Clone must deep copy")
	}
	if err := (&ModelWeights{}).FromJSON([]byte("{")); err == nil {
		t.Error("expected decode error")
	}
}

func TestGobPersistence(t *testing.T) {
	w := testWeights()

	var buf bytes.Buffer
	if err := SaveModelToWriter(w, &buf); err != nil {
		t.Fatalf("SaveModelToWriter: %v", err)
	}
	var got ModelWeights
	if err := LoadModelFromReader(&got, &buf); err != nil {
		t.Fatalf("LoadModelFromReader: %v", err)
	}
	if got.Hash() != w.Hash() {
		t.Error("gob round trip changed weights")
	}

	path := filepath.Join(t.TempDir(), "model.gob")
	if err := SaveModel(w, path); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}
	var fromFile ModelWeights
	if err := LoadModel(&fromFile, path); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if fromFile.Intercept != 0.5 {
		t.Errorf("intercept = %v", fromFile.Intercept)
	}
	if err := LoadModel(&fromFile, filepath.Join(t.TempDir(), "missing.gob")); err == nil {
		t.Error("expected error for missing file")
	}
}
