package models

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/sklearn/datasets"
	"github.com/YuminosukeSato/regtrack/sklearn/linear_model"
	"github.com/YuminosukeSato/regtrack/tracking"
	_ "github.com/YuminosukeSato/regtrack/tracking/filestore"
)

func fitted(t *testing.T) (*linear_model.LinearRegression, *datasets.Dataset) {
	t.Helper()
	ds, err := datasets.MakeRegression(datasets.WithNSamples(40), datasets.WithNFeatures(3),
		datasets.WithNoise(0.1), datasets.WithRandomState(7))
	require.NoError(t, err)
	lr := linear_model.NewLinearRegression()
	require.NoError(t, lr.Fit(ds.X, ds.Y))
	return lr, ds
}

func TestSaveAndLoad(t *testing.T) {
	lr, ds := fitted(t)
	dir := filepath.Join(t.TempDir(), "m")
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	m, err := Save(dir, lr, WithGob(), WithSignature(), withClock(func() time.Time { return created }))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01 12:00:00.000000", m.UTCTimeCreated)
	assert.Len(t, m.ModelUUID, 36)
	require.NotNil(t, m.Signature)
	assert.Contains(t, m.Signature.Inputs, `"tensor-spec-shape":[-1,3]`)

	for _, f := range []string{MLmodelFile, WeightsFile, GobFile} {
		assert.FileExists(t, filepath.Join(dir, f))
	}

	raw, err := os.ReadFile(filepath.Join(dir, MLmodelFile))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	flavors := doc["flavors"].(map[string]interface{})
	flavor := flavors[FlavorName].(map[string]interface{})
	assert.Equal(t, "LinearRegression", flavor["model_type"])
	assert.Equal(t, "json", flavor["serialization_format"])
	assert.Contains(t, flavor, "code")

	loaded := linear_model.NewLinearRegression()
	_, err = Load(dir, loaded)
	require.NoError(t, err)
	assert.Equal(t, lr.Coef(), loaded.Coef())
	assert.Equal(t, lr.Intercept(), loaded.Intercept())

	want, err := lr.Predict(ds.X)
	require.NoError(t, err)
	got, err := loaded.Predict(ds.X)
	require.NoError(t, err)
	assert.True(t, mat.Equal(want, got))
}

func TestSaveRefusesExistingModel(t *testing.T) {
	lr, _ := fitted(t)
	dir := t.TempDir()
	_, err := Save(dir, lr)
	require.NoError(t, err)
	_, err = Save(dir, lr)
	assert.Equal(t, errors.ResourceAlreadyExists, errors.CodeOf(err))
}

func TestSaveUnfitted(t *testing.T) {
	_, err := Save(t.TempDir(), linear_model.NewLinearRegression())
	require.Error(t, err)
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))
}

func TestLoadFallsBackToGob(t *testing.T) {
	lr, _ := fitted(t)
	dir := t.TempDir()
	_, err := Save(dir, lr, WithGob())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, WeightsFile)))

	loaded := linear_model.NewLinearRegression()
	_, err = Load(dir, loaded)
	require.NoError(t, err)
	assert.Equal(t, lr.Coef(), loaded.Coef())
}

func TestLoadDetectsTampering(t *testing.T) {
	lr, _ := fitted(t)
	dir := t.TempDir()
	_, err := Save(dir, lr)
	require.NoError(t, err)

	p := filepath.Join(dir, WeightsFile)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	var w map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &w))
	w["intercept"] = 12345.0
	raw, err = json.Marshal(w)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	_, err = Load(dir, linear_model.NewLinearRegression())
	require.Error(t, err)
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestLoadMissingDescriptor(t *testing.T) {
	_, err := Load(t.TempDir(), linear_model.NewLinearRegression())
	assert.True(t, errors.IsNotExist(err))
}

func TestLogAndLoadFromRun(t *testing.T) {
	ctx := context.Background()
	lr, _ := fitted(t)
	c, err := tracking.NewClient(ctx, filepath.Join(t.TempDir(), "mlruns"))
	require.NoError(t, err)
	defer c.Close()

	run, err := c.StartRun(ctx, "")
	require.NoError(t, err)
	_, err = Log(ctx, run, lr, "")
	require.NoError(t, err)
	_, err = Log(ctx, run, lr, "model-copy")
	require.NoError(t, err)
	require.NoError(t, run.End(ctx, tracking.StatusFinished))

	files, err := c.ListArtifacts(ctx, run.ID(), DefaultPath)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f.Path))
	}
	assert.ElementsMatch(t, []string{MLmodelFile, WeightsFile}, names)

	got, err := c.GetRun(ctx, run.ID())
	require.NoError(t, err)
	history, err := History(got)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, DefaultPath, history[0].ArtifactPath)
	assert.Equal(t, "model-copy", history[1].ArtifactPath)
	assert.Equal(t, run.ID(), history[0].RunID)

	loaded := linear_model.NewLinearRegression()
	m, err := LoadFromRun(ctx, c, run.ID(), "", loaded)
	require.NoError(t, err)
	assert.Equal(t, history[0].ModelUUID, m.ModelUUID)
	assert.Equal(t, lr.Coef(), loaded.Coef())
}
