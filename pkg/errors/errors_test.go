package errors

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackingError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
		notExist bool
	}{
		{"missing run", NewTrackingError(ResourceDoesNotExist, "run '%s' not found", "abc"), ResourceDoesNotExist, true},
		{"wrapped missing run", Wrap(NewTrackingError(ResourceDoesNotExist, "x"), "get run"), ResourceDoesNotExist, true},
		{"duplicate experiment", NewTrackingError(ResourceAlreadyExists, "experiment exists"), ResourceAlreadyExists, false},
		{"finished run", Wrapf(NewTrackingError(InvalidState, "run is finished"), "log metric %s", "mse"), InvalidState, false},
		{"plain error", New("plain"), InternalError, false},
		{"model error", NewModelError("LinearRegression.Fit", "svd", ErrSingularMatrix), InternalError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, CodeOf(tt.err))
			assert.Equal(t, tt.notExist, IsNotExist(tt.err))
		})
	}

	err := NewTrackingError(ResourceDoesNotExist, "run '%s' not found", "abc")
	assert.EqualError(t, err, "regtrack: RESOURCE_DOES_NOT_EXIST: run 'abc' not found")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go", "stack trace attached")
}

func TestTrackingErrorZerologFields(t *testing.T) {
	var sb strings.Builder
	logger := zerolog.New(&sb)
	logger.Error().EmbedObject(&TrackingError{Code: InvalidState, Message: "run is finished"}).Msg("log")

	assert.Contains(t, sb.String(), `"error_code":"INVALID_STATE"`)
	assert.Contains(t, sb.String(), `"message":"run is finished"`)
}

func TestEstimatorErrors(t *testing.T) {
	err := NewDimensionError("Predict", 5, 3, 1)
	assert.EqualError(t, err, "regtrack: Predict: dimension mismatch on axis 1 (features). Expected 5, got 3")
	var dimErr *DimensionError
	require.True(t, As(err, &dimErr))
	assert.Equal(t, 5, dimErr.Expected)

	err = NewDimensionError("Regression", 20, 19, 0)
	assert.Contains(t, err.Error(), "(rows)")

	err = NewNotFittedError("LinearRegression", "Predict")
	assert.EqualError(t, err, "regtrack: LinearRegression: this model is not fitted yet. Call Fit() before using Predict()")
	var nf *NotFittedError
	assert.True(t, As(err, &nf))

	err = NewValidationError("test_size", "must be in (0, 1)", 1.5)
	assert.EqualError(t, err, "regtrack: validation failed for parameter 'test_size': must be in (0, 1) (got: 1.5)")

	err = NewModelError("LinearRegression.Fit", "svd", ErrSingularMatrix)
	assert.EqualError(t, err, "regtrack: LinearRegression.Fit: svd: singular matrix")
	assert.True(t, Is(err, ErrSingularMatrix))
	assert.EqualError(t, NewModelError("Predict", "not fitted", nil), "regtrack: Predict: not fitted")

	wrapped := Wrapf(ErrEmptyData, "TrainTestSplit: %d samples", 0)
	assert.True(t, Is(wrapped, ErrEmptyData))
	assert.Contains(t, wrapped.Error(), "TrainTestSplit: 0 samples")
}

func TestWarnRoutesToInstalledFunc(t *testing.T) {
	var got []error
	SetZerologWarnFunc(func(w error) { got = append(got, w) })
	defer SetZerologWarnFunc(nil)

	Warn(NewConvergenceWarning("LinearRegression(positive=True)", 1000, "projected gradient did not reach tolerance"))
	require.Len(t, got, 1)
	assert.Equal(t,
		"LinearRegression(positive=True) failed to converge after 1000 iterations: projected gradient did not reach tolerance",
		got[0].Error())
	assert.Contains(t, NewConvergenceWarning("nnls", 5, "").Error(), "Consider increasing max_iter")
}

func TestCheckNumericalStability(t *testing.T) {
	assert.NoError(t, CheckNumericalStability("ok", []float64{1, 2}, 0))

	err := CheckNumericalStability("coef", []float64{1, math.NaN()}, 3)
	var numErr *NumericalInstabilityError
	require.True(t, As(err, &numErr))
	assert.Equal(t, 3, numErr.Iteration)
	assert.Contains(t, err.Error(), "Values: [1, NaN]")

	long := []float64{math.Inf(1), 2, 3, 4, 5, 6, 7}
	assert.Contains(t, CheckNumericalStability("coef", long, 0).Error(), "[+Inf, 2, 3, 4, 5, ...]")
}

type grid [][]float64

func (g grid) At(i, j int) float64 { return g[i][j] }

func TestCheckMatrix(t *testing.T) {
	assert.NoError(t, CheckMatrix("input", grid{{1, 2}, {3, 4}}, 2, 2))
	assert.Error(t, CheckMatrix("input", grid{{1, 2}, {math.NaN(), 4}}, 2, 2))
}
