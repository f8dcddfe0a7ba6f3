package autolog

import (
	"encoding/json"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/sklearn/datasets"
	"github.com/YuminosukeSato/regtrack/tracking"
)

type tensorSpec struct {
	Type       string         `json:"type"`
	TensorSpec tensorSpecBody `json:"tensor-spec"`
}

type tensorSpecBody struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// DatasetInput describes an in-memory feature matrix and target in the
// numpy dataset format MLflow uses for autologged training data.
func DatasetInput(X, y mat.Matrix, context string) (tracking.DatasetInput, error) {
	xr, xc := X.Dims()
	yr, yc := y.Dims()

	features, err := json.Marshal([]tensorSpec{{Type: "tensor", TensorSpec: tensorSpecBody{DType: "float64", Shape: []int{-1, xc}}}})
	if err != nil {
		return tracking.DatasetInput{}, errors.Wrap(err, "encode feature schema")
	}
	targets, err := json.Marshal([]tensorSpec{{Type: "tensor", TensorSpec: tensorSpecBody{DType: "float64", Shape: targetShape(-1, yc)}}})
	if err != nil {
		return tracking.DatasetInput{}, errors.Wrap(err, "encode target schema")
	}
	schema, err := json.Marshal(map[string]interface{}{
		"mlflow_tensorspec": map[string]string{
			"features": string(features),
			"targets":  string(targets),
		},
	})
	if err != nil {
		return tracking.DatasetInput{}, errors.Wrap(err, "encode dataset schema")
	}
	profile, err := json.Marshal(map[string]interface{}{
		"features_shape":  []int{xr, xc},
		"features_size":   xr * xc,
		"features_nbytes": 8 * xr * xc,
		"targets_shape":   targetShape(yr, yc),
		"targets_size":    yr * yc,
		"targets_nbytes":  8 * yr * yc,
	})
	if err != nil {
		return tracking.DatasetInput{}, errors.Wrap(err, "encode dataset profile")
	}

	return tracking.DatasetInput{
		Tags: []tracking.InputTag{{Key: tracking.DatasetContextTag, Value: context}},
		Dataset: tracking.Dataset{
			Name:       DatasetName,
			Digest:     datasets.Digest(X, y),
			SourceType: DatasetSourceType,
			Source:     `{"tags": {}}`,
			Schema:     string(schema),
			Profile:    string(profile),
		},
	}, nil
}

// targetShape drops the column axis of a single-target y, like a 1-d array.
func targetShape(rows, cols int) []int {
	if cols == 1 {
		return []int{rows}
	}
	return []int{rows, cols}
}
