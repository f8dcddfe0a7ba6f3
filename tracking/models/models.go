// Package models stores fitted estimators as run artifacts in the MLflow
// model directory layout: an MLmodel descriptor next to the flavor's files.
package models

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/regtrack/core/model"
	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/tracking"
)

// Files and names of the go_linear flavor.
const (
	FlavorName    = "go_linear"
	MLmodelFile   = "MLmodel"
	WeightsFile   = "model.json"
	GobFile       = "model.gob"
	HistoryTag    = "mlflow.log-model.history"
	DefaultPath   = "model"
	serialization = "json"
	timeFormatUTC = "2006-01-02 15:04:05.000000"
)

// Flavor describes how to load the model in this module.
type Flavor struct {
	ModelType           string  `yaml:"model_type" json:"model_type"`
	Code                *string `yaml:"code" json:"code"`
	SerializationFormat string  `yaml:"serialization_format" json:"serialization_format"`
	Version             string  `yaml:"version" json:"version"`
	Data                string  `yaml:"data" json:"data"`
}

// TensorSpec is one column of a model signature.
type TensorSpec struct {
	Type  string `json:"type"`
	DType string `json:"tensor-spec-dtype"`
	Shape []int  `json:"tensor-spec-shape"`
}

// Signature holds the JSON-encoded input and output schemas.
type Signature struct {
	Inputs  string `yaml:"inputs" json:"inputs"`
	Outputs string `yaml:"outputs" json:"outputs"`
}

// MLmodel is the model descriptor written next to the model files.
type MLmodel struct {
	ArtifactPath   string            `yaml:"artifact_path" json:"artifact_path"`
	Flavors        map[string]Flavor `yaml:"flavors" json:"flavors"`
	RunID          string            `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	UTCTimeCreated string            `yaml:"utc_time_created" json:"utc_time_created"`
	ModelUUID      string            `yaml:"model_uuid" json:"model_uuid"`
	Signature      *Signature        `yaml:"signature,omitempty" json:"signature,omitempty"`
}

// Option configures Save and Log.
type Option func(*options)

type options struct {
	gob       bool
	signature bool
	now       func() time.Time
}

// WithGob also writes the weights in gob encoding.
func WithGob() Option {
	return func(o *options) { o.gob = true }
}

// WithSignature records a float64 tensor signature derived from the number
// of input features.
func WithSignature() Option {
	return func(o *options) { o.signature = true }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Save writes est to dir. dir is created if needed and must be empty of
// an earlier MLmodel.
func Save(dir string, est model.WeightExporter, opts ...Option) (*MLmodel, error) {
	return save(dir, "", "", est, opts...)
}

func save(dir, artifactPath, runID string, est model.WeightExporter, opts ...Option) (*MLmodel, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	weights, err := est.ExportWeights()
	if err != nil {
		return nil, errors.Wrap(err, "export model weights")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create model directory %s", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, MLmodelFile)); err == nil {
		return nil, errors.NewTrackingError(errors.ResourceAlreadyExists, "a model already exists in %s", dir)
	}

	data, err := weights.ToJSON()
	if err != nil {
		return nil, errors.Wrap(err, "encode model weights")
	}
	if err := os.WriteFile(filepath.Join(dir, WeightsFile), data, 0o644); err != nil {
		return nil, errors.Wrap(err, "write model weights")
	}
	if o.gob {
		if err := model.SaveModel(weights, filepath.Join(dir, GobFile)); err != nil {
			return nil, err
		}
	}

	m := &MLmodel{
		ArtifactPath: artifactPath,
		Flavors: map[string]Flavor{
			FlavorName: {
				ModelType:           weights.ModelType,
				SerializationFormat: serialization,
				Version:             weights.Version,
				Data:                WeightsFile,
			},
		},
		RunID:          runID,
		UTCTimeCreated: o.now().UTC().Format(timeFormatUTC),
		ModelUUID:      uuid.NewString(),
	}
	if o.signature {
		sig, err := signatureFor(len(weights.Coefficients))
		if err != nil {
			return nil, err
		}
		m.Signature = sig
	}

	desc, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode MLmodel")
	}
	if err := os.WriteFile(filepath.Join(dir, MLmodelFile), desc, 0o644); err != nil {
		return nil, errors.Wrap(err, "write MLmodel")
	}
	return m, nil
}

func signatureFor(nFeatures int) (*Signature, error) {
	in, err := json.Marshal([]TensorSpec{{Type: "tensor", DType: "float64", Shape: []int{-1, nFeatures}}})
	if err != nil {
		return nil, errors.Wrap(err, "encode input signature")
	}
	out, err := json.Marshal([]TensorSpec{{Type: "tensor", DType: "float64", Shape: []int{-1}}})
	if err != nil {
		return nil, errors.Wrap(err, "encode output signature")
	}
	return &Signature{Inputs: string(in), Outputs: string(out)}, nil
}

// Log saves est into the run's artifacts under artifactPath ("model" when
// empty) and appends the descriptor to the run's model history tag.
func Log(ctx context.Context, run *tracking.ActiveRun, est model.WeightExporter, artifactPath string, opts ...Option) (*MLmodel, error) {
	if artifactPath == "" {
		artifactPath = DefaultPath
	}
	tmp, err := os.MkdirTemp("", "regtrack-model-")
	if err != nil {
		return nil, errors.Wrap(err, "create model staging directory")
	}
	defer os.RemoveAll(tmp)

	m, err := save(tmp, artifactPath, run.ID(), est, opts...)
	if err != nil {
		return nil, err
	}
	if err := run.LogArtifacts(ctx, tmp, artifactPath); err != nil {
		return nil, errors.Wrapf(err, "log model to %s", artifactPath)
	}
	if err := appendHistory(ctx, run, m); err != nil {
		return nil, err
	}
	return m, nil
}

func appendHistory(ctx context.Context, run *tracking.ActiveRun, m *MLmodel) error {
	current, err := run.Client().GetRun(ctx, run.ID())
	if err != nil {
		return errors.Wrap(err, "read model history")
	}
	history, err := History(current)
	if err != nil {
		return err
	}
	history = append(history, m)
	encoded, err := json.Marshal(history)
	if err != nil {
		return errors.Wrap(err, "encode model history")
	}
	// 上限を超えたら古い履歴から捨てる
	for len(encoded) > tracking.MaxTagValLength && len(history) > 1 {
		history = history[1:]
		if encoded, err = json.Marshal(history); err != nil {
			return errors.Wrap(err, "encode model history")
		}
	}
	return run.SetTag(ctx, HistoryTag, string(encoded))
}

// ReadMLmodel parses the descriptor in dir.
func ReadMLmodel(dir string) (*MLmodel, error) {
	data, err := os.ReadFile(filepath.Join(dir, MLmodelFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.NewTrackingError(errors.ResourceDoesNotExist, "no %s file in %s", MLmodelFile, dir)
		}
		return nil, errors.Wrap(err, "read MLmodel")
	}
	var m MLmodel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decode MLmodel")
	}
	return &m, nil
}

// Load reads the model in dir into into. The weights checksum is verified
// by ImportWeights.
func Load(dir string, into model.WeightExporter) (*MLmodel, error) {
	m, err := ReadMLmodel(dir)
	if err != nil {
		return nil, err
	}
	flavor, ok := m.Flavors[FlavorName]
	if !ok {
		return nil, errors.NewTrackingError(errors.InvalidParameterValue,
			"model in %s has no %s flavor", dir, FlavorName)
	}

	weights := &model.ModelWeights{}
	data, err := os.ReadFile(filepath.Join(dir, flavorData(flavor)))
	switch {
	case err == nil:
		if err := weights.FromJSON(data); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		if err := model.LoadModel(weights, filepath.Join(dir, GobFile)); err != nil {
			return nil, errors.Wrapf(err, "model in %s has neither %s nor %s", dir, WeightsFile, GobFile)
		}
	default:
		return nil, errors.Wrap(err, "read model weights")
	}

	if weights.ModelType != flavor.ModelType {
		return nil, errors.NewValueError("models.Load",
			"MLmodel declares "+flavor.ModelType+" but weights are "+weights.ModelType)
	}
	if err := into.ImportWeights(weights); err != nil {
		return nil, err
	}
	return m, nil
}

func flavorData(f Flavor) string {
	if f.Data == "" {
		return WeightsFile
	}
	return filepath.FromSlash(path.Clean(f.Data))
}

// LoadFromRun downloads the model logged under artifactPath of a run and
// loads it into into.
func LoadFromRun(ctx context.Context, client *tracking.Client, runID, artifactPath string, into model.WeightExporter) (*MLmodel, error) {
	if artifactPath == "" {
		artifactPath = DefaultPath
	}
	tmp, err := os.MkdirTemp("", "regtrack-model-")
	if err != nil {
		return nil, errors.Wrap(err, "create model download directory")
	}
	defer os.RemoveAll(tmp)

	local, err := client.DownloadArtifacts(ctx, runID, artifactPath, tmp)
	if err != nil {
		return nil, errors.Wrapf(err, "download model %s of run %s", artifactPath, runID)
	}
	return Load(local, into)
}

// History decodes the model history tag of a run.
func History(run *tracking.Run) ([]*MLmodel, error) {
	raw := run.Data.TagMap()[HistoryTag]
	if raw == "" {
		return nil, nil
	}
	var history []*MLmodel
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, errors.Wrapf(err, "decode %s tag", HistoryTag)
	}
	return history, nil
}
