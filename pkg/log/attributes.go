// Package log defines standard attribute keys for machine learning and
// experiment tracking operations.
//
// The keys follow a hierarchical naming convention (e.g. "model.name",
// "data.samples", "run.id") so that structured logs can be filtered the same
// way across the estimator packages, the tracking stores and the CLI.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the type of machine learning model.
	// Examples: "LinearRegression"
	ModelNameKey = "model.name"

	// OperationKey specifies the operation being performed.
	// Standard values: "fit", "predict", "score", "split", "generate"
	OperationKey = "ml.operation"

	// ComponentKey identifies which component or package is performing the operation.
	// Examples: "linear_model", "datasets", "filestore", "server"
	ComponentKey = "ml.component"

	// PhaseKey indicates the phase of the workflow.
	PhaseKey = "ml.phase"
)

// Data Shape and Characteristics
const (
	SamplesKey  = "data.samples"
	FeaturesKey = "data.features"
	DigestKey   = "data.digest"
)

// Performance and Metrics
const (
	DurationMsKey = "perf.duration_ms"
	R2ScoreKey    = "metrics.r2_score"
	MSEKey        = "metrics.mse"
	RandomSeedKey = "config.random_seed"
)

// Prediction Context
const (
	// PredsKey indicates the number of predictions made.
	PredsKey = "preds.count"
)

// Tracking Context
// These attributes identify the experiment, run and backend being used.
const (
	ExperimentIDKey   = "experiment.id"
	ExperimentNameKey = "experiment.name"
	RunIDKey          = "run.id"
	RunStatusKey      = "run.status"
	TrackingURIKey    = "tracking.uri"
	ArtifactPathKey   = "artifact.path"
	HTTPMethodKey     = "http.method"
	HTTPPathKey       = "http.path"
	HTTPStatusKey     = "http.status"
)

// Error and Warning Context
const (
	ErrorCodeKey  = "error.code"
	ErrorTypeKey  = "error.type"
	SuggestionKey = "error.suggestion"
)

// Standard attribute values.
const (
	OperationFit      = "fit"
	OperationPredict  = "predict"
	OperationScore    = "score"
	OperationSplit    = "split"
	OperationGenerate = "generate"
	OperationLog      = "log"

	PhaseTraining      = "training"
	PhaseInference     = "inference"
	PhasePreprocessing = "preprocessing"
	PhaseTracking      = "tracking"

	ErrorNotFitted         = "NOT_FITTED"
	ErrorDimensionMismatch = "DIMENSION_MISMATCH"
	ErrorEmptyData         = "EMPTY_DATA"
	ErrorSingularMatrix    = "SINGULAR_MATRIX"
)
