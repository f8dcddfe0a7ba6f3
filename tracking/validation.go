package tracking

import (
	"regexp"
	"strings"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// Limits enforced on logged data, matching the MLflow server.
const (
	MaxEntityKeyLength = 250
	MaxParamValLength  = 6000
	MaxTagValLength    = 8000
	MaxExperimentName  = 500

	MaxMetricsPerBatch = 1000
	MaxParamsPerBatch  = 100
	MaxTagsPerBatch    = 100
)

// Context tag for dataset inputs.
const DatasetContextTag = "mlflow.data.context"

var validKey = regexp.MustCompile(`^[/\w.\- ]*$`)

// ValidateKey checks a param, metric or tag name.
func ValidateKey(kind, key string) error {
	if key == "" {
		return errors.NewTrackingError(errors.InvalidParameterValue, "%s name must not be empty", kind)
	}
	if len(key) > MaxEntityKeyLength {
		return errors.NewTrackingError(errors.InvalidParameterValue,
			"%s name %q exceeds the maximum length of %d", kind, key, MaxEntityKeyLength)
	}
	if !validKey.MatchString(key) {
		return errors.NewTrackingError(errors.InvalidParameterValue,
			"invalid %s name %q: names may only contain alphanumerics, underscores, dashes, periods, spaces and slashes", kind, key)
	}
	if strings.HasPrefix(key, "/") || pathHasParentRef(key) {
		return errors.NewTrackingError(errors.InvalidParameterValue,
			"invalid %s name %q: names may not be absolute or contain '..'", kind, key)
	}
	return nil
}

func pathHasParentRef(key string) bool {
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// ValidateParam checks a parameter's name and value.
func ValidateParam(p Param) error {
	if err := ValidateKey("param", p.Key); err != nil {
		return err
	}
	if len(p.Value) > MaxParamValLength {
		return errors.NewTrackingError(errors.InvalidParameterValue,
			"param %q value length %d exceeds the limit of %d", p.Key, len(p.Value), MaxParamValLength)
	}
	return nil
}

// ValidateMetric checks a metric's name. NaN and ±Inf values are allowed.
func ValidateMetric(m Metric) error {
	if err := ValidateKey("metric", m.Key); err != nil {
		return err
	}
	if m.Timestamp < 0 {
		return errors.NewTrackingError(errors.InvalidParameterValue, "metric %q has a negative timestamp", m.Key)
	}
	return nil
}

// ValidateTag checks a tag's name and value.
func ValidateTag(t RunTag) error {
	if err := ValidateKey("tag", t.Key); err != nil {
		return err
	}
	if len(t.Value) > MaxTagValLength {
		return errors.NewTrackingError(errors.InvalidParameterValue,
			"tag %q value length %d exceeds the limit of %d", t.Key, len(t.Value), MaxTagValLength)
	}
	return nil
}

// ValidateExperimentName checks an experiment name.
func ValidateExperimentName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewTrackingError(errors.InvalidParameterValue, "experiment name must not be empty")
	}
	if len(name) > MaxExperimentName {
		return errors.NewTrackingError(errors.InvalidParameterValue,
			"experiment name exceeds the maximum length of %d", MaxExperimentName)
	}
	return nil
}

// ValidateBatch checks every entry of a LogBatch request and its size limits.
func ValidateBatch(metrics []Metric, params []Param, tags []RunTag) error {
	if len(metrics) > MaxMetricsPerBatch {
		return errors.NewTrackingError(errors.InvalidParameterValue,
			"a batch may contain at most %d metrics, got %d", MaxMetricsPerBatch, len(metrics))
	}
	if len(params) > MaxParamsPerBatch {
		return errors.NewTrackingError(errors.InvalidParameterValue,
			"a batch may contain at most %d params, got %d", MaxParamsPerBatch, len(params))
	}
	if len(tags) > MaxTagsPerBatch {
		return errors.NewTrackingError(errors.InvalidParameterValue,
			"a batch may contain at most %d tags, got %d", MaxTagsPerBatch, len(tags))
	}
	seen := make(map[string]string, len(params))
	for _, p := range params {
		if err := ValidateParam(p); err != nil {
			return err
		}
		if prev, ok := seen[p.Key]; ok && prev != p.Value {
			return errors.NewTrackingError(errors.InvalidParameterValue,
				"duplicate param %q with different values in the same batch", p.Key)
		}
		seen[p.Key] = p.Value
	}
	for _, m := range metrics {
		if err := ValidateMetric(m); err != nil {
			return err
		}
	}
	for _, t := range tags {
		if err := ValidateTag(t); err != nil {
			return err
		}
	}
	return nil
}

// CheckParamOverwrite enforces write-once params: logging an existing key
// again is allowed only with the same value.
func CheckParamOverwrite(runID string, existing map[string]string, params []Param) error {
	for _, p := range params {
		if old, ok := existing[p.Key]; ok && old != p.Value {
			return errors.NewTrackingError(errors.InvalidParameterValue,
				"changing param values is not allowed. Param with key=%q was already logged with value=%q for run ID=%q. Attempted logging new value %q",
				p.Key, old, runID, p.Value)
		}
	}
	return nil
}
