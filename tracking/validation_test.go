package tracking

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"training_score", false},
		{"eval/r2 score", false},
		{"a.b-c", false},
		{"", true},
		{"bad!", true},
		{"/abs", true},
		{"a/../b", true},
		{"..", true},
		{strings.Repeat("k", MaxEntityKeyLength), false},
		{strings.Repeat("k", MaxEntityKeyLength+1), true},
	}
	for _, tt := range tests {
		err := ValidateKey("param", tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
		if err != nil && errors.CodeOf(err) != errors.InvalidParameterValue {
			t.Errorf("ValidateKey(%q) code = %s", tt.key, errors.CodeOf(err))
		}
	}
}

func TestValidateBatch(t *testing.T) {
	long := strings.Repeat("v", MaxParamValLength+1)
	tests := []struct {
		name    string
		metrics []Metric
		params  []Param
		tags    []RunTag
		wantErr bool
	}{
		{name: "empty"},
		{name: "valid", metrics: []Metric{{Key: "m", Value: 1}}, params: []Param{{Key: "p", Value: "1"}}, tags: []RunTag{{Key: "t", Value: "x"}}},
		{name: "same param twice", params: []Param{{Key: "p", Value: "1"}, {Key: "p", Value: "1"}}},
		{name: "conflicting param", params: []Param{{Key: "p", Value: "1"}, {Key: "p", Value: "2"}}, wantErr: true},
		{name: "long param value", params: []Param{{Key: "p", Value: long}}, wantErr: true},
		{name: "negative timestamp", metrics: []Metric{{Key: "m", Timestamp: -1}}, wantErr: true},
		{name: "too many params", params: make([]Param, MaxParamsPerBatch+1), wantErr: true},
		{name: "bad tag key", tags: []RunTag{{Key: "a:b"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatch(tt.metrics, tt.params, tt.tags)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateBatch() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckParamOverwrite(t *testing.T) {
	existing := map[string]string{"alpha": "1"}
	if err := CheckParamOverwrite("r", existing, []Param{{Key: "alpha", Value: "1"}, {Key: "beta", Value: "2"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := CheckParamOverwrite("r", existing, []Param{{Key: "alpha", Value: "3"}})
	if errors.CodeOf(err) != errors.InvalidParameterValue {
		t.Fatalf("code = %s, want %s", errors.CodeOf(err), errors.InvalidParameterValue)
	}
}

func TestRunStatusJSON(t *testing.T) {
	data, err := json.Marshal(RunInfo{RunID: "abc", Status: StatusFinished})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"status":"FINISHED"`) {
		t.Errorf("status not encoded by name: %s", data)
	}

	for _, in := range []string{`"FAILED"`, `4`} {
		var s RunStatus
		if err := json.Unmarshal([]byte(in), &s); err != nil {
			t.Fatalf("Unmarshal(%s): %v", in, err)
		}
		if s != StatusFailed {
			t.Errorf("Unmarshal(%s) = %v, want FAILED", in, s)
		}
	}
	var s RunStatus
	if err := json.Unmarshal([]byte(`"DONE"`), &s); err == nil {
		t.Error("expected an error for an unknown status")
	}
}

func TestViewType(t *testing.T) {
	if !ActiveOnly.Matches(LifecycleActive) || ActiveOnly.Matches(LifecycleDeleted) {
		t.Error("ActiveOnly filter is wrong")
	}
	if !DeletedOnly.Matches(LifecycleDeleted) || DeletedOnly.Matches(LifecycleActive) {
		t.Error("DeletedOnly filter is wrong")
	}
	if !AllStages.Matches(LifecycleDeleted) {
		t.Error("AllStages must match deleted entities")
	}
	v, err := ParseViewType("all")
	if err != nil || v != AllStages {
		t.Errorf("ParseViewType(all) = %v, %v", v, err)
	}
	if _, err := ParseViewType("some"); err == nil {
		t.Error("expected an error for an unknown view type")
	}
}

func TestIsTerminal(t *testing.T) {
	for status, want := range map[RunStatus]bool{
		StatusRunning: false, StatusScheduled: false,
		StatusFinished: true, StatusFailed: true, StatusKilled: true,
	} {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestMetricJSONNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0.25} {
		data, err := json.Marshal(Metric{Key: "m", Value: v, Timestamp: 1, Step: 2})
		if err != nil {
			t.Fatalf("Marshal(%v): %v", v, err)
		}
		var got Metric
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		same := got.Value == v || (math.IsNaN(v) && math.IsNaN(got.Value))
		if !same || got.Key != "m" || got.Timestamp != 1 || got.Step != 2 {
			t.Errorf("round trip of %v gave %+v", v, got)
		}
	}
}
