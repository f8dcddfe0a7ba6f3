// Package errors は regtrack 全体で使うエラー型と警告の仕組みを提供します。
//
// 学習側のエラー（NotFittedError, DimensionError など）は scikit-learn の例外に、
// トラッキング側の TrackingError は MLflow REST API のエラーコードに対応します。
// いずれも cockroachdb/errors でスタックトレースを付与して返します。
package errors

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// 学習処理で共有する番兵エラー
var (
	ErrEmptyData      = errors.New("empty data")
	ErrSingularMatrix = errors.New("singular matrix")
)

// ErrorCode は MLflow REST API と互換のエラーコードです。
type ErrorCode string

const (
	ResourceDoesNotExist  ErrorCode = "RESOURCE_DOES_NOT_EXIST"
	ResourceAlreadyExists ErrorCode = "RESOURCE_ALREADY_EXISTS"
	InvalidParameterValue ErrorCode = "INVALID_PARAMETER_VALUE"
	InvalidState          ErrorCode = "INVALID_STATE"
	InternalError         ErrorCode = "INTERNAL_ERROR"
	BadRequest            ErrorCode = "BAD_REQUEST"
)

// TrackingError はトラッキングバックエンドの操作が失敗した場合のエラーです。
type TrackingError struct {
	Code    ErrorCode
	Message string
}

func (e *TrackingError) Error() string {
	return fmt.Sprintf("regtrack: %s: %s", e.Code, e.Message)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (e *TrackingError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("error_code", string(e.Code)).
		Str("message", e.Message).
		Str("type", "TrackingError")
}

// NewTrackingError は TrackingError を作成し、スタックトレースを付与します。
func NewTrackingError(code ErrorCode, format string, args ...interface{}) error {
	return errors.WithStack(&TrackingError{Code: code, Message: fmt.Sprintf(format, args...)})
}

// CodeOf はエラーチェーン中の TrackingError のコードを返します。
// 見つからなければ InternalError。
func CodeOf(err error) ErrorCode {
	var te *TrackingError
	if errors.As(err, &te) {
		return te.Code
	}
	return InternalError
}

// IsNotExist reports whether err is a RESOURCE_DOES_NOT_EXIST tracking error.
func IsNotExist(err error) bool {
	return CodeOf(err) == ResourceDoesNotExist
}

// NotFittedError は未学習のモデルで Predict や Score を呼んだ場合のエラーです。
type NotFittedError struct {
	ModelName string
	Method    string
}

func (e *NotFittedError) Error() string {
	return fmt.Sprintf("regtrack: %s: this model is not fitted yet. Call Fit() before using %s()", e.ModelName, e.Method)
}

func (e *NotFittedError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("model_name", e.ModelName).
		Str("method", e.Method).
		Str("type", "NotFittedError")
}

func NewNotFittedError(modelName, method string) error {
	return errors.WithStack(&NotFittedError{ModelName: modelName, Method: method})
}

// DimensionError は入力の次元が期待値と異なる場合のエラーです。
// Axis は 0 が行、1 が特徴量。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int
}

func (e *DimensionError) axisName() string {
	if e.Axis == 0 {
		return "rows"
	}
	return "features"
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("regtrack: %s: dimension mismatch on axis %d (%s). Expected %d, got %d",
		e.Op, e.Axis, e.axisName(), e.Expected, e.Got)
}

func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Str("axis_name", e.axisName()).
		Str("type", "DimensionError")
}

func NewDimensionError(op string, expected, got, axis int) error {
	return errors.WithStack(&DimensionError{Op: op, Expected: expected, Got: got, Axis: axis})
}

// ValidationError はハイパーパラメータや設定値の検証エラーです。
type ValidationError struct {
	ParamName string
	Reason    string
	Value     interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("regtrack: validation failed for parameter '%s': %s (got: %v)", e.ParamName, e.Reason, e.Value)
}

func (e *ValidationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param_name", e.ParamName).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ValidationError")
}

func NewValidationError(param, reason string, value interface{}) error {
	return errors.WithStack(&ValidationError{ParamName: param, Reason: reason, Value: value})
}

// ValueError は引数の値そのものが不正な場合のエラーです（空の入力など）。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("regtrack: %s: %s", e.Op, e.Message)
}

func NewValueError(op, message string) error {
	return errors.WithStack(&ValueError{Op: op, Message: message})
}

// ModelError は推定器の内部処理（SVD など）が失敗した場合のエラーです。
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("regtrack: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("regtrack: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error { return e.Err }

func NewModelError(op, kind string, err error) error {
	return errors.WithStack(&ModelError{Op: op, Kind: kind, Err: err})
}

// NumericalInstabilityError は NaN や Inf を検出した場合のエラーです。
type NumericalInstabilityError struct {
	Operation string
	Values    []float64 // 先頭 5 件のみメッセージに含める
	Iteration int
}

func (e *NumericalInstabilityError) Error() string {
	var sb strings.Builder
	for i, v := range e.Values {
		if i == 5 {
			sb.WriteString(", ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.6g", v)
	}
	return fmt.Sprintf("regtrack: numerical instability detected in %s at iteration %d. Values: [%s]",
		e.Operation, e.Iteration, sb.String())
}

func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	return errors.WithStack(&NumericalInstabilityError{Operation: operation, Values: values, Iteration: iteration})
}

// ConvergenceWarning は反復解法が収束しなかったことを知らせる警告です。
// エラーとして返さず Warn に渡します。
type ConvergenceWarning struct {
	Algorithm  string
	Iterations int
	Message    string
}

func (w *ConvergenceWarning) Error() string {
	if w.Message != "" {
		return fmt.Sprintf("%s failed to converge after %d iterations: %s", w.Algorithm, w.Iterations, w.Message)
	}
	return fmt.Sprintf("%s failed to converge after %d iterations. Consider increasing max_iter or adjusting parameters.", w.Algorithm, w.Iterations)
}

func (w *ConvergenceWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("algorithm", w.Algorithm).
		Int("iterations", w.Iterations).
		Str("message", w.Message).
		Str("type", "ConvergenceWarning")
}

func NewConvergenceWarning(algorithm string, iterations int, message string) *ConvergenceWarning {
	return &ConvergenceWarning{Algorithm: algorithm, Iterations: iterations, Message: message}
}

var (
	warnMu sync.Mutex
	// pkg/log が import するため、ロガーは関数として注入する
	warnFunc func(warning error)
)

// SetZerologWarnFunc は Warn の出力先を差し替えます。nil で標準 log に戻ります。
func SetZerologWarnFunc(fn func(warning error)) {
	warnMu.Lock()
	defer warnMu.Unlock()
	warnFunc = fn
}

// Warn は警告を出力します。
func Warn(w error) {
	warnMu.Lock()
	defer warnMu.Unlock()
	if warnFunc != nil {
		warnFunc(w)
		return
	}
	log.Printf("regtrack-Warning: %v\n", w)
}

// cockroachdb/errors の薄いラッパー

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func Wrap(err error, message string) error { return errors.Wrap(err, message) }

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

func New(message string) error { return errors.New(message) }

func Newf(format string, args ...interface{}) error { return errors.Newf(format, args...) }

func WithStack(err error) error { return errors.WithStack(err) }

// CombineErrors は err を主エラーとし other を二次エラーとして保持します。
// どちらかが nil ならもう一方を返します。
func CombineErrors(err, other error) error { return errors.CombineErrors(err, other) }
