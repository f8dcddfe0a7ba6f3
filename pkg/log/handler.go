package log

import (
	"context"
	"log/slog"

	cerrors "github.com/cockroachdb/errors"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// errorHandler enriches records that carry an ErrAttrKey attribute. It adds
// the cockroachdb/errors stack under StacktraceAttrKey and, for tracking
// failures, the MLflow error code under ErrorCodeKey.
type errorHandler struct {
	next slog.Handler
}

func wrapErrorHandler(next slog.Handler) slog.Handler {
	return &errorHandler{next: next}
}

func (h *errorHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *errorHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != ErrAttrKey {
			return true
		}
		err, _ = a.Value.Any().(error)
		return false
	})
	if err == nil {
		return h.next.Handle(ctx, r)
	}

	if st := stacktraceOf(err); st != "" {
		r.AddAttrs(slog.String(StacktraceAttrKey, st))
	}
	var te *errors.TrackingError
	if errors.As(err, &te) {
		r.AddAttrs(slog.String(ErrorCodeKey, string(te.Code)))
	}
	return h.next.Handle(ctx, r)
}

func (h *errorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &errorHandler{next: h.next.WithAttrs(attrs)}
}

func (h *errorHandler) WithGroup(g string) slog.Handler {
	return &errorHandler{next: h.next.WithGroup(g)}
}

// stacktraceOf は errors.WithStack が記録したスタックを返す。なければ空文字。
func stacktraceOf(err error) string {
	if details := cerrors.GetSafeDetails(err).SafeDetails; len(details) > 0 {
		return details[0]
	}
	return ""
}
