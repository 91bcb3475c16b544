package observability

import (
	"errors"
	"strconv"

	"github.com/coachpo/coreflow/errs"
)

// AggregateErrors folds the non-nil errors of a multi-step operation into one
// envelope, logging it once through the global logger. The code is the shared
// code when every error agrees, CodeInternal otherwise.
func AggregateErrors(operation string, errList []error, fields ...Field) error {
	var (
		kept []error
		code errs.Code
	)
	for _, err := range errList {
		if err == nil {
			continue
		}
		current := errs.CodeOf(err)
		switch {
		case len(kept) == 0:
			code = current
		case code != current:
			code = errs.CodeInternal
		}
		kept = append(kept, err)
	}
	if len(kept) == 0 {
		return nil
	}

	joined := errors.Join(kept...)
	Log().Error(operation+" failed", append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(kept)},
		Field{Key: "errors", Value: joined.Error()},
	)...)
	return errs.New("observability", code,
		errs.WithOperation(operation),
		errs.WithMessage(operation+" failed with "+strconv.Itoa(len(kept))+" error(s)"),
		errs.WithCause(joined))
}
