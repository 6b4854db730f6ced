package thumbnails

import (
	"github.com/pkg/errors"

	"job-processing-core/internal/errs"
)

func permanentf(format string, args ...any) error {
	return errs.Permanent(errors.Errorf(format, args...))
}

func permanent(err error, msg string) error {
	return errs.Permanent(errors.Wrap(err, msg))
}

func transient(err error, msg string) error {
	return errs.Transient(errors.Wrap(err, msg))
}
