package report

import (
	"context"
	"errors"

	"github.com/robertof/go-qnscale-relay/device"
)

type Reporter interface {
	Report(ctx context.Context, r device.Reading) error
}

type ReporterFunc func(ctx context.Context, r device.Reading) error

func (f ReporterFunc) Report(ctx context.Context, r device.Reading) error {
	return f(ctx, r)
}

// Tee hands every reading to each reporter in order. One failing does not stop the others;
// all errors are returned joined.
func Tee(reporters ...Reporter) Reporter {
	return ReporterFunc(func(ctx context.Context, r device.Reading) error {
		var errs []error

		for _, rep := range reporters {
			if err := rep.Report(ctx, r); err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	})
}
