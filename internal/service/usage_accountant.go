package service

import (
	"fmt"

	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
)

// ObservationKind describes how one counter observation changed the periods
type ObservationKind string

const (
	ObservationFirst     ObservationKind = "first"
	ObservationReset     ObservationKind = "reset"
	ObservationUpdate    ObservationKind = "update"
	ObservationUnchanged ObservationKind = "unchanged"
)

// UsageAccountant folds node-reported cumulative counters into usage periods.
//
// Node counters restart from zero when the node process restarts or when the
// identity moves to another node. A value lower than the open period is the
// only reset signal: it opens a new period instead of overwriting the old
// one, so the lifetime total never loses bytes already counted.
type UsageAccountant struct{}

func NewUsageAccountant() *UsageAccountant {
	return &UsageAccountant{}
}

// Observe returns the periods after observing v. The input is never modified.
func (a *UsageAccountant) Observe(periods model.UsagePeriods, v int64) (model.UsagePeriods, ObservationKind, error) {
	if v < 0 {
		return periods, ObservationUnchanged, ferrors.Validation(fmt.Sprintf("negative usage counter %d", v))
	}

	last, ok := periods.Last()
	switch {
	case !ok:
		return model.UsagePeriods{v}, ObservationFirst, nil
	case v < last:
		return periods.Append(v), ObservationReset, nil
	case v == last:
		return periods, ObservationUnchanged, nil
	default:
		next, err := periods.SetLast(v)
		if err != nil {
			return periods, ObservationUnchanged, ferrors.InternalError("usage update", err)
		}
		return next, ObservationUpdate, nil
	}
}
