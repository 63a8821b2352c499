package quota

import (
	"errors"
	"fmt"
)

// ErrExceeded marks every quota violation so callers can map it to a
// single error class while the wrapped message names the limit and the
// offending count.
var ErrExceeded = errors.New("assignment quota exceeded")

// CheckBatchSize guards the per-call target count.
func CheckBatchSize(requested, max int) error {
	if max > 0 && requested > max {
		return fmt.Errorf("%w: %d deployment requests in one call, limit is %d", ErrExceeded, requested, max)
	}
	return nil
}

// CheckTargetActions guards the per-target outstanding action count.
// current is the number of active actions the target already has,
// additional the number this batch would add.
func CheckTargetActions(controllerID string, current int64, additional, max int) error {
	if max > 0 && current+int64(additional) > int64(max) {
		return fmt.Errorf("%w: target %s would have %d active actions, limit is %d",
			ErrExceeded, controllerID, current+int64(additional), max)
	}
	return nil
}
