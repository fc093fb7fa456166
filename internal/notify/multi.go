package notify

import (
	"context"
	"errors"
)

// Multi fans an alert out to every notifier. Every channel is attempted even
// when an earlier one fails; the failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
