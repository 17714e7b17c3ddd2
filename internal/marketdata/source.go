package marketdata

import (
	"context"
	"errors"
	"fmt"
)

// Source fetches a full set of snapshots from one upstream.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Snapshot, error)
}

var ErrNoSnapshots = errors.New("marketdata: source returned no snapshots")

// Chain tries each source in order and returns the first non-empty result.
type Chain []Source

func (c Chain) Name() string { return "chain" }

func (c Chain) Fetch(ctx context.Context) ([]Snapshot, error) {
	var errs []error
	for _, src := range c {
		snaps, err := src.Fetch(ctx)
		if err == nil && len(snaps) == 0 {
			err = ErrNoSnapshots
		}
		if err == nil {
			return snaps, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, ErrNoSnapshots
	}
	return nil, errors.Join(errs...)
}
