package probe

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// ErrNoCandidates is returned when a failover list is empty.
var ErrNoCandidates = errors.New("no candidates configured")

// Failover tries candidates in order and returns the first successful
// result along with the index of the candidate that produced it. When every
// candidate fails the returned error joins each candidate's failure.
// Iteration stops early once ctx is done.
func Failover[C any, R any](
	ctx context.Context,
	candidates []C,
	label func(C) string,
	attempt func(context.Context, C) (R, error),
) (R, int, error) {
	var zero R
	if len(candidates) == 0 {
		return zero, -1, ErrNoCandidates
	}

	var errs error
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		r, err := attempt(ctx, c)
		if err == nil {
			return r, i, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", label(c), err))
	}
	return zero, -1, errs
}

// SortCandidates returns a copy of candidates ordered by ascending Priority.
// Candidates with equal priority keep their configured order.
func SortCandidates(candidates []EndpointCandidate) []EndpointCandidate {
	out := make([]EndpointCandidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}
