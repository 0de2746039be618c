package probe

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

const defaultRankWorkers = 10

type rankSample struct {
	candidate EndpointCandidate
	latency   time.Duration
	err       error
}

// RankByLatency reorders candidates by a concurrent HEAD round trip,
// fastest first. Unreachable candidates keep their relative order at the end.
func RankByLatency(ctx context.Context, client *http.Client, clk clock.Clock, candidates []EndpointCandidate, workers int, timeout time.Duration) []EndpointCandidate {
	if len(candidates) < 2 {
		return candidates
	}
	if workers <= 0 {
		workers = defaultRankWorkers
	}
	if clk == nil {
		clk = clock.New()
	}

	samples := make([]rankSample, len(candidates))
	var g errgroup.Group
	g.SetLimit(workers)

	for i, c := range candidates {
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			samples[i] = rankSample{candidate: c}
			req, err := newRequest(reqCtx, http.MethodHead, c.URL)
			if err != nil {
				samples[i].err = err
				return nil
			}

			start := clk.Now()
			resp, err := client.Do(req)
			if err != nil {
				samples[i].err = err
				return nil
			}
			resp.Body.Close()
			samples[i].latency = clk.Since(start)
			return nil
		})
	}

	// Failures are kept per sample; the group never returns one.
	_ = g.Wait()

	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].err != nil || samples[j].err != nil {
			return samples[i].err == nil && samples[j].err != nil
		}
		return samples[i].latency < samples[j].latency
	})

	out := make([]EndpointCandidate, len(samples))
	for i, s := range samples {
		out[i] = s.candidate
	}
	return out
}
