package msgnet

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// BenchResult is the outcome of one or more benchmark runs.
type BenchResult struct {
	Count     int           // requests sent, and replies received
	Bytes     int64         // request payload bytes sent
	Elapsed   time.Duration // wall-clock time until the last reply
	Latencies []time.Duration
}

// LatencyStats summarizes request latencies.
type LatencyStats struct {
	Avg    time.Duration
	StdDev time.Duration
	Min    time.Duration
	Max    time.Duration
	Median time.Duration
	P95    time.Duration
	P99    time.Duration
	P999   time.Duration
}

// Throughput returns completed requests per second.
func (r *BenchResult) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Count) / r.Elapsed.Seconds()
}

// ByteRate returns request payload bytes per second.
func (r *BenchResult) ByteRate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

// Stats computes latency statistics. Percentiles use the nearest-rank method.
func (r *BenchResult) Stats() LatencyStats {
	n := len(r.Latencies)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := slices.Clone(r.Latencies)
	slices.Sort(sorted)

	var sum float64
	for _, d := range sorted {
		sum += float64(d)
	}
	mean := sum / float64(n)

	var sq float64
	for _, d := range sorted {
		diff := float64(d) - mean
		sq += diff * diff
	}

	return LatencyStats{
		Avg:    time.Duration(mean),
		StdDev: time.Duration(math.Sqrt(sq / float64(n))),
		Min:    sorted[0],
		Max:    sorted[n-1],
		Median: percentile(sorted, 50),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
		P999:   percentile(sorted, 99.9),
	}
}

// percentile returns the nearest-rank p-th percentile of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted)) / 100))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// String formats the result as a human-readable report.
func (r *BenchResult) String() string {
	st := r.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "%s messages (%s) in %v\n",
		humanize.Comma(int64(r.Count)), humanize.Bytes(uint64(r.Bytes)), r.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(&b, "throughput: %s msg/s, %s/s\n",
		humanize.CommafWithDigits(r.Throughput(), 1), humanize.Bytes(uint64(r.ByteRate())))
	fmt.Fprintf(&b, "latency: avg %v, stddev %v, min %v, max %v\n", st.Avg, st.StdDev, st.Min, st.Max)
	fmt.Fprintf(&b, "latency: median %v, p95 %v, p99 %v, p99.9 %v\n", st.Median, st.P95, st.P99, st.P999)
	return b.String()
}

// Merge combines results of runs that happened concurrently. Elapsed is the
// longest of them.
func Merge(results ...*BenchResult) *BenchResult {
	merged := &BenchResult{}
	for _, r := range results {
		if r == nil {
			continue
		}
		merged.Count += r.Count
		merged.Bytes += r.Bytes
		merged.Elapsed = max(merged.Elapsed, r.Elapsed)
		merged.Latencies = append(merged.Latencies, r.Latencies...)
	}
	return merged
}

// RunBench opens conns connections to addr, runs Bench on all of them
// concurrently and merges the results. Every connection sends opts.Count
// requests.
func RunBench(ctx context.Context, addr string, conns int, bo BenchOptions, opt ...Option) (*BenchResult, error) {
	if conns <= 0 {
		return nil, errors.Wrapf(ErrInvalidOption, "connection count %d out of range", conns)
	}

	results := make([]*BenchResult, conns)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		g.Go(func() error {
			c, err := Dial(gctx, addr, opt...)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Bench(gctx, bo)
			if err != nil {
				return errors.Wrapf(err, "connection %d", i)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Merge(results...), nil
}
