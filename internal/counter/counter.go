// Package counter implements aggregation of per-file upload results (§4.I):
// a registry of per-(file, provider, cluster) sub-counters, a commutative
// merge across clusters for run-wide totals, a same-file-across-clusters
// merge, and the graphite-style metrics flusher.
package counter

import (
	"fmt"
	"os"
	"sync"
	"time"

	"segupload/internal/progress"
	"segupload/internal/segfile"
)

// Outcome classifies one (file, provider, cluster) job result.
type Outcome int

const (
	Processed Outcome = iota
	Invalid
	Skipped
)

type key struct {
	file     string
	provider string
	cluster  string
}

// Entry is one recorded (file, provider, cluster) result.
type Entry struct {
	File     string
	Provider string
	Cluster  string
	Outcome  Outcome
	Counter  segfile.Counter
}

// Registry indexes sub-counters by (file, provider, cluster) and exposes
// cardinality and merge views over them.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]Entry
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{entries: map[key]Entry{}}
}

// Record stores (or overwrites, on reprocess) the result of one job.
func (r *Registry) Record(file, provider, cluster string, outcome Outcome, c segfile.Counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key{file, provider, cluster}] = Entry{File: file, Provider: provider, Cluster: cluster, Outcome: outcome, Counter: c}
}

// Counts is a commutative (file, provider, cluster)-cardinality summary; two
// Counts combine with Add regardless of order (the "+" aggregation across
// clusters in §4.I).
type Counts struct {
	Processed int64
	Invalid   int64
	Skipped   int64
}

// Add returns the commutative sum of c and other.
func (c Counts) Add(other Counts) Counts {
	return Counts{
		Processed: c.Processed + other.Processed,
		Invalid:   c.Invalid + other.Invalid,
		Skipped:   c.Skipped + other.Skipped,
	}
}

// Totals returns the run-wide cardinalities across every recorded entry.
func (r *Registry) Totals() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c Counts
	for _, e := range r.entries {
		switch e.Outcome {
		case Processed:
			c.Processed++
		case Invalid:
			c.Invalid++
		case Skipped:
			c.Skipped++
		}
	}
	return c
}

// MergeFileCounters folds two clusters' view of the same file's counter
// together (the "&" merge in §4.I): line totals take the max (retaining
// whichever side already has a known total), matched/modified/upserted sum,
// and the progress markers line_cur/line_invalid follow line_total's
// max-retain rule since they are monotonic within a single pass too.
func MergeFileCounters(a, b segfile.Counter) segfile.Counter {
	return segfile.Counter{
		Matched:     a.Matched + b.Matched,
		Modified:    a.Modified + b.Modified,
		Upserted:    a.Upserted + b.Upserted,
		LineCur:     maxInt64(a.LineCur, b.LineCur),
		LineInvalid: maxInt64(a.LineInvalid, b.LineInvalid),
		LineTotal:   maxInt64(a.LineTotal, b.LineTotal),
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// MergeFile folds every recorded cluster entry for file across all
// providers/clusters into one segfile.Counter via repeated MergeFileCounters.
func (r *Registry) MergeFile(file string) segfile.Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var merged segfile.Counter
	first := true
	for k, e := range r.entries {
		if k.file != file {
			continue
		}
		if first {
			merged = e.Counter
			first = false
			continue
		}
		merged = MergeFileCounters(merged, e.Counter)
	}
	return merged
}

// FlushMetrics appends one graphite-style line per (provider, cluster) pair
// for each of "lines_processed" and "uploaded" (= lines_processed -
// invalid_lines), formatted "prefix.provider.cluster.metric value ts".
func FlushMetrics(m *progress.Metrics, prefix, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("counter: open metrics file %q: %w", path, err)
	}
	defer f.Close()

	ts := time.Now().Unix()
	for pair, totals := range m.Snapshot() {
		provider, cluster := pair[0], pair[1]
		linesProcessed, invalid := totals[0], totals[1]
		uploaded := linesProcessed - invalid
		if _, err := fmt.Fprintf(f, "%s.%s.%s.lines_processed %d %d\n", prefix, provider, cluster, linesProcessed, ts); err != nil {
			return fmt.Errorf("counter: write metrics: %w", err)
		}
		if _, err := fmt.Fprintf(f, "%s.%s.%s.uploaded %d %d\n", prefix, provider, cluster, uploaded, ts); err != nil {
			return fmt.Errorf("counter: write metrics: %w", err)
		}
	}
	return nil
}
