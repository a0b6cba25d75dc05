// Package worker implements the Coordinator and worker pool (§4.G): it
// fans each discovered segment file out to every target cluster, enforcing
// at most one in-flight job per (provider, cluster) pair while letting
// different pairs run concurrently, bounded by a fixed-size pool.
//
// The original polling loop busy-sleeps at 10ms between checks; this
// implementation instead blocks on a channel of job completions, per the
// spec's own call-out to prefer a condition variable or channel signal.
package worker

import (
	"context"
	"fmt"
	"sync"

	"segupload/internal/counter"
	"segupload/internal/dbcluster"
	"segupload/internal/progress"
	"segupload/internal/segfile"
)

// Logger is the narrow logging slice this package needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// ErrorCode mirrors the job result tuple's error_code (§4.G).
type ErrorCode int

const (
	OK      ErrorCode = 0
	BadFile ErrorCode = 1
)

// Result is one job's outcome, handed back to the Coordinator's result
// handler.
type Result struct {
	Name     string
	Code     ErrorCode
	Counter  segfile.Counter
	Provider string
	Cluster  string
}

// job is one (file, provider, cluster) unit of dispatch.
type job struct {
	file     *segfile.File
	provider string
	cluster  string
	slot     int
	segments string
}

type pairKey struct {
	provider string
	cluster  string
}

// ClusterFactory resolves the live *dbcluster.Cluster for a cluster name,
// so the Coordinator doesn't need to know how clusters are configured.
type ClusterFactory func(ctx context.Context, cluster string) (*dbcluster.Cluster, error)

// Coordinator buffers one job queue per (provider, cluster) pair and
// dispatches at most one in-flight job per pair at a time, across a fixed
// pool of worker goroutines.
type Coordinator struct {
	workers      int
	clusterOf    ClusterFactory
	registry     *counter.Registry
	metrics      *progress.Metrics
	ring         *progress.Ring
	segments     string
	log          Logger

	mu      sync.Mutex
	queues  map[pairKey][]job
	busy    map[pairKey]bool

	jobsCh    chan job
	resultsCh chan Result
	wg        sync.WaitGroup
}

// New builds a Coordinator. workers <= 0 defaults to 1.
func New(workers int, clusterOf ClusterFactory, registry *counter.Registry, metrics *progress.Metrics, ring *progress.Ring, segmentsCollection string, log Logger) *Coordinator {
	if workers <= 0 {
		workers = 1
	}
	return &Coordinator{
		workers:   workers,
		clusterOf: clusterOf,
		registry:  registry,
		metrics:   metrics,
		ring:      ring,
		segments:  segmentsCollection,
		log:       log,
		queues:    map[pairKey][]job{},
		busy:      map[pairKey]bool{},
		jobsCh:    make(chan job, workers*4),
		resultsCh: make(chan Result, workers*4),
	}
}

// Start launches the fixed worker pool. Call Stop (or cancel ctx) to shut
// it down once Submit is done producing work.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.runWorker(ctx)
	}
}

// Stop closes the job channel and waits for every in-flight worker to
// drain. Submit must not be called again afterward.
func (c *Coordinator) Stop() {
	close(c.jobsCh)
	c.wg.Wait()
	close(c.resultsCh)
}

// Submit enqueues one job per target cluster for file, claiming one
// progress-ring slot per cluster for the file's lifetime in that cluster's
// queue, and dispatches immediately onto any idle (provider, cluster) pair.
// segmentsCollection overrides the Coordinator's default when the provider
// declares its own (§4.H provider-level segments_collection inheritance).
func (c *Coordinator) Submit(provider string, clusters []string, file *segfile.File, segmentsCollection string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cluster := range clusters {
		slot, err := c.ring.Claim()
		if err != nil {
			return fmt.Errorf("worker: submit %s/%s/%s: %w", provider, cluster, file.Name, err)
		}
		key := pairKey{provider, cluster}
		c.queues[key] = append(c.queues[key], job{file: file, provider: provider, cluster: cluster, slot: slot, segments: segmentsCollection})
	}
	c.dispatchLocked()
	return nil
}

// dispatchLocked pushes the next queued job for every idle pair onto
// jobsCh. Caller must hold c.mu.
func (c *Coordinator) dispatchLocked() {
	for key, q := range c.queues {
		if len(q) == 0 || c.busy[key] {
			continue
		}
		next := q[0]
		c.queues[key] = q[1:]
		c.busy[key] = true
		c.jobsCh <- next
	}
}

// Results exposes the channel of job completions for the caller to drain
// (e.g. to feed a counter.Registry and decide exit codes).
func (c *Coordinator) Results() <-chan Result {
	return c.resultsCh
}

// Idle reports whether every (provider, cluster) pair is currently idle
// and every queue is empty — the pool-side half of the exit condition in
// step 5 (the caller must separately confirm no emitter has more files).
func (c *Coordinator) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, busy := range c.busy {
		if busy {
			return false
		}
		if len(c.queues[key]) > 0 {
			return false
		}
	}
	return true
}

func (c *Coordinator) runWorker(ctx context.Context) {
	defer c.wg.Done()
	for j := range c.jobsCh {
		result := c.process(ctx, j)
		c.mu.Lock()
		c.busy[pairKey{j.provider, j.cluster}] = false
		c.dispatchLocked()
		c.mu.Unlock()
		c.resultsCh <- result
	}
}

func (c *Coordinator) process(ctx context.Context, j job) Result {
	defer c.ring.Release(j.slot)

	segments := j.segments
	if segments == "" {
		segments = c.segments
	}

	cluster, err := c.clusterOf(ctx, j.cluster)
	if err != nil {
		if c.log != nil {
			c.log.Warnf("worker: cluster %q unavailable for %s: %v", j.cluster, j.file.Name, err)
		}
		if c.registry != nil {
			c.registry.Record(j.file.Name, j.provider, j.cluster, counter.Invalid, j.file.Counter)
		}
		return Result{Name: j.file.Name, Code: BadFile, Provider: j.provider, Cluster: j.cluster}
	}

	if err := cluster.ReadSegfileInfo(ctx, j.file, segments); err != nil {
		if c.log != nil {
			c.log.Warnf("worker: read metadata for %s on %s: %v", j.file.Name, j.cluster, err)
		}
		if c.registry != nil {
			c.registry.Record(j.file.Name, j.provider, j.cluster, counter.Invalid, j.file.Counter)
		}
		return Result{Name: j.file.Name, Code: BadFile, Provider: j.provider, Cluster: j.cluster}
	}

	if shouldSkipUpload(j.file) {
		if c.log != nil {
			c.log.Debugf("worker: %s already settled on %s (processed=%v invalid=%v), skipping", j.file.Name, j.cluster, j.file.Processed, j.file.Invalid)
		}
		if c.registry != nil {
			c.registry.Record(j.file.Name, j.provider, j.cluster, counter.Skipped, j.file.Counter)
		}
		return Result{Name: j.file.Name, Code: OK, Counter: j.file.Counter, Provider: j.provider, Cluster: j.cluster}
	}

	j.file.Metrics = c.metrics.Cell(j.provider, j.cluster)
	progressFn := func() { c.ring.Set(j.slot, j.file.Counter.LineTotal) }
	progressFn()

	err = cluster.UploadSegfile(ctx, j.file, loggerAdapter{c.log})
	progressFn()
	j.file.Processed = err == nil

	if saveErr := cluster.SaveSegfileInfo(ctx, j.file, segments); saveErr != nil && c.log != nil {
		c.log.Warnf("worker: save metadata for %s on %s: %v", j.file.Name, j.cluster, saveErr)
	}

	code := OK
	if err != nil || j.file.Invalid {
		code = BadFile
	}
	if c.registry != nil {
		outcome := counter.Processed
		if code == BadFile {
			outcome = counter.Invalid
		}
		c.registry.Record(j.file.Name, j.provider, j.cluster, outcome, j.file.Counter)
	}
	return Result{Name: j.file.Name, Code: code, Counter: j.file.Counter, Provider: j.provider, Cluster: j.cluster}
}

// shouldSkipUpload reports whether a file's previously persisted state
// (loaded by ReadSegfileInfo into f.Processed/f.Invalid) means this cluster
// already has a settled result for it, per the strategy's reprocess flags
// (§4.H, §8 scenario 4): a completed upload is skipped unless force_reprocess
// is set, and a previously invalid file is skipped unless reprocess_invalid
// (or force_reprocess) is set.
func shouldSkipUpload(f *segfile.File) bool {
	if f.Strategy != nil && f.Strategy.ForceReprocess {
		return false
	}
	if f.Processed && !f.Invalid {
		return true
	}
	if f.Invalid && (f.Strategy == nil || !f.Strategy.ReprocessInvalid) {
		return true
	}
	return false
}

type loggerAdapter struct{ log Logger }

func (l loggerAdapter) Debugf(format string, args ...interface{}) {
	if l.log != nil {
		l.log.Debugf(format, args...)
	}
}
func (l loggerAdapter) Warnf(format string, args ...interface{}) {
	if l.log != nil {
		l.log.Warnf(format, args...)
	}
}
