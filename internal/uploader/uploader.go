// Package uploader wires configuration, strategy, segment files,
// observers, emitters, clusters, the worker pool and the metrics flusher
// together into the end-to-end upload run described across §4 of the
// spec (Component H).
package uploader

import (
	"context"
	"fmt"
	"time"

	"segupload/internal/config"
	"segupload/internal/counter"
	"segupload/internal/dbcluster"
	"segupload/internal/emitter"
	"segupload/internal/logger"
	"segupload/internal/mimetype"
	"segupload/internal/observer"
	"segupload/internal/progress"
	"segupload/internal/segfile"
	"segupload/internal/state"
	"segupload/internal/worker"
)

// Options carries the CLI-only overrides layered on top of the loaded
// config (§4.H: CLI flags are the outermost override layer).
type Options struct {
	Clusters     []string
	StatusFile   string
	ReprocessRun bool
}

// TimeoutError reports that the emitter-wait primitive produced no new
// files within cfg.WaitTimeout (§5, §7). Fatal to the run.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("uploader: no files produced in %s, giving up", e.Waited)
}

// Run executes one full upload pass (discovery-driven, or reprocess-driven
// when cfg.ReprocessFile is set) and returns the process exit code: the
// count of cluster-construction failures, invalid files, and emitter
// errors (§4.H).
func Run(ctx context.Context, cfg *config.Config, opts Options) int {
	types := mimetype.NewRegistry(nil)
	registry := counter.New()
	metrics := progress.NewMetrics()
	ring := progress.NewRing()
	scheduler := counter.NewScheduler()

	var store *state.Store
	if opts.StatusFile != "" {
		store = state.NewStore(opts.StatusFile)
		_ = store.SetRunStatus("starting", "loading clusters")
	}

	clusterNames := opts.Clusters
	if len(clusterNames) == 0 {
		for name := range cfg.Clusters {
			clusterNames = append(clusterNames, name)
		}
	}

	exitCode := 0
	for _, name := range clusterNames {
		clusterCfg, ok := cfg.Clusters[name]
		if !ok {
			logger.Warn("uploader: unknown cluster %q requested, skipping", name)
			exitCode++
			continue
		}
		if _, err := dbcluster.Get(ctx, name, clusterCfg, logger.StdLogger{}); err != nil {
			logger.Error("uploader: cluster %q unavailable: %v", name, err)
			exitCode++
		}
	}

	clusterOf := func(ctx context.Context, name string) (*dbcluster.Cluster, error) {
		clusterCfg, ok := cfg.Clusters[name]
		if !ok {
			return nil, fmt.Errorf("uploader: unknown cluster %q", name)
		}
		return dbcluster.Get(ctx, name, clusterCfg, logger.StdLogger{})
	}

	active := cfg.ActiveProviders()
	coordinator := worker.New(cfg.Workers, clusterOf, registry, metrics, ring, cfg.SegmentsCollection, logger.StdLogger{})
	coordinator.Start(ctx)

	emitters := make(map[string]*emitter.Emitter, len(active))
	segmentsCollections := make(map[string]string, len(active))
	for name, provider := range active {
		e := emitter.New(name, provider.Strategy, provider.Sorter, types, logger.StdLogger{})
		emitters[name] = e
		segmentsCollections[name] = provider.SegmentsCollection

		if len(cfg.ReprocessFile) > 0 {
			for _, path := range cfg.ReprocessFile {
				sf := segfile.New(path, name, types, provider.Strategy)
				if err := coordinator.Submit(name, clusterNames, sf, provider.SegmentsCollection); err != nil {
					logger.Error("uploader: submit %s: %v", path, err)
					exitCode++
				}
			}
			continue
		}

		if err := e.StartObservers(ctx, provider.Delivery, deliveryFactories); err != nil {
			logger.Error("uploader: provider %q: %v", name, err)
			exitCode++
		}
	}

	doneCh := ctx.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	waitTimeout := cfg.WaitTimeout
	lastProduced := time.Now()

	// Discovery mode runs until ctx is cancelled (observers poll forever per
	// §4.D) or no file is produced within waitTimeout (§5, §7); reprocess
	// mode has no observers and exits as soon as its directly-submitted
	// jobs have drained and the pool has gone idle.
	for {
		drainedAny := false
		for name, e := range emitters {
			files, err := e.Drain()
			if err != nil {
				logger.Error("uploader: provider %q sort: %v", name, err)
				exitCode++
				continue
			}
			for _, sf := range files {
				if err := coordinator.Submit(name, clusterNames, sf, segmentsCollections[name]); err != nil {
					logger.Error("uploader: submit %s: %v", sf.Name, err)
					exitCode++
				}
				drainedAny = true
			}
		}
		if drainedAny {
			lastProduced = time.Now()
		}

		select {
		case result, ok := <-coordinator.Results():
			if !ok {
				goto done
			}
			if result.Code != worker.OK {
				exitCode++
			}
			scheduler.Execute("flush_metrics", cfg.FlushInterval, func() {
				if cfg.MetricsFile != "" {
					if err := counter.FlushMetrics(metrics, cfg.MetricsPrefix, cfg.ResolvePath(cfg.MetricsFile)); err != nil {
						logger.Warn("uploader: flush metrics: %v", err)
					}
				}
				if store != nil {
					totals := registry.Totals()
					_ = store.UpdateMetrics(map[string]float64{
						state.MetricFilesProcessed: float64(totals.Processed),
						state.MetricFilesInvalid:   float64(totals.Invalid),
						state.MetricFilesSkipped:   float64(totals.Skipped),
						state.MetricLinesInFlight:  float64(ring.Sum()),
					})
				}
			})
		case <-ticker.C:
			if !drainedAny && len(cfg.ReprocessFile) > 0 && coordinator.Idle() {
				goto done
			}
			if len(cfg.ReprocessFile) == 0 && waitTimeout > 0 && time.Since(lastProduced) > waitTimeout {
				err := &TimeoutError{Waited: waitTimeout}
				logger.Error("uploader: %v", err)
				if store != nil {
					_ = store.SetRunStatus("failed", err.Error())
				}
				exitCode++
				goto done
			}
		case <-doneCh:
			goto done
		}
	}

done:
	coordinator.Stop()
	for range coordinator.Results() {
		// drain any results produced between the last select and Stop
	}
	for _, e := range emitters {
		exitCode += e.Errors()
	}
	if store != nil {
		_ = store.SetRunStatus("done", "")
	}
	return exitCode
}

// deliveryFactories maps a delivery transport name to its constructor. The
// only transport the spec names is polling filesystem discovery (§4.D); a
// plugin mechanism analogous to internal/templates' could add more without
// touching this table's shape.
var deliveryFactories = map[string]emitter.DeliveryFactory{
	"fs": newFilesystemObserver,
}

func newFilesystemObserver(name string, raw map[string]interface{}, handler observer.Handler) (*observer.Observer, error) {
	root, _ := raw["root"].(string)
	if root == "" {
		return nil, fmt.Errorf("delivery %q: root is required", name)
	}
	pattern, _ := raw["pattern"].(string)

	interval := 30 * time.Second
	switch v := raw["polling_interval"].(type) {
	case int:
		interval = time.Duration(v) * time.Second
	case float64:
		interval = time.Duration(v) * time.Second
	case string:
		if v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("delivery %q: bad polling_interval %q: %w", name, v, err)
			}
			interval = d
		}
	}

	return observer.New(observer.Config{Root: root, Pattern: pattern, PollingInterval: interval}, handler, logger.StdLogger{}), nil
}
