// Package emitter implements the per-provider File Emitter (§4.E): it owns
// one Strategy, one or more file Observers, an optional Sorter, and exposes
// a ready queue of bound Segment Files to the Worker Pool.
package emitter

import (
	"context"
	"fmt"
	"sync"

	"segupload/internal/mimetype"
	"segupload/internal/observer"
	"segupload/internal/segfile"
	"segupload/internal/strategy"
)

// NoAnyDelivery is raised when no delivery transport could be instantiated
// for a provider (§7).
type NoAnyDelivery struct {
	Provider string
}

func (e *NoAnyDelivery) Error() string {
	return fmt.Sprintf("emitter %q: no delivery transport configured", e.Provider)
}

// Logger is the narrow logging slice this package needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// DeliveryFactory builds one named Observer from its raw config block,
// wired to report discoveries to handler (normally the Emitter itself).
type DeliveryFactory func(name string, config map[string]interface{}, handler observer.Handler) (*observer.Observer, error)

// Emitter is the per-provider façade binding a Strategy to one or more
// Observers and an optional sort rule over the files it discovers.
type Emitter struct {
	Provider string
	Strategy *strategy.Strategy
	Sorter   *Sorter

	types *mimetype.Registry
	log   Logger

	observers []*observer.Observer

	mu        sync.Mutex
	ready     []*segfile.File
	errors    int
	itemsCond chan struct{}
}

// New builds an Emitter for one provider.
func New(provider string, strat *strategy.Strategy, sorter *Sorter, types *mimetype.Registry, log Logger) *Emitter {
	return &Emitter{
		Provider:  provider,
		Strategy:  strat,
		Sorter:    sorter,
		types:     types,
		log:       log,
		itemsCond: make(chan struct{}, 1),
	}
}

// StartObservers instantiates one Observer per entry in delivery config via
// factory, keyed by transport name. Unknown transport names are logged and
// skipped. If none could be started, returns NoAnyDelivery.
func (e *Emitter) StartObservers(ctx context.Context, delivery map[string]map[string]interface{}, known map[string]DeliveryFactory) error {
	for name, cfg := range delivery {
		factory, ok := known[name]
		if !ok {
			if e.log != nil {
				e.log.Warnf("emitter %s: unknown delivery transport %q, skipping", e.Provider, name)
			}
			continue
		}
		obs, err := factory(name, cfg, e)
		if err != nil {
			if e.log != nil {
				e.log.Warnf("emitter %s: delivery %q failed to start: %v", e.Provider, name, err)
			}
			continue
		}
		e.observers = append(e.observers, obs)
		go obs.Run(ctx)
	}
	if len(e.observers) == 0 {
		return &NoAnyDelivery{Provider: e.Provider}
	}
	return nil
}

// OnFileDiscovered implements observer.Handler: builds a Segment File bound
// to this emitter's provider and strategy, rejecting MIME types outside
// strategy.AllowedTypes.
func (e *Emitter) OnFileDiscovered(path string) {
	sf := segfile.New(path, e.Provider, e.types, e.Strategy)
	if _, ok := e.Strategy.AllowedTypes[sf.Type.MIME]; !ok {
		if e.log != nil {
			e.log.Warnf("emitter %s: %s has MIME type %q, outside allowed_types, dropping", e.Provider, path, sf.Type.MIME)
		}
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.ready = append(e.ready, sf)
	e.mu.Unlock()
	e.signalItems()
}

// OnModify implements observer.Handler: a file is still growing, nothing to
// do but let the next poll re-check it.
func (e *Emitter) OnModify(path string) {
	if e.log != nil {
		e.log.Debugf("emitter %s: %s still growing", e.Provider, path)
	}
}

func (e *Emitter) signalItems() {
	select {
	case e.itemsCond <- struct{}{}:
	default:
	}
}

// Errors reports the count of files dropped for an out-of-policy MIME type.
func (e *Emitter) Errors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errors
}

// Ready reports whether at least one Segment File is queued.
func (e *Emitter) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ready) > 0
}

// ItemsSignal exposes a channel that receives a value whenever new files
// become ready, for callers that want to select on it alongside other
// events rather than poll Ready().
func (e *Emitter) ItemsSignal() <-chan struct{} {
	return e.itemsCond
}

// Drain removes and returns all currently queued files, applying the
// configured Sorter if any.
func (e *Emitter) Drain() ([]*segfile.File, error) {
	e.mu.Lock()
	files := e.ready
	e.ready = nil
	e.mu.Unlock()

	if e.Sorter == nil || len(files) == 0 {
		return files, nil
	}

	paths := make([]string, len(files))
	byPath := make(map[string]*segfile.File, len(files))
	for i, f := range files {
		paths[i] = f.Path
		byPath[f.Path] = f
	}
	sorted, err := e.Sorter.Sort(paths)
	if err != nil {
		return nil, err
	}
	out := make([]*segfile.File, len(sorted))
	for i, p := range sorted {
		out[i] = byPath[p]
	}
	return out, nil
}
