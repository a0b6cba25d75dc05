// Package observer implements the polling-based file discovery contract of
// §4.D: periodically glob a directory tree, and only report a file once its
// size has stopped changing across two consecutive measurements.
package observer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Logger is the narrow logging slice this package needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Handler receives discovery events. OnFileDiscovered fires once, the first
// time a file is observed with a stable size; OnModify fires on every pass
// where the file's size is still changing.
type Handler interface {
	OnFileDiscovered(path string)
	OnModify(path string)
}

// Config controls one Observer's polling behavior.
type Config struct {
	Root            string
	Pattern         string // default "**"
	PollingInterval time.Duration
}

// Observer polls Root for files matching Pattern and dispatches discovery
// events to Handler. One Observer instance is not safe for concurrent Run
// calls, but WaitReady may be called from any goroutine.
type Observer struct {
	cfg     Config
	handler Handler
	log     Logger

	seen map[string]struct{}

	mu      sync.Mutex
	readyCh chan struct{}
}

// New builds an Observer. Pattern defaults to "**" (recursive) when empty.
func New(cfg Config, handler Handler, log Logger) *Observer {
	if cfg.Pattern == "" {
		cfg.Pattern = "**"
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 30 * time.Second
	}
	return &Observer{
		cfg:     cfg,
		handler: handler,
		log:     log,
		seen:    map[string]struct{}{},
		readyCh: make(chan struct{}),
	}
}

// Run polls until ctx is cancelled. It is meant to be run in its own
// goroutine by the owning File Emitter.
func (o *Observer) Run(ctx context.Context) {
	for {
		o.poll()
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.PollingInterval):
		}
	}
}

// WaitReady blocks until at least one file has been classified (discovered
// or still-growing) during some pass, or ctx is done.
func (o *Observer) WaitReady(ctx context.Context) error {
	o.mu.Lock()
	ch := o.readyCh
	o.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Observer) signalReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	close(o.readyCh)
	o.readyCh = make(chan struct{})
}

// poll runs a single discovery pass: enumerate, diff against files already
// dispatched, and for each newly seen path decide stable-vs-growing by
// re-measuring its size after half the polling interval.
func (o *Observer) poll() {
	pattern := filepath.Join(o.cfg.Root, o.cfg.Pattern)
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		if o.log != nil {
			o.log.Warnf("observer: glob %q: %v", pattern, err)
		}
		return
	}

	var classified bool
	for _, path := range matches {
		if _, ok := o.seen[path]; ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		first := info.Size()
		time.Sleep(o.cfg.PollingInterval / 2)
		info, err = os.Stat(path)
		if err != nil {
			continue
		}
		classified = true
		if info.Size() == first {
			o.seen[path] = struct{}{}
			o.handler.OnFileDiscovered(path)
		} else {
			o.handler.OnModify(path)
		}
	}

	if classified {
		o.signalReady()
	}
}
