// Package segfile models one input segment file: type detection, streaming
// line/batch iteration, per-file counters and timing, and the persistent
// metadata record used to resume or skip already-completed work (§3/§4.C).
package segfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"segupload/internal/mimetype"
	"segupload/internal/strategy"
)

// InvalidSegmentFile is raised on a batch-threshold breach or a provider
// mismatch when resuming from persisted metadata (§7).
type InvalidSegmentFile struct {
	Name   string
	Reason string
}

func (e *InvalidSegmentFile) Error() string {
	return fmt.Sprintf("segment file %q is invalid: %s", e.Name, e.Reason)
}

// Logger is the narrow slice of internal/logger a segment file needs; kept
// as an interface here so this package doesn't import the logger's
// singleton.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// MetricsSink is the per-(provider,cluster) shared cell a file reports its
// running totals into (see internal/progress).
type MetricsSink interface {
	Add(linesProcessed, invalidLines int64)
}

// Counter holds one (file, cluster) pair's running and final tallies.
type Counter struct {
	Matched     int64
	Modified    int64
	Upserted    int64
	LineCur     int64
	LineInvalid int64
	LineTotal   int64
}

// Timer holds wall-clock bounds for one (file, cluster) processing pass.
type Timer struct {
	StartedTS  int64
	FinishedTS int64
}

// Record is the persistent document stored in <database>.segment_files.
type Record struct {
	Name      string
	Path      string
	Provider  string
	Type      mimetype.Type
	Invalid   bool
	Processed bool
	Timer     Timer
	Counter   Counter
}

var nowFn = func() time.Time { return time.Now() }

var nameCutoff = func(base string) string {
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

// File is one segment file bound to a single provider and strategy. It is
// not safe for concurrent use by more than one worker at a time.
type File struct {
	Name     string
	Path     string
	Provider string
	Type     mimetype.Type

	Invalid   bool
	Processed bool
	Counter   Counter
	Timer     Timer

	Strategy *strategy.Strategy
	Metrics  MetricsSink

	disableInvalidLogging bool
}

// New binds path to provider, deriving Name and Type from strategy's
// filename-override and file-type-override rules if configured.
func New(path, provider string, types *mimetype.Registry, strat *strategy.Strategy) *File {
	name := filepath.Base(path)
	if strat.FilenameOverride != nil && strat.FilenameOverride.Pattern.MatchString(path) {
		name = strat.FilenameOverride.Pattern.ReplaceAllString(path, strat.FilenameOverride.Replacement)
	} else {
		name = nameCutoff(name)
	}

	var t mimetype.Type
	if strat.FileTypeOverride != "" {
		t = types.Override(path, strat.FileTypeOverride)
	} else {
		t = types.Detect(path)
	}

	return &File{
		Name:     name,
		Path:     path,
		Provider: provider,
		Type:     t,
		Strategy: strat,
	}
}

// Bind rebinds the file to provider; rebinding to a different provider than
// the one it was constructed with is an error (§3 invariant).
func (f *File) Bind(provider string) error {
	if f.Provider != "" && f.Provider != provider {
		return fmt.Errorf("segfile: %q already bound to provider %q, cannot rebind to %q", f.Name, f.Provider, provider)
	}
	f.Provider = provider
	return nil
}

// LoadMetadata applies a persisted record to this file. A nil record means
// no prior record existed (first sighting). Resuming from a not-yet-done,
// or previously invalid, record clears LineTotal so "percent complete"
// stays unknown until the file finishes again.
func (f *File) LoadMetadata(rec *Record) error {
	if rec == nil {
		return nil
	}
	if rec.Provider != "" && rec.Provider != f.Provider {
		return &InvalidSegmentFile{Name: f.Name, Reason: fmt.Sprintf("persisted provider %q does not match %q", rec.Provider, f.Provider)}
	}
	f.Invalid = rec.Invalid
	f.Processed = rec.Processed
	f.Counter = rec.Counter
	f.Timer = rec.Timer
	if rec.Type.MIME != "" {
		f.Type = rec.Type
	}
	if !rec.Processed || rec.Invalid {
		f.Counter.LineTotal = 0
	}
	return nil
}

// DumpMetadata produces the persistable record for this file's current
// state, round-tripping through LoadMetadata for every non-transient field.
func (f *File) DumpMetadata() Record {
	return Record{
		Name:      f.Name,
		Path:      f.Path,
		Provider:  f.Provider,
		Type:      f.Type,
		Invalid:   f.Invalid,
		Processed: f.Processed,
		Timer:     f.Timer,
		Counter:   f.Counter,
	}
}

// PercentComplete reports progress if LineTotal is known from a prior run,
// or false otherwise.
func (f *File) PercentComplete() (float64, bool) {
	if f.Counter.LineTotal <= 0 {
		return 0, false
	}
	return 100 * float64(f.Counter.LineCur) / float64(f.Counter.LineTotal), true
}

// open returns a reader over the file's lines, transparently decompressing
// gzip-encoded content. The caller must call the returned closer.
func (f *File) open() (io.Reader, io.Closer, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("segfile: open %q: %w", f.Path, err)
	}
	if f.Type.Encoding != "gzip" {
		return fh, fh, nil
	}
	gz, err := gzip.NewReader(fh)
	if err != nil {
		fh.Close()
		return nil, nil, fmt.Errorf("segfile: gzip open %q: %w", f.Path, err)
	}
	return gz, multiCloser{gz, fh}, nil
}

type multiCloser struct {
	inner io.Closer
	outer io.Closer
}

func (m multiCloser) Close() error {
	err1 := m.inner.Close()
	err2 := m.outer.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (f *File) separator() byte {
	if f.Type.MIME == mimetype.CSV {
		return ','
	}
	return '\t'
}

// BatchIterator pulls batches of rendered update commands from a segment
// file, mutating the file's Counter, Timer and Metrics as it goes (§9: the
// iterator both produces values and has side effects, preserved here but
// driven explicitly by the caller rather than hidden in a generator).
type BatchIterator struct {
	file      *File
	log       Logger
	scanner   *bufio.Scanner
	closer    io.Closer
	err       error
	done      bool
	lineNo    int64
	lastLog   time.Time
	firstLine bool
}

// Batches opens the file and returns an iterator of batches of up to
// strategy.BatchSize update commands. The caller must call Close (directly
// or by draining the iterator to exhaustion, which closes automatically).
func (f *File) Batches(log Logger) (*BatchIterator, error) {
	reader, closer, err := f.open()
	if err != nil {
		return nil, err
	}
	f.Timer.StartedTS = nowFn().Unix()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &BatchIterator{
		file:      f,
		log:       log,
		scanner:   scanner,
		closer:    closer,
		lastLog:   nowFn(),
		firstLine: true,
	}, nil
}

// Err returns the terminal error, if any, after the iterator is exhausted.
func (b *BatchIterator) Err() error { return b.err }

// Close releases the underlying file handle. Safe to call more than once.
func (b *BatchIterator) Close() error {
	if b.closer == nil {
		return nil
	}
	err := b.closer.Close()
	b.closer = nil
	return err
}

// Next produces the next batch, or (nil, false) once the file is exhausted
// (or a fatal error occurred; check Err()).
func (b *BatchIterator) Next() ([]strategy.Setter, bool) {
	if b.done {
		return nil, false
	}
	f := b.file
	batchSize := f.Strategy.BatchSize
	var batch []strategy.Setter
	var groupLines, groupInvalid int64

	for b.scanner.Scan() {
		line := b.scanner.Text()
		b.lineNo++
		f.Counter.LineCur = b.lineNo

		sep := f.separator()
		fields := strings.Split(line, string(sep))

		setter, err := f.Strategy.GetSetter(f.Type.MIME, fields)
		if err != nil {
			if b.firstLine && f.Type.MIME == mimetype.CSV {
				b.firstLine = false
				continue // silently skip a CSV header
			}
			b.firstLine = false
			groupInvalid++
			f.Counter.LineInvalid++
			if f.Strategy.LogInvalidLines && !b.disableInvalidLogging() {
				b.log.Warnf("segfile %s: invalid line %d: %v", f.Name, b.lineNo, err)
			}
		} else {
			b.firstLine = false
			batch = append(batch, setter)
		}
		groupLines++
		b.maybeProgressLog()

		if groupLines >= int64(batchSize) {
			if f.Metrics != nil {
				f.Metrics.Add(groupLines, groupInvalid)
			}
			if groupInvalid*100 >= int64(f.Strategy.ThresholdPercentInvalid)*groupLines {
				f.Invalid = true
				if !f.Strategy.ProcessInvalidFileToEnd {
					b.err = &InvalidSegmentFile{Name: f.Name, Reason: "invalid line threshold breached"}
					b.done = true
					b.Close()
					return batch, len(batch) > 0
				}
				f.disableInvalidLogging = true
			}
			groupLines, groupInvalid = 0, 0
			return batch, true
		}
	}

	if err := b.scanner.Err(); err != nil {
		b.err = fmt.Errorf("segfile: read %q: %w", f.Path, err)
	}
	if groupLines > 0 && f.Metrics != nil {
		f.Metrics.Add(groupLines, groupInvalid)
		if groupInvalid*100 >= int64(f.Strategy.ThresholdPercentInvalid)*groupLines {
			f.Invalid = true
			if !f.Strategy.ProcessInvalidFileToEnd {
				b.err = &InvalidSegmentFile{Name: f.Name, Reason: "invalid line threshold breached"}
			}
		}
	}

	if b.err == nil && (!f.Invalid || f.Strategy.ProcessInvalidFileToEnd) {
		f.Counter.LineTotal = f.Counter.LineCur
	}
	f.Timer.FinishedTS = nowFn().Unix()

	b.done = true
	b.Close()
	return batch, len(batch) > 0
}

// disableInvalidLogging reports whether per-batch-threshold suppression of
// invalid-line logging is in effect for the rest of this file.
func (b *BatchIterator) disableInvalidLogging() bool { return b.file.disableInvalidLogging }

// maybeProgressLog emits a rate/percent log line at most once every 30s.
func (b *BatchIterator) maybeProgressLog() bool {
	now := nowFn()
	if now.Sub(b.lastLog) < 30*time.Second {
		return false
	}
	since := now.Sub(time.Unix(b.file.Timer.StartedTS, 0)).Seconds()
	if since <= 0 {
		since = 1
	}
	rate := float64(b.lineNo) / since
	if pct, ok := b.file.PercentComplete(); ok {
		b.log.Debugf("segfile %s: line %d (%.1f%%), %.1f lines/s", b.file.Name, b.lineNo, pct, rate)
	} else {
		b.log.Debugf("segfile %s: line %d, %.1f lines/s", b.file.Name, b.lineNo, rate)
	}
	b.lastLog = now
	return true
}
