// Package templates implements the named field-transform functions applied
// while rendering a row into an update document (§4.A of the spec).
package templates

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"segupload/internal/duration"
)

// Row is the parsed (title -> field value) dictionary for one input line.
type Row map[string]string

// Template is a pure function applied to a row to produce a value for the
// rendered output document.
type Template interface {
	Apply(row Row) (interface{}, error)
}

// Factory builds a Template from its raw YAML config block.
type Factory func(config map[string]interface{}) (Template, error)

// registry is the process-wide set of known template factories. It is
// populated at init() by the built-ins below, plus, optionally, whatever
// a dynamically loaded plugin contributes (see LoadPlugin).
var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register adds (or replaces) a named factory. Built-ins call this from
// init(); a dynamically loaded plugin receives it as the argument of its
// exported RegisterTemplates hook (see plugin.go).
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// Build instantiates a named template with its configuration block.
// Unknown names are the caller's responsibility to surface as
// strategy.UnknownTemplate; this package only deals with construction.
func Build(name string, config map[string]interface{}) (Template, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("templates: no template registered as %q", name)
	}
	return factory(config)
}

// Known reports whether a template name is registered.
func Known(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[name]
	return ok
}

func init() {
	Register("hash_of_segments", newHashOfSegments)
	Register("timestamp", newTimestamp)
	Register("segments_str", newSegmentsStr)
}

func stringOpt(config map[string]interface{}, key, def string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// now is overridable in tests so template determinism can be asserted
// against a fixed clock.
var now = func() time.Time { return time.Now() }

// hashOfSegments splits a named field by a separator into tokens and
// returns a mapping token -> expiration epoch seconds (now + retention).
// Duplicate tokens are last-write: later occurrences overwrite earlier
// ones with the same (identical) expiration, since all tokens in one
// render share the same "now". This only matters if the separator
// produces the same token twice within one row.
type hashOfSegments struct {
	fieldName string
	separator string
	retention int64
	path      string
}

func newHashOfSegments(config map[string]interface{}) (Template, error) {
	retentionStr := stringOpt(config, "retention", "30D")
	retention, err := duration.ParseSeconds(retentionStr)
	if err != nil {
		return nil, fmt.Errorf("hash_of_segments: %w", err)
	}
	return &hashOfSegments{
		fieldName: stringOpt(config, "segment_field_name", "segments"),
		separator: stringOpt(config, "segment_separator", ","),
		retention: retention,
		path:      stringOpt(config, "path", ""),
	}, nil
}

func (h *hashOfSegments) Apply(row Row) (interface{}, error) {
	raw, ok := row[h.fieldName]
	if !ok {
		return nil, fmt.Errorf("hash_of_segments: row has no field %q", h.fieldName)
	}
	expiration := now().Unix() + h.retention
	out := make(map[string]int64)
	for _, token := range strings.Split(raw, h.separator) {
		key := token
		if h.path != "" {
			key = h.path + "." + token
		}
		out[key] = expiration // last write wins for duplicate tokens
	}
	return out, nil
}

// timestamp returns the current epoch seconds, ignoring the row.
type timestampTemplate struct{}

func newTimestamp(map[string]interface{}) (Template, error) {
	return timestampTemplate{}, nil
}

func (timestampTemplate) Apply(Row) (interface{}, error) {
	return now().Unix(), nil
}

// segmentsStr formats the segments field together with the current epoch
// into a single string, per a configurable pattern.
type segmentsStr struct {
	fieldName              string
	separator               string
	replacementSeparator    string
	timestampSeparator      string
	pattern                 string
	hasReplacementSeparator bool
}

func newSegmentsStr(config map[string]interface{}) (Template, error) {
	s := &segmentsStr{
		fieldName:          stringOpt(config, "segment_field_name", "segments"),
		separator:          stringOpt(config, "segment_separator", ","),
		timestampSeparator: stringOpt(config, "timestamp_separator", ":"),
		pattern:            stringOpt(config, "pattern", "{{segments_string}}{{timestamp_separator}}{{timestamp}}"),
	}
	if v, ok := config["replacement_segment_separator"]; ok {
		if str, ok := v.(string); ok {
			s.replacementSeparator = str
			s.hasReplacementSeparator = true
		}
	}
	return s, nil
}

func (s *segmentsStr) Apply(row Row) (interface{}, error) {
	raw, ok := row[s.fieldName]
	if !ok {
		return nil, fmt.Errorf("segments_str: row has no field %q", s.fieldName)
	}
	segmentsString := raw
	if s.hasReplacementSeparator {
		segmentsString = strings.Join(strings.Split(raw, s.separator), s.replacementSeparator)
	}
	out := s.pattern
	out = strings.ReplaceAll(out, "{{segments_string}}", segmentsString)
	out = strings.ReplaceAll(out, "{{timestamp_separator}}", s.timestampSeparator)
	out = strings.ReplaceAll(out, "{{timestamp}}", fmt.Sprintf("%d", now().Unix()))
	return out, nil
}
