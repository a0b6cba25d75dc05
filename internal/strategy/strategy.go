// Package strategy implements the declarative per-provider schema described
// in §3/§4.B of the spec: input column validation plus template-driven
// rendering of one parsed row into a bulk-write update command.
package strategy

import (
	"fmt"
	"regexp"
	"strings"

	"segupload/internal/mimetype"
	"segupload/internal/templates"
)

// BadLine reports that a line's fields didn't match the strategy (§7).
type BadLine struct {
	Line   string
	Reason string
}

func (e *BadLine) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("line %q is invalid: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %q is invalid", e.Line)
}

// UnknownTemplate reports a placeholder with no registered template (§7).
type UnknownTemplate struct {
	Name string
}

func (e *UnknownTemplate) Error() string {
	return fmt.Sprintf("template %q is unknown", e.Name)
}

// InputSpec is the ordered (title, pattern) list for one allowed MIME type.
type InputSpec struct {
	Titles   []string
	Patterns []*regexp.Regexp
}

// FilenameOverride rewrites a file's identity using a regex->replacement.
type FilenameOverride struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Strategy is immutable after construction and shared read-only across
// worker goroutines.
type Strategy struct {
	AllowedTypes map[string]struct{}
	Input        map[string]InputSpec
	Output       interface{}
	Database     string
	Collection   string

	templateInstances map[string]templates.Template

	BatchSize                   int
	ThresholdPercentInvalid     float64
	Upsert                      bool
	ReprocessInvalid            bool
	ForceReprocess              bool
	ProcessInvalidFileToEnd     bool
	LogInvalidLines             bool
	WriteConcern                map[string]interface{}
	FilenameOverride            *FilenameOverride
	FileTypeOverride            string
}

var placeholderPattern = regexp.MustCompile(`^\{\{(.+)\}\}$`)

// Setter is the rendered bulk-write command for a single row (§4.B.5).
type Setter struct {
	Filter interface{}
	Update interface{}
	Upsert bool
}

// RawConfig is the wire shape of one provider's `upload` section (§6).
type RawConfig struct {
	Collection string `yaml:"collection"`
	// Input maps mime-type -> ordered list of single-key {title: pattern} maps.
	Input map[string][]map[string]string `yaml:"input"`
	Update interface{} `yaml:"update"`
	Templates map[string]map[string]interface{} `yaml:"templates"`

	BatchSize                       int                    `yaml:"batch_size"`
	ThresholdPercentInvalidLines    float64                `yaml:"threshold_percent_invalid_lines_in_batch"`
	Upsert                          bool                   `yaml:"upsert"`
	ReprocessInvalid                *bool                  `yaml:"reprocess_invalid"`
	ForceReprocess                  *bool                  `yaml:"force_reprocess"`
	ProcessInvalidFileToEnd         *bool                  `yaml:"process_invalid_file_to_end"`
	LogInvalidLines                 *bool                  `yaml:"log_invalid_lines"`
	WriteConcern                    map[string]interface{} `yaml:"write_concern"`
	OverrideFilenameFromPath        map[string]string      `yaml:"override_filename_from_path"`
	FileTypeOverride                string                 `yaml:"file_type_override"`
}

// New validates config and builds an immutable Strategy.
func New(cfg RawConfig) (*Strategy, error) {
	if len(cfg.Input) == 0 {
		return nil, fmt.Errorf("strategy: input must have at least one of type: %s, %s", mimetype.TSV, mimetype.CSV)
	}

	parts := strings.Split(cfg.Collection, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("strategy: collection must be \"database.collection\", got %q", cfg.Collection)
	}

	s := &Strategy{
		AllowedTypes:            map[string]struct{}{},
		Input:                   map[string]InputSpec{},
		Output:                  cfg.Update,
		Database:                parts[0],
		Collection:              parts[1],
		BatchSize:               cfg.BatchSize,
		ThresholdPercentInvalid: cfg.ThresholdPercentInvalidLines,
		Upsert:                  cfg.Upsert,
		ProcessInvalidFileToEnd: true,
		LogInvalidLines:         true,
		WriteConcern:            cfg.WriteConcern,
		FileTypeOverride:        cfg.FileTypeOverride,
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 1000
	}
	if s.ThresholdPercentInvalid <= 0 {
		s.ThresholdPercentInvalid = 80
	}
	if cfg.ProcessInvalidFileToEnd != nil {
		s.ProcessInvalidFileToEnd = *cfg.ProcessInvalidFileToEnd
	}
	if cfg.LogInvalidLines != nil {
		s.LogInvalidLines = *cfg.LogInvalidLines
	}
	if cfg.ReprocessInvalid != nil {
		s.ReprocessInvalid = *cfg.ReprocessInvalid
	}
	if cfg.ForceReprocess != nil {
		s.ForceReprocess = *cfg.ForceReprocess
	}

	for mime, rows := range cfg.Input {
		if mime != mimetype.TSV && mime != mimetype.CSV {
			continue
		}
		spec := InputSpec{}
		for _, row := range rows {
			for title, pattern := range row {
				re, err := regexp.Compile(pattern)
				if err != nil {
					return nil, fmt.Errorf("strategy: bad pattern for column %q: %w", title, err)
				}
				spec.Titles = append(spec.Titles, title)
				spec.Patterns = append(spec.Patterns, re)
			}
		}
		s.Input[mime] = spec
		s.AllowedTypes[mime] = struct{}{}
	}
	if len(s.AllowedTypes) == 0 {
		return nil, fmt.Errorf("strategy: input must have at least one of type: %s, %s", mimetype.TSV, mimetype.CSV)
	}

	if len(cfg.OverrideFilenameFromPath) == 1 {
		for pattern, replacement := range cfg.OverrideFilenameFromPath {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("strategy: bad override_filename_from_path pattern: %w", err)
			}
			s.FilenameOverride = &FilenameOverride{Pattern: re, Replacement: replacement}
		}
	}

	referenced := map[string]struct{}{}
	collectPlaceholders(s.Output, referenced)

	s.templateInstances = map[string]templates.Template{}
	for name := range referenced {
		tplCfg, hasTplCfg := cfg.Templates[name]
		if !templates.Known(name) {
			if !hasTplCfg {
				// Might resolve against the row instead of a template; defer
				// the "unknown" determination to render time, where we know
				// whether the row actually has this key.
				continue
			}
		}
		if templates.Known(name) {
			built, err := templates.Build(name, tplCfg)
			if err != nil {
				return nil, fmt.Errorf("strategy: template %q: %w", name, err)
			}
			s.templateInstances[name] = built
		}
	}

	if !hasIDPlaceholder(s.Output) {
		return nil, fmt.Errorf("strategy: output must contain an _id placeholder")
	}

	return s, nil
}

// collectPlaceholders walks the output tree collecting every {{name}} leaf.
func collectPlaceholders(item interface{}, out map[string]struct{}) {
	switch v := item.(type) {
	case map[string]interface{}:
		for _, value := range v {
			collectPlaceholders(value, out)
		}
	case map[interface{}]interface{}:
		for _, value := range v {
			collectPlaceholders(value, out)
		}
	case []interface{}:
		for _, value := range v {
			collectPlaceholders(value, out)
		}
	case string:
		if m := placeholderPattern.FindStringSubmatch(v); m != nil {
			out[m[1]] = struct{}{}
		}
	}
}

// hasIDPlaceholder checks whether the literal key "_id" appears anywhere in
// the output tree; its value is not inspected.
func hasIDPlaceholder(item interface{}) bool {
	switch v := item.(type) {
	case map[string]interface{}:
		if _, ok := v["_id"]; ok {
			return true
		}
		for _, value := range v {
			if hasIDPlaceholder(value) {
				return true
			}
		}
	case map[interface{}]interface{}:
		if _, ok := v["_id"]; ok {
			return true
		}
		for _, value := range v {
			if hasIDPlaceholder(value) {
				return true
			}
		}
	case []interface{}:
		for _, value := range v {
			if hasIDPlaceholder(value) {
				return true
			}
		}
	}
	return false
}

// GetSetter validates `fields` against the input spec for `mimeType` and
// renders the update command (§4.B).
func (s *Strategy) GetSetter(mimeType string, fields []string) (Setter, error) {
	spec, ok := s.Input[mimeType]
	if !ok {
		return Setter{}, &BadLine{Reason: fmt.Sprintf("no input spec for type %q", mimeType)}
	}
	if len(fields) != len(spec.Titles) {
		return Setter{}, &BadLine{Line: strings.Join(fields, "\t"), Reason: "field count mismatch"}
	}
	row := make(templates.Row, len(fields))
	for i, field := range fields {
		if !spec.Patterns[i].MatchString(field) {
			return Setter{}, &BadLine{Line: strings.Join(fields, "\t"), Reason: fmt.Sprintf("column %q failed validation", spec.Titles[i])}
		}
		row[spec.Titles[i]] = field
	}

	rendered, err := s.render(s.Output, row)
	if err != nil {
		return Setter{}, err
	}

	doc, ok := rendered.(map[string]interface{})
	if !ok {
		return Setter{}, fmt.Errorf("strategy: rendered output is not a document")
	}
	id, ok := doc["_id"]
	if !ok {
		return Setter{}, fmt.Errorf("strategy: rendered output has no _id")
	}
	update := make(map[string]interface{}, len(doc)-1)
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		update[k] = v
	}
	return Setter{
		Filter: map[string]interface{}{"_id": id},
		Update: update,
		Upsert: s.Upsert,
	}, nil
}

// render walks the output tree resolving placeholders against row first,
// then against a named template (row lookup wins ties, per §4.B).
func (s *Strategy) render(item interface{}, row templates.Row) (interface{}, error) {
	switch v := item.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			rendered, err := s.render(value, row)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			ks, ok := key.(string)
			if !ok {
				continue
			}
			rendered, err := s.render(value, row)
			if err != nil {
				return nil, err
			}
			out[ks] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, value := range v {
			rendered, err := s.render(value, row)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		m := placeholderPattern.FindStringSubmatch(v)
		if m == nil {
			return v, nil
		}
		name := m[1]
		if val, ok := row[name]; ok {
			return val, nil
		}
		if tpl, ok := s.templateInstances[name]; ok {
			return tpl.Apply(row)
		}
		return nil, &UnknownTemplate{Name: name}
	default:
		return v, nil
	}
}
