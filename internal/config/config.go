// Package config loads the two YAML documents the uploader needs (cluster
// topology and per-provider upload schemas) and resolves the merge rules of
// §4.H: per-provider settings inherit top-level defaults when unset, and
// CLI flags are the outermost override layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"segupload/internal/duration"
	"segupload/internal/emitter"
	"segupload/internal/strategy"
)

// ValidationError collects every configuration issue found, rather than
// failing on the first one.
type ValidationError struct {
	Path   string
	Errors []string
}

func (e *ValidationError) Error() string {
	b := strings.Builder{}
	b.WriteString("config validation failed:")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	for _, err := range e.Errors {
		b.WriteString("\n - ")
		b.WriteString(err)
	}
	return b.String()
}

// DatabaseConfig describes one database's sharding policy within a cluster.
type DatabaseConfig struct {
	Partitioned bool `yaml:"partitioned"`
}

// CollectionShardKey describes one collection's shard key and uniqueness.
type CollectionShardKey struct {
	Key    map[string]interface{} `yaml:"key"`
	Unique bool                   `yaml:"unique"`
}

// ClusterConfig is one entry of the cluster config document (§6).
type ClusterConfig struct {
	Name                string                        `yaml:"-"`
	Mongos              []string                      `yaml:"mongos"`
	Shards              []string                      `yaml:"shards"`
	Databases           map[string]DatabaseConfig     `yaml:"databases"`
	Collections         map[string]CollectionShardKey `yaml:"collections"`
	MongoClientSettings map[string]interface{}        `yaml:"mongo_client_settings"`
}

// rawClusterFile is the cluster_config document: cluster_name -> entry,
// plus a reserved top-level key that entries without their own client
// settings inherit from.
type rawClusterFile struct {
	entries             map[string]ClusterConfig
	mongoClientSettings map[string]interface{}
}

func parseClusterFile(data []byte) (rawClusterFile, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return rawClusterFile{}, fmt.Errorf("config: parse cluster_config: %w", err)
	}
	out := rawClusterFile{entries: map[string]ClusterConfig{}}
	for name, node := range raw {
		if name == "mongo_client_settings" {
			if err := node.Decode(&out.mongoClientSettings); err != nil {
				return rawClusterFile{}, fmt.Errorf("config: cluster_config.mongo_client_settings: %w", err)
			}
			continue
		}
		var entry ClusterConfig
		if err := node.Decode(&entry); err != nil {
			return rawClusterFile{}, fmt.Errorf("config: cluster_config.%s: %w", name, err)
		}
		entry.Name = name
		out.entries[name] = entry
	}
	return out, nil
}

// rawSortRule is a single-key {field: asc|desc} entry from sorting.order.
type rawSortRule map[string]string

type rawSorting struct {
	FilePathRegexp string        `yaml:"file_path_regexp"`
	Order          []rawSortRule `yaml:"order"`
}

// rawProvider is one entry of the upload config's `upload` mapping (§6).
type rawProvider struct {
	strategy.RawConfig `yaml:",inline"`

	Delivery           map[string]map[string]interface{} `yaml:"delivery"`
	Sorting            *rawSorting                        `yaml:"sorting"`
	SegmentsCollection string                             `yaml:"segments_collection"`
}

// rawUpload is the top-level upload_config document.
type rawUpload struct {
	ReprocessInvalid   *bool                  `yaml:"reprocess_invalid"`
	Force              *bool                  `yaml:"force"`
	SegmentsCollection string                 `yaml:"segments_collection"`
	Workers            int                    `yaml:"workers"`
	MetricsFile        string                 `yaml:"metrics_file"`
	MetricsPrefix      string                 `yaml:"metrics_prefix"`
	FlushInterval      string                 `yaml:"flush_interval"`
	WaitTimeout        string                 `yaml:"wait_timeout"`
	Upload             map[string]rawProvider `yaml:"upload"`
}

// Provider is one fully resolved provider: strategy config plus delivery
// transports and an optional file sort rule, all merge rules already
// applied (§4.H).
type Provider struct {
	Name               string
	Strategy           *strategy.Strategy
	Delivery           map[string]map[string]interface{}
	Sorter             *emitter.Sorter
	SegmentsCollection string
}

// Config is the fully loaded, merged, CLI-overridden configuration.
type Config struct {
	Clusters            map[string]ClusterConfig
	TopMongoClientSettings map[string]interface{}
	Providers            map[string]*Provider

	Workers            int
	MetricsFile        string
	MetricsPrefix      string
	FlushInterval      time.Duration
	WaitTimeout        time.Duration
	SegmentsCollection string
	ReprocessInvalid   bool
	Force              bool

	// CLI-only fields, not part of either YAML document.
	ProvidersFilter []string
	ReprocessFile   []string

	clusterConfigPath string
	uploadConfigPath  string
}

// Load reads both YAML documents and merges them per §4.H.
func Load(clusterConfigPath, uploadConfigPath string) (*Config, error) {
	clusterAbs, err := filepath.Abs(clusterConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config: resolve cluster_config path: %w", err)
	}
	uploadAbs, err := filepath.Abs(uploadConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config: resolve config_file path: %w", err)
	}

	clusterData, err := os.ReadFile(clusterAbs)
	if err != nil {
		return nil, fmt.Errorf("config: read cluster_config %s: %w", clusterAbs, err)
	}
	clusterFile, err := parseClusterFile(clusterData)
	if err != nil {
		return nil, err
	}

	uploadData, err := os.ReadFile(uploadAbs)
	if err != nil {
		return nil, fmt.Errorf("config: read config_file %s: %w", uploadAbs, err)
	}
	var raw rawUpload
	if err := yaml.Unmarshal(uploadData, &raw); err != nil {
		return nil, fmt.Errorf("config: parse config_file: %w", err)
	}

	cfg := &Config{
		Clusters:               clusterFile.entries,
		TopMongoClientSettings: clusterFile.mongoClientSettings,
		Providers:              map[string]*Provider{},
		clusterConfigPath:      clusterAbs,
		uploadConfigPath:       uploadAbs,
	}

	cfg.Workers = raw.Workers
	cfg.MetricsFile = raw.MetricsFile
	cfg.MetricsPrefix = raw.MetricsPrefix
	if raw.FlushInterval != "" {
		secs, err := duration.ParseSeconds(raw.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("config: flush_interval: %w", err)
		}
		cfg.FlushInterval = time.Duration(secs) * time.Second
	}
	if raw.WaitTimeout != "" {
		secs, err := duration.ParseSeconds(raw.WaitTimeout)
		if err != nil {
			return nil, fmt.Errorf("config: wait_timeout: %w", err)
		}
		cfg.WaitTimeout = time.Duration(secs) * time.Second
	}
	cfg.SegmentsCollection = raw.SegmentsCollection
	if raw.ReprocessInvalid != nil {
		cfg.ReprocessInvalid = *raw.ReprocessInvalid
	}
	if raw.Force != nil {
		cfg.Force = *raw.Force
	}

	for name, p := range raw.Upload {
		provider, err := cfg.resolveProvider(name, p, raw)
		if err != nil {
			return nil, fmt.Errorf("config: provider %q: %w", name, err)
		}
		cfg.Providers[name] = provider
	}

	for name, cluster := range cfg.Clusters {
		if cluster.MongoClientSettings == nil {
			cluster.MongoClientSettings = cfg.TopMongoClientSettings
			cfg.Clusters[name] = cluster
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClusters reads only the cluster topology document, for commands like
// check-config that don't need an upload schema.
func LoadClusters(clusterConfigPath string) (map[string]ClusterConfig, error) {
	clusterAbs, err := filepath.Abs(clusterConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config: resolve cluster_config path: %w", err)
	}
	data, err := os.ReadFile(clusterAbs)
	if err != nil {
		return nil, fmt.Errorf("config: read cluster_config %s: %w", clusterAbs, err)
	}
	clusterFile, err := parseClusterFile(data)
	if err != nil {
		return nil, err
	}
	for name, cluster := range clusterFile.entries {
		if cluster.MongoClientSettings == nil {
			cluster.MongoClientSettings = clusterFile.mongoClientSettings
			clusterFile.entries[name] = cluster
		}
	}
	return clusterFile.entries, nil
}

// resolveProvider merges one provider's settings with the top-level
// defaults (deep_merge-equivalent of §4.H) and builds its Strategy/Sorter.
func (c *Config) resolveProvider(name string, p rawProvider, top rawUpload) (*Provider, error) {
	if p.ReprocessInvalid == nil {
		p.ReprocessInvalid = top.ReprocessInvalid
	}
	if p.ForceReprocess == nil {
		p.ForceReprocess = top.Force
	}
	segmentsCollection := p.SegmentsCollection
	if segmentsCollection == "" {
		segmentsCollection = top.SegmentsCollection
	}
	if segmentsCollection == "" {
		segmentsCollection = "segment_files"
	}

	strat, err := strategy.New(p.RawConfig)
	if err != nil {
		return nil, err
	}

	var sorter *emitter.Sorter
	if p.Sorting != nil {
		sorter, err = buildSorter(*p.Sorting)
		if err != nil {
			return nil, err
		}
	}

	return &Provider{
		Name:               name,
		Strategy:           strat,
		Delivery:           p.Delivery,
		Sorter:             sorter,
		SegmentsCollection: segmentsCollection,
	}, nil
}

var statFieldPattern = regexp.MustCompile(`^stat\.(st_size|st_mtime)$`)
var pathFieldPattern = regexp.MustCompile(`^path\.([0-9]+)$`)

// buildSorter compiles a sorting config block into an emitter.Sorter.
func buildSorter(raw rawSorting) (*emitter.Sorter, error) {
	re, err := regexp.Compile(raw.FilePathRegexp)
	if err != nil {
		return nil, fmt.Errorf("sorting.file_path_regexp: %w", err)
	}
	rules := make([]emitter.SortField, 0, len(raw.Order))
	for _, rule := range raw.Order {
		for field, dir := range rule {
			direction := emitter.Asc
			if strings.EqualFold(dir, "desc") {
				direction = emitter.Desc
			}
			if m := statFieldPattern.FindStringSubmatch(field); m != nil {
				rules = append(rules, emitter.SortField{PathGroup: -1, Stat: m[1], Direction: direction})
				continue
			}
			if m := pathFieldPattern.FindStringSubmatch(field); m != nil {
				idx, _ := strconv.Atoi(m[1])
				rules = append(rules, emitter.SortField{PathGroup: idx, Direction: direction})
				continue
			}
			return nil, fmt.Errorf("sorting.order: unrecognized field %q", field)
		}
	}
	return &emitter.Sorter{PathRegexp: re, Rules: rules}, nil
}

// ApplyDefaults fills in defaults not already covered by per-field parsing.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = len(c.Clusters)
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 60 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 10800 * time.Second
	}
	if c.MetricsPrefix == "" {
		c.MetricsPrefix = "segupload"
	}
}

// Validate ensures the merged config is usable.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Clusters) == 0 {
		errs = append(errs, "cluster_config must declare at least one cluster")
	}
	if len(c.Providers) == 0 {
		errs = append(errs, "config_file's upload must declare at least one provider")
	}
	for name, p := range c.Providers {
		if p.Strategy == nil {
			errs = append(errs, fmt.Sprintf("provider %q has no valid strategy", name))
		}
	}
	for _, name := range c.ProvidersFilter {
		if _, ok := c.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("--providers references undeclared provider %q", name))
		}
	}
	if len(c.ReprocessFile) > 0 && len(c.ProvidersFilter) != 1 {
		errs = append(errs, "--reprocess_file requires exactly one --providers entry")
	}
	if c.Workers <= 0 {
		errs = append(errs, "workers must be > 0")
	}

	if len(errs) > 0 {
		return &ValidationError{Path: c.uploadConfigPath, Errors: errs}
	}
	return nil
}

// ActiveProviders returns the providers selected by ProvidersFilter, or all
// configured providers when the filter is empty.
func (c *Config) ActiveProviders() map[string]*Provider {
	if len(c.ProvidersFilter) == 0 {
		return c.Providers
	}
	out := make(map[string]*Provider, len(c.ProvidersFilter))
	for _, name := range c.ProvidersFilter {
		if p, ok := c.Providers[name]; ok {
			out[name] = p
		}
	}
	return out
}

// ConfigDir returns the directory containing the upload config file, used
// to resolve relative paths (metrics file, plugin path, dump directories).
func (c *Config) ConfigDir() string {
	return filepath.Dir(c.uploadConfigPath)
}

// ResolvePath resolves a possibly-relative path against ConfigDir.
func (c *Config) ResolvePath(path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(c.ConfigDir(), path))
}
