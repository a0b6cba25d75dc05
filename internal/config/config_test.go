package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const clusterConfigYAML = `
mongo_client_settings:
  max_pool_size: 50
cluster-a:
  mongos:
    - mongos-a1:27017
    - mongos-a2:27017
  shards:
    - shard0
  databases:
    audiences:
      partitioned: true
cluster-b:
  mongos:
    - mongos-b1:27017
  mongo_client_settings:
    max_pool_size: 10
`

const uploadConfigYAML = `
workers: 4
metrics_file: metrics.txt
metrics_prefix: segupload
flush_interval: 30s
segments_collection: segment_files
reprocess_invalid: true
upload:
  liveramp:
    collection: audiences.profiles
    input:
      text/tab-separated-values:
        - user_id: "^.+$"
        - segments: "^.*$"
    update:
      _id: "{{user_id}}"
      lvmp: "{{segments}}"
    batch_size: 1000
    delivery:
      fs:
        root: /data/liveramp
    sorting:
      file_path_regexp: "^.*/([a-z])([0-9]+).*p([0-9])\\..*$"
      order:
        - path.1: asc
        - stat.st_size: desc
  lotame:
    collection: audiences.profiles
    segments_collection: lotame_segment_files
    input:
      text/tab-separated-values:
        - user_id: "^.+$"
        - segments: "^.*$"
    update:
      _id: "{{user_id}}"
      lvmp: "{{segments}}"
`

func writeConfigFiles(t *testing.T) (clusterPath, uploadPath string) {
	t.Helper()
	dir := t.TempDir()
	clusterPath = filepath.Join(dir, "cluster_config.yaml")
	uploadPath = filepath.Join(dir, "config_file.yaml")
	if err := os.WriteFile(clusterPath, []byte(clusterConfigYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(uploadPath, []byte(uploadConfigYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return clusterPath, uploadPath
}

func TestLoadMergesClusterClientSettingsInheritance(t *testing.T) {
	clusterPath, uploadPath := writeConfigFiles(t)
	cfg, err := Load(clusterPath, uploadPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	a := cfg.Clusters["cluster-a"]
	if v, _ := a.MongoClientSettings["max_pool_size"].(int); v != 50 {
		t.Errorf("cluster-a inherited max_pool_size = %v, want 50 (from top-level mongo_client_settings)", a.MongoClientSettings["max_pool_size"])
	}

	b := cfg.Clusters["cluster-b"]
	if v, _ := b.MongoClientSettings["max_pool_size"].(int); v != 10 {
		t.Errorf("cluster-b max_pool_size = %v, want 10 (its own setting, not inherited)", b.MongoClientSettings["max_pool_size"])
	}
}

func TestLoadResolvesProviderSegmentsCollectionInheritance(t *testing.T) {
	clusterPath, uploadPath := writeConfigFiles(t)
	cfg, err := Load(clusterPath, uploadPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Providers["liveramp"].SegmentsCollection; got != "segment_files" {
		t.Errorf("liveramp.SegmentsCollection = %q, want %q (inherited from top-level)", got, "segment_files")
	}
	if got := cfg.Providers["lotame"].SegmentsCollection; got != "lotame_segment_files" {
		t.Errorf("lotame.SegmentsCollection = %q, want %q (its own override)", got, "lotame_segment_files")
	}
}

func TestLoadResolvesProviderReprocessInvalidInheritance(t *testing.T) {
	clusterPath, uploadPath := writeConfigFiles(t)
	cfg, err := Load(clusterPath, uploadPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Providers["liveramp"].Strategy.ReprocessInvalid {
		t.Error("liveramp strategy should inherit reprocess_invalid=true from the top-level upload config")
	}
}

func TestLoadBuildsSorterFromSortingBlock(t *testing.T) {
	clusterPath, uploadPath := writeConfigFiles(t)
	cfg, err := Load(clusterPath, uploadPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers["liveramp"].Sorter == nil {
		t.Fatal("liveramp should have a Sorter built from its sorting block")
	}
	if cfg.Providers["lotame"].Sorter != nil {
		t.Error("lotame declares no sorting block and should have a nil Sorter")
	}
}

func TestApplyDefaultsFillsWorkersFromClusterCount(t *testing.T) {
	cfg := &Config{Clusters: map[string]ClusterConfig{"a": {}, "b": {}, "c": {}}}
	cfg.ApplyDefaults()
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3 (one per cluster)", cfg.Workers)
	}
	if cfg.FlushInterval <= 0 {
		t.Error("FlushInterval should default to a positive duration")
	}
	if cfg.MetricsPrefix != "segupload" {
		t.Errorf("MetricsPrefix = %q, want default %q", cfg.MetricsPrefix, "segupload")
	}
	if cfg.WaitTimeout != 10800*time.Second {
		t.Errorf("WaitTimeout = %v, want default 10800s", cfg.WaitTimeout)
	}
}

func TestLoadParsesWaitTimeoutOverride(t *testing.T) {
	dir := t.TempDir()
	clusterPath := filepath.Join(dir, "cluster_config.yaml")
	uploadPath := filepath.Join(dir, "config_file.yaml")
	if err := os.WriteFile(clusterPath, []byte(clusterConfigYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	withTimeout := uploadConfigYAML + "wait_timeout: 120s\n"
	if err := os.WriteFile(uploadPath, []byte(withTimeout), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(clusterPath, uploadPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WaitTimeout != 120*time.Second {
		t.Errorf("WaitTimeout = %v, want 120s", cfg.WaitTimeout)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Providers:       map[string]*Provider{},
		ProvidersFilter: []string{"ghost"},
		ReprocessFile:   []string{"a.tsv", "b.tsv"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate: expected an error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(ve.Errors) < 4 {
		t.Errorf("Errors has %d entries, want at least 4 (no clusters, no providers, undeclared provider, workers<=0): %v", len(ve.Errors), ve.Errors)
	}
}

func TestActiveProvidersFiltersWhenSet(t *testing.T) {
	cfg := &Config{
		Providers: map[string]*Provider{
			"liveramp": {Name: "liveramp"},
			"lotame":   {Name: "lotame"},
		},
	}
	all := cfg.ActiveProviders()
	if len(all) != 2 {
		t.Errorf("ActiveProviders with no filter = %d entries, want 2", len(all))
	}

	cfg.ProvidersFilter = []string{"lotame"}
	filtered := cfg.ActiveProviders()
	if len(filtered) != 1 || filtered["lotame"] == nil {
		t.Errorf("ActiveProviders with filter = %v, want only lotame", filtered)
	}
}

func TestResolvePathHandlesAbsoluteAndRelative(t *testing.T) {
	_, uploadPath := writeConfigFiles(t)
	cfg, err := Load(filepath.Join(filepath.Dir(uploadPath), "cluster_config.yaml"), uploadPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.ResolvePath("/abs/metrics.txt"); got != filepath.Clean("/abs/metrics.txt") {
		t.Errorf("ResolvePath(absolute) = %q, want unchanged", got)
	}
	want := filepath.Clean(filepath.Join(cfg.ConfigDir(), "metrics.txt"))
	if got := cfg.ResolvePath("metrics.txt"); got != want {
		t.Errorf("ResolvePath(relative) = %q, want %q", got, want)
	}
}

func TestLoadClustersOnlyNeedsTopology(t *testing.T) {
	clusterPath, _ := writeConfigFiles(t)
	clusters, err := LoadClusters(clusterPath)
	if err != nil {
		t.Fatalf("LoadClusters: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("LoadClusters returned %d entries, want 2", len(clusters))
	}
	a := clusters["cluster-a"]
	if v, _ := a.MongoClientSettings["max_pool_size"].(int); v != 50 {
		t.Errorf("cluster-a.MongoClientSettings inherited from LoadClusters = %v, want 50", a.MongoClientSettings["max_pool_size"])
	}
}
