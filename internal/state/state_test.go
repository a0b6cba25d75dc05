package state

import (
	"path/filepath"
	"testing"
)

func TestLoadReturnsIdleSnapshotWhenFileAbsent(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "status.json"))
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.RunStatus != "idle" {
		t.Errorf("RunStatus = %q, want %q", snap.RunStatus, "idle")
	}
}

func TestWriteThenLoadRoundTrips(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "status.json"))
	want := Snapshot{
		RunStatus: "running",
		Stages:    map[string]StageSnapshot{"liveramp:cluster-a": {Status: "uploading"}},
		Metrics:   map[string]float64{"lines.uploaded": 42},
	}
	if err := s.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RunStatus != "running" {
		t.Errorf("RunStatus = %q, want %q", got.RunStatus, "running")
	}
	if got.Stages["liveramp:cluster-a"].Status != "uploading" {
		t.Errorf("Stages[liveramp:cluster-a].Status = %q, want %q", got.Stages["liveramp:cluster-a"].Status, "uploading")
	}
	if got.Metrics["lines.uploaded"] != 42 {
		t.Errorf("Metrics[lines.uploaded] = %v, want 42", got.Metrics["lines.uploaded"])
	}
}

func TestUpdateStagePreservesOtherKeys(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "status.json"))
	if err := s.UpdateStage("liveramp:cluster-a", "uploading", "3 files in flight"); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if err := s.UpdateStage("lotame:cluster-b", "idle", ""); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("Stages has %d entries, want 2 (updating one key shouldn't clobber the other)", len(snap.Stages))
	}
	if snap.Stages["liveramp:cluster-a"].Message != "3 files in flight" {
		t.Errorf("liveramp:cluster-a.Message = %q, want %q", snap.Stages["liveramp:cluster-a"].Message, "3 files in flight")
	}
}

func TestSetRunStatusAppendsEventOnlyWithMessage(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "status.json"))
	if err := s.SetRunStatus("running", "upload started"); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}
	if err := s.SetRunStatus("running", ""); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Events) != 1 {
		t.Errorf("Events has %d entries, want 1 (second call passed an empty message and shouldn't append)", len(snap.Events))
	}
}

func TestUpdateMetricsMergesAndIgnoresEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "status.json"))
	if err := s.UpdateMetrics(map[string]float64{"a": 1}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}
	if err := s.UpdateMetrics(map[string]float64{"b": 2}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}
	if err := s.UpdateMetrics(nil); err != nil {
		t.Fatalf("UpdateMetrics(nil): %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Metrics["a"] != 1 || snap.Metrics["b"] != 2 {
		t.Errorf("Metrics = %v, want a=1 b=2 merged", snap.Metrics)
	}
}

func TestSaveCheckResultAttachesToSnapshot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "status.json"))
	res := CheckResult{Status: "ok", ClusterDiffs: map[string][]string{"cluster-a": {"shard0 missing from config.shards"}}}
	if err := s.SaveCheckResult(res); err != nil {
		t.Fatalf("SaveCheckResult: %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Check == nil || snap.Check.Status != "ok" {
		t.Fatalf("Check = %+v, want Status=ok", snap.Check)
	}
	if len(snap.Check.ClusterDiffs["cluster-a"]) != 1 {
		t.Errorf("ClusterDiffs[cluster-a] = %v, want 1 entry", snap.Check.ClusterDiffs["cluster-a"])
	}
}

func TestTimeSeriesSnapshotOrdersChronologicallyAfterWraparound(t *testing.T) {
	ts := NewTimeSeries(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		ts.Add(v)
	}
	got := ts.Snapshot()
	if len(got) != 3 {
		t.Fatalf("Snapshot has %d points, want 3 (buffer size)", len(got))
	}
	wantValues := []float64{3, 4, 5}
	for i, dp := range got {
		if dp.Value != wantValues[i] {
			t.Errorf("Snapshot()[%d].Value = %v, want %v", i, dp.Value, wantValues[i])
		}
	}
}

func TestTimeSeriesSnapshotBeforeFull(t *testing.T) {
	ts := NewTimeSeries(5)
	ts.Add(10)
	ts.Add(20)
	got := ts.Snapshot()
	if len(got) != 2 {
		t.Fatalf("Snapshot has %d points, want 2", len(got))
	}
	if got[0].Value != 10 || got[1].Value != 20 {
		t.Errorf("Snapshot = %v, want [10 20] in insertion order", got)
	}
}

func TestNewHistoryStoreInitializesAllSeries(t *testing.T) {
	hs := NewHistoryStore()
	if hs.LinesPerSecond == nil || hs.InvalidPercent == nil || hs.UploadsPerSecond == nil {
		t.Fatal("NewHistoryStore left a nil series")
	}
	hs.LinesPerSecond.Add(100)
	if len(hs.LinesPerSecond.Snapshot()) != 1 {
		t.Error("LinesPerSecond.Snapshot() should reflect the one Add call")
	}
}
