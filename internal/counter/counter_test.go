package counter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"segupload/internal/progress"
	"segupload/internal/segfile"
)

func TestRegistryTotals(t *testing.T) {
	r := New()
	r.Record("a.tsv", "liveramp", "cluster-a", Processed, segfile.Counter{})
	r.Record("b.tsv", "liveramp", "cluster-a", Invalid, segfile.Counter{})
	r.Record("c.tsv", "liveramp", "cluster-a", Skipped, segfile.Counter{})
	r.Record("c.tsv", "liveramp", "cluster-b", Skipped, segfile.Counter{})

	totals := r.Totals()
	want := Counts{Processed: 1, Invalid: 1, Skipped: 2}
	if totals != want {
		t.Errorf("Totals = %+v, want %+v", totals, want)
	}
}

func TestRegistryRecordOverwritesOnReprocess(t *testing.T) {
	r := New()
	r.Record("a.tsv", "liveramp", "cluster-a", Invalid, segfile.Counter{LineTotal: 10, LineInvalid: 10})
	r.Record("a.tsv", "liveramp", "cluster-a", Processed, segfile.Counter{LineTotal: 10, LineInvalid: 0})

	totals := r.Totals()
	if totals.Invalid != 0 || totals.Processed != 1 {
		t.Errorf("Totals = %+v, want the reprocess outcome to replace the original entry", totals)
	}
}

func TestCountsAddIsCommutative(t *testing.T) {
	a := Counts{Processed: 3, Invalid: 1}
	b := Counts{Processed: 2, Skipped: 5}
	if a.Add(b) != b.Add(a) {
		t.Errorf("Add is not commutative: %+v vs %+v", a.Add(b), b.Add(a))
	}
}

func TestMergeFileCountersMaxRetainsLineTotal(t *testing.T) {
	a := segfile.Counter{Matched: 2, Modified: 1, Upserted: 1, LineCur: 500, LineInvalid: 5, LineTotal: 1000}
	b := segfile.Counter{Matched: 3, Modified: 0, Upserted: 2, LineCur: 0, LineInvalid: 0, LineTotal: 0}

	merged := MergeFileCounters(a, b)
	want := segfile.Counter{Matched: 5, Modified: 1, Upserted: 3, LineCur: 500, LineInvalid: 5, LineTotal: 1000}
	if merged != want {
		t.Errorf("MergeFileCounters = %+v, want %+v", merged, want)
	}

	// Order must not matter: max-retain and sum are both commutative.
	if MergeFileCounters(b, a) != merged {
		t.Error("MergeFileCounters is not commutative")
	}
}

func TestRegistryMergeFileAcrossClusters(t *testing.T) {
	r := New()
	r.Record("shared.tsv", "liveramp", "cluster-a", Processed, segfile.Counter{Matched: 10, LineTotal: 1000, LineCur: 1000})
	r.Record("shared.tsv", "liveramp", "cluster-b", Processed, segfile.Counter{Matched: 7, LineTotal: 1000, LineCur: 1000})
	r.Record("other.tsv", "liveramp", "cluster-a", Processed, segfile.Counter{Matched: 99})

	merged := r.MergeFile("shared.tsv")
	if merged.Matched != 17 {
		t.Errorf("Matched = %d, want 17 (other.tsv's entry must not leak in)", merged.Matched)
	}
	if merged.LineTotal != 1000 {
		t.Errorf("LineTotal = %d, want 1000", merged.LineTotal)
	}
}

func TestFlushMetricsAppendsGraphiteLines(t *testing.T) {
	m := progress.NewMetrics()
	m.Cell("liveramp", "cluster-a").Add(100, 20)

	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.txt")

	if err := FlushMetrics(m, "segupload", path); err != nil {
		t.Fatalf("FlushMetrics: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "segupload.liveramp.cluster-a.lines_processed 100 ") {
		t.Errorf("metrics file missing lines_processed line: %s", text)
	}
	if !strings.Contains(text, "segupload.liveramp.cluster-a.uploaded 80 ") {
		t.Errorf("metrics file missing uploaded line (100-20=80): %s", text)
	}

	// A second flush appends rather than truncating.
	if err := FlushMetrics(m, "segupload", path); err != nil {
		t.Fatalf("FlushMetrics (second call): %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if n := strings.Count(string(data), "lines_processed"); n != 2 {
		t.Errorf("lines_processed occurs %d times, want 2 (append mode)", n)
	}
}
