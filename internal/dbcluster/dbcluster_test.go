package dbcluster

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo/options"

	"segupload/internal/config"
	"segupload/internal/mimetype"
	"segupload/internal/segfile"
)

func TestRecordDocRoundTripsType(t *testing.T) {
	rec := segfile.Record{
		Name:     "segments",
		Path:     "/data/segments.tsv.gz",
		Provider: "liveramp",
		Type:     mimetype.Type{MIME: mimetype.TSV, Encoding: "gzip"},
	}
	doc := toRecordDoc(rec)
	if doc.Type.MIME != mimetype.TSV || doc.Type.Encoding != "gzip" {
		t.Fatalf("toRecordDoc dropped Type: got %+v, want %+v", doc.Type, rec.Type)
	}

	got := doc.toSegfileRecord()
	if got.Type != rec.Type {
		t.Errorf("toSegfileRecord: Type = %+v, want %+v", got.Type, rec.Type)
	}
}

func TestApplyClientSettingsMapsKnownKeys(t *testing.T) {
	opts := options.Client()
	applyClientSettings(opts, map[string]interface{}{
		"replica_set":                 "rs0",
		"max_pool_size":               100,
		"min_pool_size":               5,
		"connect_timeout_ms":          2000,
		"server_selection_timeout_ms": 3000,
		"unknown_key":                 "ignored",
	})

	if opts.ReplicaSet == nil || *opts.ReplicaSet != "rs0" {
		t.Errorf("ReplicaSet = %v, want rs0", opts.ReplicaSet)
	}
	if opts.MaxPoolSize == nil || *opts.MaxPoolSize != 100 {
		t.Errorf("MaxPoolSize = %v, want 100", opts.MaxPoolSize)
	}
	if opts.MinPoolSize == nil || *opts.MinPoolSize != 5 {
		t.Errorf("MinPoolSize = %v, want 5", opts.MinPoolSize)
	}
	if opts.ConnectTimeout == nil || *opts.ConnectTimeout != 2*time.Second {
		t.Errorf("ConnectTimeout = %v, want 2s", opts.ConnectTimeout)
	}
	if opts.ServerSelectionTimeout == nil || *opts.ServerSelectionTimeout != 3*time.Second {
		t.Errorf("ServerSelectionTimeout = %v, want 3s", opts.ServerSelectionTimeout)
	}
}

func TestApplyClientSettingsIgnoresEmpty(t *testing.T) {
	opts := options.Client()
	applyClientSettings(opts, nil)
	if opts.ReplicaSet != nil || opts.MaxPoolSize != nil {
		t.Error("applyClientSettings should leave options untouched for an empty settings map")
	}
}

func TestAsInt64(t *testing.T) {
	cases := []struct {
		in     interface{}
		want   int64
		wantOK bool
	}{
		{42, 42, true},
		{int64(99), 99, true},
		{float64(7), 7, true},
		{"nope", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := asInt64(c.in)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("asInt64(%#v) = (%d, %v), want (%d, %v)", c.in, got, ok, c.want, c.wantOK)
		}
	}
}

func TestBuildWriteConcernNilOnEmpty(t *testing.T) {
	if wc := buildWriteConcern(nil); wc != nil {
		t.Errorf("buildWriteConcern(nil) = %v, want nil", wc)
	}
	if wc := buildWriteConcern(map[string]interface{}{}); wc != nil {
		t.Errorf("buildWriteConcern({}) = %v, want nil", wc)
	}
}

func TestBuildWriteConcernNonEmptyOpaque(t *testing.T) {
	wc := buildWriteConcern(map[string]interface{}{"w": "majority", "j": true})
	if wc == nil {
		t.Error("buildWriteConcern: expected a non-nil WriteConcern for a populated opaque map")
	}
}

func TestGetRejectsClusterWithNoMongos(t *testing.T) {
	Reset()
	_, err := Get(context.Background(), "empty-cluster", config.ClusterConfig{}, nil)
	if err == nil {
		t.Fatal("Get: expected an error when the cluster declares no mongos routers")
	}
}

func TestSetRateLimitDisabledByDefault(t *testing.T) {
	c := &Cluster{Name: "test"}
	c.SetRateLimit(0, 0)
	if c.limiter != nil {
		t.Error("SetRateLimit(0, 0) should leave the limiter disabled")
	}

	ctx := context.Background()
	start := time.Now()
	c.throttle(ctx)
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("throttle with no limiter/delay took %v, want near-instant", elapsed)
	}
}

func TestSetRateLimitAppliesFixedDelay(t *testing.T) {
	c := &Cluster{Name: "test"}
	c.SetRateLimit(0, 30*time.Millisecond)

	start := time.Now()
	c.throttle(context.Background())
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("throttle with a 30ms delay returned after %v, want >= ~30ms", elapsed)
	}
}
