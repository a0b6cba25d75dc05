// Package dbcluster wraps one sharded database cluster's client: a
// name-keyed singleton registry, persisted per-file metadata, and the
// batched bulk write used to upload a segment file (§4.F).
package dbcluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"golang.org/x/time/rate"

	"segupload/internal/config"
	"segupload/internal/mimetype"
	"segupload/internal/segfile"
)

// Logger is the narrow logging slice this package needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

var (
	mu       sync.Mutex
	registry = map[string]*Cluster{}
)

// Cluster is identity-keyed by name; Get returns the existing instance for
// a name already constructed in this process (§9 name-keyed singletons).
type Cluster struct {
	Name   string
	Config config.ClusterConfig

	client *mongo.Client
	log    Logger

	limiter  *rate.Limiter
	delay    time.Duration

	pauseMu         sync.Mutex
	cumulativePause time.Duration
	lastPauseLog    time.Time
}

// Get returns the cluster named name, connecting and registering it on
// first use. Subsequent calls with the same name return the same instance.
func Get(ctx context.Context, name string, cfg config.ClusterConfig, log Logger) (*Cluster, error) {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := registry[name]; ok {
		return c, nil
	}
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dbcluster: connect %q: %w", name, err)
	}
	c := &Cluster{Name: name, Config: cfg, client: client, log: log, lastPauseLog: time.Now()}
	registry[name] = c
	return c, nil
}

// Reset drops the singleton registry; intended for tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = map[string]*Cluster{}
}

func connect(ctx context.Context, cfg config.ClusterConfig) (*mongo.Client, error) {
	if len(cfg.Mongos) == 0 {
		return nil, fmt.Errorf("cluster has no mongos routers configured")
	}
	uri := "mongodb://" + strings.Join(cfg.Mongos, ",")
	opts := options.Client().ApplyURI(uri)
	applyClientSettings(opts, cfg.MongoClientSettings)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

// applyClientSettings maps the handful of mongo_client_settings keys this
// repo understands onto the driver's ClientOptions; unrecognized keys are
// ignored (the spec treats this map as opaque, driver-specific).
func applyClientSettings(opts *options.ClientOptions, settings map[string]interface{}) {
	if v, ok := settings["replica_set"].(string); ok && v != "" {
		opts.SetReplicaSet(v)
	}
	if v, ok := asInt64(settings["max_pool_size"]); ok {
		opts.SetMaxPoolSize(uint64(v))
	}
	if v, ok := asInt64(settings["min_pool_size"]); ok {
		opts.SetMinPoolSize(uint64(v))
	}
	if v, ok := asInt64(settings["connect_timeout_ms"]); ok {
		opts.SetConnectTimeout(time.Duration(v) * time.Millisecond)
	}
	if v, ok := asInt64(settings["server_selection_timeout_ms"]); ok {
		opts.SetServerSelectionTimeout(time.Duration(v) * time.Millisecond)
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func buildWriteConcern(opaque map[string]interface{}) *writeconcern.WriteConcern {
	if len(opaque) == 0 {
		return nil
	}
	var wcOpts []writeconcern.Option
	if w, ok := opaque["w"]; ok {
		switch v := w.(type) {
		case int:
			wcOpts = append(wcOpts, writeconcern.W(v))
		case string:
			if v == "majority" {
				wcOpts = append(wcOpts, writeconcern.WMajority())
			}
		}
	}
	if j, ok := opaque["j"].(bool); ok && j {
		wcOpts = append(wcOpts, writeconcern.J(true))
	}
	if ms, ok := asInt64(opaque["wtimeout"]); ok {
		wcOpts = append(wcOpts, writeconcern.WTimeout(time.Duration(ms)*time.Millisecond))
	}
	if len(wcOpts) == 0 {
		return nil
	}
	return writeconcern.New(wcOpts...)
}

// SetRateLimit configures a cooperative rate limiter; ratePerSecond <= 0
// disables it. delay, if set, is an additional fixed per-batch sleep
// applied before every bulk write (§4.F "uploading_delay").
func (c *Cluster) SetRateLimit(ratePerSecond float64, delay time.Duration) {
	if ratePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	} else {
		c.limiter = nil
	}
	c.delay = delay
}

// throttle applies the configured rate limiter and/or fixed delay before a
// batch is written, logging the cumulative time spent paused no more than
// once every 30s.
func (c *Cluster) throttle(ctx context.Context) {
	start := time.Now()
	if c.limiter != nil {
		_ = c.limiter.Wait(ctx)
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	paused := time.Since(start)
	if paused <= 0 {
		return
	}
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.cumulativePause += paused
	if time.Since(c.lastPauseLog) >= 30*time.Second {
		if c.log != nil {
			c.log.Debugf("cluster %s: cumulative upload pause %s", c.Name, c.cumulativePause)
		}
		c.lastPauseLog = time.Now()
	}
}

type recordDoc struct {
	ID        string     `bson:"_id"`
	Path      string     `bson:"path"`
	Provider  string     `bson:"provider"`
	Type      typeDoc    `bson:"type"`
	Invalid   bool       `bson:"invalid"`
	Processed bool       `bson:"processed"`
	Timer     timerDoc   `bson:"timer"`
	Counter   counterDoc `bson:"counter"`
}

type typeDoc struct {
	MIME     string `bson:"mime"`
	Encoding string `bson:"encoding"`
}

type timerDoc struct {
	StartedTS  int64 `bson:"started_ts"`
	FinishedTS int64 `bson:"finished_ts"`
}

type counterDoc struct {
	Matched     int64 `bson:"matched"`
	Modified    int64 `bson:"modified"`
	Upserted    int64 `bson:"upserted"`
	LineCur     int64 `bson:"line_cur"`
	LineInvalid int64 `bson:"line_invalid"`
	LineTotal   int64 `bson:"line_total"`
}

func toRecordDoc(rec segfile.Record) recordDoc {
	return recordDoc{
		ID:        rec.Name,
		Path:      rec.Path,
		Provider:  rec.Provider,
		Type:      typeDoc{MIME: rec.Type.MIME, Encoding: rec.Type.Encoding},
		Invalid:   rec.Invalid,
		Processed: rec.Processed,
		Timer:     timerDoc{StartedTS: rec.Timer.StartedTS, FinishedTS: rec.Timer.FinishedTS},
		Counter: counterDoc{
			Matched: rec.Counter.Matched, Modified: rec.Counter.Modified, Upserted: rec.Counter.Upserted,
			LineCur: rec.Counter.LineCur, LineInvalid: rec.Counter.LineInvalid, LineTotal: rec.Counter.LineTotal,
		},
	}
}

func (d recordDoc) toSegfileRecord() segfile.Record {
	return segfile.Record{
		Name:      d.ID,
		Path:      d.Path,
		Provider:  d.Provider,
		Type:      mimetype.Type{MIME: d.Type.MIME, Encoding: d.Type.Encoding},
		Invalid:   d.Invalid,
		Processed: d.Processed,
		Timer:     segfile.Timer{StartedTS: d.Timer.StartedTS, FinishedTS: d.Timer.FinishedTS},
		Counter: segfile.Counter{
			Matched: d.Counter.Matched, Modified: d.Counter.Modified, Upserted: d.Counter.Upserted,
			LineCur: d.Counter.LineCur, LineInvalid: d.Counter.LineInvalid, LineTotal: d.Counter.LineTotal,
		},
	}
}

// ReadSegfileInfo looks up the persisted record for sf by name in
// <database>.<segmentsCollection> and loads it into sf.
func (c *Cluster) ReadSegfileInfo(ctx context.Context, sf *segfile.File, segmentsCollection string) error {
	coll := c.client.Database(sf.Strategy.Database).Collection(segmentsCollection)
	var doc recordDoc
	err := coll.FindOne(ctx, bson.M{"_id": sf.Name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return sf.LoadMetadata(nil)
	}
	if err != nil {
		return fmt.Errorf("dbcluster: read metadata for %q: %w", sf.Name, err)
	}
	rec := doc.toSegfileRecord()
	return sf.LoadMetadata(&rec)
}

// SaveSegfileInfo upserts sf's current metadata keyed by name.
func (c *Cluster) SaveSegfileInfo(ctx context.Context, sf *segfile.File, segmentsCollection string) error {
	coll := c.client.Database(sf.Strategy.Database).Collection(segmentsCollection)
	doc := toRecordDoc(sf.DumpMetadata())
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("dbcluster: save metadata for %q: %w", sf.Name, err)
	}
	return nil
}

// UploadSegfile streams sf's batches into <database>.<collection>, applying
// the strategy's write concern and this cluster's rate limiter between
// batches, and accumulates the bulk-write result into sf.Counter.
func (c *Cluster) UploadSegfile(ctx context.Context, sf *segfile.File, log segfile.Logger) error {
	collOpts := options.Collection()
	if wc := buildWriteConcern(sf.Strategy.WriteConcern); wc != nil {
		collOpts.SetWriteConcern(wc)
	}
	coll := c.client.Database(sf.Strategy.Database).Collection(sf.Strategy.Collection, collOpts)

	it, err := sf.Batches(log)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		batch, more := it.Next()
		if len(batch) > 0 {
			c.throttle(ctx)
			models := make([]mongo.WriteModel, len(batch))
			for i, setter := range batch {
				models[i] = mongo.NewUpdateOneModel().
					SetFilter(setter.Filter).
					SetUpdate(bson.M{"$set": setter.Update}).
					SetUpsert(setter.Upsert)
			}
			res, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
			if err != nil {
				return fmt.Errorf("dbcluster: bulk write %s: %w", sf.Name, err)
			}
			sf.Counter.Matched += res.MatchedCount
			sf.Counter.Modified += res.ModifiedCount
			sf.Counter.Upserted += int64(len(res.UpsertedIDs))
		}
		if !more {
			break
		}
	}
	return it.Err()
}

// CheckConfig diffs the cluster's declared topology against the live
// shard/database/collection layout reported by the cluster itself. This is
// a best-effort, read-only supplement (§4 SUPPLEMENTED FEATURES); it is not
// a substitute for the administrative shard-management tooling the spec
// treats as an external collaborator.
func (c *Cluster) CheckConfig(ctx context.Context) ([]string, error) {
	var diffs []string

	shardsColl := c.client.Database("config").Collection("shards")
	cur, err := shardsColl.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("dbcluster: list shards: %w", err)
	}
	defer cur.Close(ctx)
	actualShards := map[string]struct{}{}
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err == nil {
			actualShards[doc.ID] = struct{}{}
		}
	}
	if len(actualShards) != len(c.Config.Shards) {
		diffs = append(diffs, fmt.Sprintf("declared %d shards, cluster reports %d", len(c.Config.Shards), len(actualShards)))
	}

	for dbName, want := range c.Config.Databases {
		var doc struct {
			Partitioned bool `bson:"partitioned"`
		}
		err := c.client.Database("config").Collection("databases").FindOne(ctx, bson.M{"_id": dbName}).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			diffs = append(diffs, fmt.Sprintf("database %q declared but not sharded-registered", dbName))
			continue
		}
		if err != nil {
			return diffs, fmt.Errorf("dbcluster: check database %q: %w", dbName, err)
		}
		if doc.Partitioned != want.Partitioned {
			diffs = append(diffs, fmt.Sprintf("database %q partitioned=%t, declared %t", dbName, doc.Partitioned, want.Partitioned))
		}
	}
	return diffs, nil
}
