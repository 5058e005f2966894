package mongo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
)

// lockBusyCode is the server error code returned when a metadata operation
// loses the chunk range lock to a concurrent operation (LockBusy).
const lockBusyCode = 46

// estimateField is the chunk-document field that carries a previously
// measured range size in KB. Runs written by older tooling use the same
// field, so stored estimates survive across tool versions.
const estimateField = "defrag_collection_est_size"

// Config configures the router client.
type Config struct {
	// URI is the mongos connection string (e.g., "mongodb://localhost:27017").
	URI string

	// AppName identifies this tool in the server logs and currentOp output.
	// Default: "chunkd".
	AppName string

	// ConnectTimeout bounds the initial server selection and handshake.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ConnectRetries is the number of ping retries performed with
	// exponential backoff before New gives up. Default: 5.
	ConnectRetries uint64
}

// Router implements cluster.Client against a mongos.
type Router struct {
	client *mongodriver.Client
	config Config

	collections *mongodriver.Collection
	chunks      *mongodriver.Collection
	settings    *mongodriver.Collection
	admin       *mongodriver.Database

	mu        sync.RWMutex
	closed    bool
	collCache map[string]collectionEntry
}

// collectionEntry is the decoded config.collections document for one
// namespace. Clusters with collection timestamps key their chunk documents
// by collection UUID; older clusters key them by namespace string.
type collectionEntry struct {
	ID        string               `bson:"_id"`
	Key       bson.Raw             `bson:"key"`
	UUID      primitive.Binary     `bson:"uuid"`
	Timestamp *primitive.Timestamp `bson:"timestamp"`
	Dropped   bool                 `bson:"dropped"`
}

// chunkFilter returns the config.chunks filter that selects this
// collection's chunk documents.
func (e collectionEntry) chunkFilter() bson.D {
	if e.Timestamp != nil {
		return bson.D{{Key: "uuid", Value: e.UUID}}
	}
	return bson.D{{Key: "ns", Value: e.ID}}
}

// New connects to a mongos router and verifies it is reachable. Transient
// startup failures are retried with exponential backoff.
func New(ctx context.Context, cfg Config) (*Router, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo: connection URI is required")
	}
	if cfg.AppName == "" {
		cfg.AppName = "chunkd"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = 5
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(cfg.AppName).
		SetConnectTimeout(cfg.ConnectTimeout)

	client, err := mongodriver.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to create client: %w", err)
	}

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return client.Ping(pingCtx, readpref.Primary())
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: failed to reach router: %w", err)
	}

	configDB := client.Database("config")
	return &Router{
		client:      client,
		config:      cfg,
		collections: configDB.Collection("collections"),
		chunks:      configDB.Collection("chunks"),
		settings:    configDB.Collection("settings"),
		admin:       client.Database("admin"),
		collCache:   make(map[string]collectionEntry),
	}, nil
}

// checkOpen returns ErrClosed after Close.
func (r *Router) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return cluster.ErrClosed
	}
	return nil
}

// collectionEntry loads (and caches) the config.collections document for a
// namespace. Returns cluster.ErrNamespaceNotSharded when absent or dropped.
func (r *Router) collectionEntry(ctx context.Context, ns chunk.Namespace) (collectionEntry, error) {
	r.mu.RLock()
	entry, ok := r.collCache[ns.String()]
	r.mu.RUnlock()
	if ok {
		return entry, nil
	}

	res := r.collections.FindOne(ctx, bson.D{{Key: "_id", Value: ns.String()}})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return collectionEntry{}, fmt.Errorf("mongo: %s: %w", ns, cluster.ErrNamespaceNotSharded)
		}
		return collectionEntry{}, fmt.Errorf("mongo: lookup collection %s: %w", ns, err)
	}
	if err := res.Decode(&entry); err != nil {
		return collectionEntry{}, fmt.Errorf("mongo: decode collection %s: %w", ns, err)
	}
	if entry.Dropped {
		return collectionEntry{}, fmt.Errorf("mongo: %s: %w", ns, cluster.ErrNamespaceNotSharded)
	}

	r.mu.Lock()
	r.collCache[ns.String()] = entry
	r.mu.Unlock()
	return entry, nil
}

// CollectionInfo returns the routing metadata for a namespace.
func (r *Router) CollectionInfo(ctx context.Context, ns chunk.Namespace) (cluster.CollectionInfo, error) {
	if err := r.checkOpen(); err != nil {
		return cluster.CollectionInfo{}, err
	}
	entry, err := r.collectionEntry(ctx, ns)
	if err != nil {
		return cluster.CollectionInfo{}, err
	}
	return cluster.CollectionInfo{Namespace: ns, KeyPattern: entry.Key}, nil
}

// CountChunks returns the total number of chunk documents for the namespace.
func (r *Router) CountChunks(ctx context.Context, ns chunk.Namespace) (int64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	entry, err := r.collectionEntry(ctx, ns)
	if err != nil {
		return 0, err
	}
	n, err := r.chunks.CountDocuments(ctx, entry.chunkFilter())
	if err != nil {
		return 0, fmt.Errorf("mongo: count chunks for %s: %w", ns, err)
	}
	return n, nil
}

// chunkDoc is the subset of a config.chunks document the defragmenter reads.
type chunkDoc struct {
	Min     bson.Raw            `bson:"min"`
	Max     bson.Raw            `bson:"max"`
	Shard   string              `bson:"shard"`
	Lastmod primitive.Timestamp `bson:"lastmod"`
}

// ForEachChunk streams the namespace's chunks in ascending min-key order.
func (r *Router) ForEachChunk(ctx context.Context, ns chunk.Namespace, fn func(chunk.Chunk) error) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	entry, err := r.collectionEntry(ctx, ns)
	if err != nil {
		return err
	}

	opts := options.Find().SetSort(bson.D{{Key: "min", Value: 1}})
	cur, err := r.chunks.Find(ctx, entry.chunkFilter(), opts)
	if err != nil {
		return fmt.Errorf("mongo: scan chunks for %s: %w", ns, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc chunkDoc
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("mongo: decode chunk for %s: %w", ns, err)
		}
		c := chunk.Chunk{
			Range:   chunk.Range{Min: chunk.Key(doc.Min), Max: chunk.Key(doc.Max)},
			Shard:   chunk.ShardID(doc.Shard),
			Version: chunk.VersionFromTimestamp(doc.Lastmod),
		}
		if kb, ok := numericKB(cur.Current.Lookup(estimateField)); ok {
			c.StoredEstimateKB = kb
			c.HasStoredEstimate = true
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("mongo: scan chunks for %s: %w", ns, err)
	}
	return nil
}

// RangeSizeKB measures the approximate data size of [rng.Min, rng.Max) via
// the dataSize command, rounded up to the next whole kilobyte.
func (r *Router) RangeSizeKB(ctx context.Context, ns chunk.Namespace, keyPattern bson.Raw, rng chunk.Range) (int64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	cmd := bson.D{
		{Key: "dataSize", Value: ns.String()},
		{Key: "keyPattern", Value: keyPattern},
		{Key: "min", Value: bson.Raw(rng.Min)},
		{Key: "max", Value: bson.Raw(rng.Max)},
		{Key: "estimate", Value: true},
	}
	raw, err := r.client.Database(ns.DB).RunCommand(ctx, cmd).Raw()
	if err != nil {
		return 0, fmt.Errorf("mongo: dataSize %s %s: %w", ns, rng, err)
	}

	sizeBytes, ok := numericValue(raw.Lookup("size"))
	if !ok {
		return 0, fmt.Errorf("mongo: dataSize %s %s: response has no numeric size", ns, rng)
	}
	return int64(math.Ceil(sizeBytes / 1024.0)), nil
}

// MergeChunks coalesces all chunks spanning [rng.Min, rng.Max) into one chunk.
func (r *Router) MergeChunks(ctx context.Context, ns chunk.Namespace, rng chunk.Range) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	cmd := bson.D{
		{Key: "mergeChunks", Value: ns.String()},
		{Key: "bounds", Value: bson.A{bson.Raw(rng.Min), bson.Raw(rng.Max)}},
	}
	if err := r.admin.RunCommand(ctx, cmd).Err(); err != nil {
		if isLockBusy(err) {
			return fmt.Errorf("mongo: merge %s %s: %w", ns, rng, cluster.ErrRangeLockConflict)
		}
		return fmt.Errorf("mongo: merge %s %s: %w", ns, rng, err)
	}
	return nil
}

// StoreChunkSizeEstimate persists a measured size onto the chunk document
// covering exactly [rng.Min, rng.Max) on the given shard.
func (r *Router) StoreChunkSizeEstimate(ctx context.Context, ns chunk.Namespace, rng chunk.Range, shard chunk.ShardID, sizeKB int64) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	entry, err := r.collectionEntry(ctx, ns)
	if err != nil {
		return err
	}

	filter := entry.chunkFilter()
	filter = append(filter,
		bson.E{Key: "min", Value: bson.Raw(rng.Min)},
		bson.E{Key: "max", Value: bson.Raw(rng.Max)},
		bson.E{Key: "shard", Value: string(shard)},
	)
	update := bson.D{{Key: "$set", Value: bson.D{{Key: estimateField, Value: sizeKB}}}}

	res, err := r.chunks.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongo: store estimate for %s %s: %w", ns, rng, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongo: store estimate for %s %s: no chunk document matched", ns, rng)
	}
	return nil
}

// Setting reads one cluster-wide settings document by ID.
func (r *Router) Setting(ctx context.Context, id string) (bson.Raw, bool, error) {
	if err := r.checkOpen(); err != nil {
		return nil, false, err
	}

	raw, err := r.settings.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Raw()
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("mongo: read setting %q: %w", id, err)
	}
	return raw, true, nil
}

// VerifyRouter confirms the endpoint is a mongos by checking the isdbgrid
// marker in the handshake response.
func (r *Router) VerifyRouter(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	raw, err := r.admin.RunCommand(ctx, bson.D{{Key: "ismaster", Value: 1}}).Raw()
	if err != nil {
		return fmt.Errorf("mongo: ismaster: %w", err)
	}
	if msg, ok := raw.Lookup("msg").StringValueOK(); !ok || msg != "isdbgrid" {
		return cluster.ErrNotRouter
	}
	return nil
}

// FeatureCompatibilityVersion returns the cluster's FCV string.
func (r *Router) FeatureCompatibilityVersion(ctx context.Context) (string, error) {
	if err := r.checkOpen(); err != nil {
		return "", err
	}

	res := r.admin.Collection("system.version").FindOne(ctx,
		bson.D{{Key: "_id", Value: "featureCompatibilityVersion"}})
	raw, err := res.Raw()
	if err != nil {
		return "", fmt.Errorf("mongo: read feature compatibility version: %w", err)
	}
	version, ok := raw.Lookup("version").StringValueOK()
	if !ok {
		return "", errors.New("mongo: feature compatibility document has no version")
	}
	return version, nil
}

// Close disconnects from the router.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongo: disconnect: %w", err)
	}
	return nil
}

// isLockBusy reports whether err carries the LockBusy server code.
func isLockBusy(err error) bool {
	var se mongodriver.ServerError
	return errors.As(err, &se) && se.HasErrorCode(lockBusyCode)
}

// numericValue extracts a float64 from any numeric BSON value.
func numericValue(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bson.TypeDouble:
		return v.Double(), true
	case bson.TypeInt32:
		return float64(v.Int32()), true
	case bson.TypeInt64:
		return float64(v.Int64()), true
	default:
		return 0, false
	}
}

// numericKB extracts a whole-KB size from any numeric BSON value, rounding
// fractional sizes up. Estimates written by older tooling may be doubles.
func numericKB(v bson.RawValue) (int64, bool) {
	f, ok := numericValue(v)
	if !ok {
		return 0, false
	}
	return int64(math.Ceil(f)), true
}

// Ensure Router implements cluster.Client.
var _ cluster.Client = (*Router)(nil)
