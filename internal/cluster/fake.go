package cluster

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/chunkd-io/chunkd/internal/chunk"
)

// Fake implements Client in memory for testing. It is exported so that tests
// in other packages can use it.
//
// Merges behave like the real cluster's metadata service: the covered run of
// contiguous chunks is replaced by a single chunk carrying a freshly bumped
// version. Range sizes come from explicitly seeded values, falling back to a
// configurable default; an unseeded measurement is an error so tests stay
// explicit about sizes.
type Fake struct {
	mu          sync.Mutex
	collections map[string]CollectionInfo
	chunks      map[string][]chunk.Chunk
	versions    map[string]chunk.Version
	settings    map[string]bson.Raw
	router      bool
	fcv         string
	closed      bool

	rangeSizes         map[string]int64
	defaultRangeSizeKB int64
	mergeFailures      map[chunk.ShardID][]error
	estimateWriteErr   error

	mergeCalls     []MergeCall
	sizeCalls      []SizeCall
	estimateWrites []EstimateWrite
}

// MergeCall records one MergeChunks invocation.
type MergeCall struct {
	NS    string
	Range chunk.Range
	Err   error
}

// SizeCall records one RangeSizeKB invocation.
type SizeCall struct {
	NS     string
	Range  chunk.Range
	SizeKB int64
}

// EstimateWrite records one StoreChunkSizeEstimate invocation.
type EstimateWrite struct {
	NS     string
	Range  chunk.Range
	Shard  chunk.ShardID
	SizeKB int64
}

// NewFake creates an empty fake cluster that reports itself as a router
// running FCV 8.0.
func NewFake() *Fake {
	return &Fake{
		collections:   make(map[string]CollectionInfo),
		chunks:        make(map[string][]chunk.Chunk),
		versions:      make(map[string]chunk.Version),
		settings:      make(map[string]bson.Raw),
		router:        true,
		fcv:           "8.0",
		rangeSizes:    make(map[string]int64),
		mergeFailures: make(map[chunk.ShardID][]error),
	}
}

// Int64Key builds a single-field bound document {x: v}. Test helper matching
// the fake's default shard-key pattern.
func Int64Key(v int64) chunk.Key {
	raw, err := bson.Marshal(bson.D{{Key: "x", Value: v}})
	if err != nil {
		panic(err)
	}
	return chunk.Key(raw)
}

// DefaultKeyPattern returns the {x: 1} shard-key pattern used by Int64Key.
func DefaultKeyPattern() bson.Raw {
	raw, err := bson.Marshal(bson.D{{Key: "x", Value: int32(1)}})
	if err != nil {
		panic(err)
	}
	return raw
}

func rangeKey(r chunk.Range) string {
	return string(r.Min) + "\x00" + string(r.Max)
}

// AddCollection registers ns as sharded with the given key pattern.
func (f *Fake) AddCollection(ns chunk.Namespace, keyPattern bson.Raw) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[ns.String()] = CollectionInfo{Namespace: ns, KeyPattern: keyPattern}
}

// AddChunks seeds chunks for ns. Callers provide them sorted by min key, the
// order the config database returns them in.
func (f *Fake) AddChunks(ns chunk.Namespace, chunks ...chunk.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ns.String()
	f.chunks[key] = append(f.chunks[key], chunks...)
	v := f.versions[key]
	for _, c := range chunks {
		if v.Less(c.Version) {
			v = c.Version
		}
	}
	f.versions[key] = v
}

// SetSetting installs a raw settings document under the given ID.
func (f *Fake) SetSetting(id string, doc bson.Raw) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[id] = doc
}

// RemoveSetting deletes a settings document, simulating an unconfigured
// cluster.
func (f *Fake) RemoveSetting(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.settings, id)
}

// SetBalancerMode installs a balancer settings document with the given mode.
func (f *Fake) SetBalancerMode(mode string) {
	doc, err := bson.Marshal(bson.D{{Key: "_id", Value: SettingBalancer}, {Key: "mode", Value: mode}})
	if err != nil {
		panic(err)
	}
	f.SetSetting(SettingBalancer, doc)
}

// SetAutosplitEnabled installs an autosplit settings document.
func (f *Fake) SetAutosplitEnabled(enabled bool) {
	doc, err := bson.Marshal(bson.D{{Key: "_id", Value: SettingAutosplit}, {Key: "enabled", Value: enabled}})
	if err != nil {
		panic(err)
	}
	f.SetSetting(SettingAutosplit, doc)
}

// SetChunkSizeMB installs a chunksize settings document (value in MB).
func (f *Fake) SetChunkSizeMB(mb float64) {
	doc, err := bson.Marshal(bson.D{{Key: "_id", Value: SettingChunkSize}, {Key: "value", Value: mb}})
	if err != nil {
		panic(err)
	}
	f.SetSetting(SettingChunkSize, doc)
}

// SetRouter controls whether VerifyRouter succeeds.
func (f *Fake) SetRouter(router bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.router = router
}

// SetRangeSizeKB seeds the measured size for an exact range.
func (f *Fake) SetRangeSizeKB(r chunk.Range, sizeKB int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeSizes[rangeKey(r)] = sizeKB
}

// SetDefaultRangeSizeKB sets the fallback for ranges without a seeded size.
// Zero (the initial value) makes unseeded measurements fail.
func (f *Fake) SetDefaultRangeSizeKB(sizeKB int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultRangeSizeKB = sizeKB
}

// QueueMergeFailure arranges for the shard's next MergeChunks call to fail
// with err. Repeated calls queue further failures.
func (f *Fake) QueueMergeFailure(shard chunk.ShardID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeFailures[shard] = append(f.mergeFailures[shard], err)
}

// SetEstimateWriteErr makes StoreChunkSizeEstimate fail with err.
func (f *Fake) SetEstimateWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimateWriteErr = err
}

// Chunks returns a copy of the current chunk list for ns.
func (f *Fake) Chunks(ns chunk.Namespace) []chunk.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chunk.Chunk, len(f.chunks[ns.String()]))
	copy(out, f.chunks[ns.String()])
	return out
}

// MergeCalls returns all recorded MergeChunks invocations in order.
func (f *Fake) MergeCalls() []MergeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MergeCall, len(f.mergeCalls))
	copy(out, f.mergeCalls)
	return out
}

// SizeCalls returns all recorded RangeSizeKB invocations in order.
func (f *Fake) SizeCalls() []SizeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SizeCall, len(f.sizeCalls))
	copy(out, f.sizeCalls)
	return out
}

// EstimateWrites returns all recorded StoreChunkSizeEstimate invocations.
func (f *Fake) EstimateWrites() []EstimateWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EstimateWrite, len(f.estimateWrites))
	copy(out, f.estimateWrites)
	return out
}

func (f *Fake) CollectionInfo(_ context.Context, ns chunk.Namespace) (CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return CollectionInfo{}, ErrClosed
	}
	info, ok := f.collections[ns.String()]
	if !ok {
		return CollectionInfo{}, fmt.Errorf("%w: %s", ErrNamespaceNotSharded, ns)
	}
	return info, nil
}

func (f *Fake) CountChunks(_ context.Context, ns chunk.Namespace) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	return int64(len(f.chunks[ns.String()])), nil
}

func (f *Fake) ForEachChunk(ctx context.Context, ns chunk.Namespace, fn func(chunk.Chunk) error) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	snapshot := make([]chunk.Chunk, len(f.chunks[ns.String()]))
	copy(snapshot, f.chunks[ns.String()])
	f.mu.Unlock()

	for _, c := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) RangeSizeKB(ctx context.Context, ns chunk.Namespace, _ bson.Raw, r chunk.Range) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}

	size, ok := f.rangeSizes[rangeKey(r)]
	if !ok {
		if f.defaultRangeSizeKB == 0 {
			return 0, fmt.Errorf("fake: no size seeded for range %s", r)
		}
		size = f.defaultRangeSizeKB
	}
	f.sizeCalls = append(f.sizeCalls, SizeCall{NS: ns.String(), Range: r, SizeKB: size})
	return size, nil
}

func (f *Fake) MergeChunks(ctx context.Context, ns chunk.Namespace, r chunk.Range) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	key := ns.String()
	run, start, end, err := f.coveredRun(key, r)
	if err != nil {
		f.mergeCalls = append(f.mergeCalls, MergeCall{NS: key, Range: r, Err: err})
		return err
	}

	shard := run[0].Shard
	if queue := f.mergeFailures[shard]; len(queue) > 0 {
		failure := queue[0]
		f.mergeFailures[shard] = queue[1:]
		f.mergeCalls = append(f.mergeCalls, MergeCall{NS: key, Range: r, Err: failure})
		return failure
	}

	v := f.versions[key]
	v.Minor++
	f.versions[key] = v

	merged := chunk.Chunk{Range: r, Shard: shard, Version: v}
	chunks := f.chunks[key]
	out := make([]chunk.Chunk, 0, len(chunks)-(end-start)+1)
	out = append(out, chunks[:start]...)
	out = append(out, merged)
	out = append(out, chunks[end:]...)
	f.chunks[key] = out

	f.mergeCalls = append(f.mergeCalls, MergeCall{NS: key, Range: r})
	return nil
}

// coveredRun locates the contiguous single-shard run of chunks spanning
// exactly [r.Min, r.Max). Callers hold f.mu.
func (f *Fake) coveredRun(key string, r chunk.Range) ([]chunk.Chunk, int, int, error) {
	chunks := f.chunks[key]
	start := -1
	for i, c := range chunks {
		if c.Min.Equal(r.Min) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, 0, 0, fmt.Errorf("fake: no chunk starts at %s", r.Min)
	}

	end := start
	for end < len(chunks) {
		c := chunks[end]
		if c.Shard != chunks[start].Shard {
			return nil, 0, 0, fmt.Errorf("fake: range %s spans shards %s and %s", r, chunks[start].Shard, c.Shard)
		}
		if end > start && !chunks[end-1].Precedes(c) {
			return nil, 0, 0, fmt.Errorf("fake: range %s crosses a gap at %s", r, c.Min)
		}
		end++
		if c.Max.Equal(r.Max) {
			return chunks[start:end], start, end, nil
		}
	}
	return nil, 0, 0, fmt.Errorf("fake: no chunk ends at %s", r.Max)
}

func (f *Fake) StoreChunkSizeEstimate(ctx context.Context, ns chunk.Namespace, r chunk.Range, shard chunk.ShardID, sizeKB int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.estimateWriteErr != nil {
		return f.estimateWriteErr
	}

	key := ns.String()
	for i, c := range f.chunks[key] {
		if c.Shard == shard && c.Min.Equal(r.Min) && c.Max.Equal(r.Max) {
			f.chunks[key][i].StoredEstimateKB = sizeKB
			f.chunks[key][i].HasStoredEstimate = true
			f.estimateWrites = append(f.estimateWrites, EstimateWrite{NS: key, Range: r, Shard: shard, SizeKB: sizeKB})
			return nil
		}
	}
	return fmt.Errorf("fake: no chunk matches %s on shard %s", r, shard)
}

func (f *Fake) Setting(_ context.Context, id string) (bson.Raw, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, ErrClosed
	}
	doc, ok := f.settings[id]
	return doc, ok, nil
}

func (f *Fake) VerifyRouter(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if !f.router {
		return ErrNotRouter
	}
	return nil
}

func (f *Fake) FeatureCompatibilityVersion(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", ErrClosed
	}
	return f.fcv, nil
}

func (f *Fake) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Ensure Fake implements Client.
var _ Client = (*Fake)(nil)
