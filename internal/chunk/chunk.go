// Package chunk defines the metadata value types the defragmenter operates
// on: chunk ranges, version stamps, shard identifiers, and namespaces.
//
// A chunk is a contiguous half-open key range [min, max) owned by exactly one
// shard. Chunk bounds are BSON documents over the collection's shard-key
// pattern; the cluster owns their ordering, so this package only ever compares
// bounds for equality.
package chunk

import (
	"bytes"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ShardID identifies a shard in the cluster.
type ShardID string

// Key is a chunk bound: a raw BSON document over the shard-key pattern.
// Keys are compared byte-wise; two bounds are the same bound exactly when
// their raw encodings match, which holds for bounds read back from the
// cluster's chunk metadata.
type Key bson.Raw

// Equal reports whether two keys are byte-identical.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return len(k) == 0
}

// String renders the key as canonical extended JSON for logs and reports.
func (k Key) String() string {
	if k.IsZero() {
		return "{}"
	}
	return bson.Raw(k).String()
}

// Version is a chunk version stamp. The cluster bumps the major component
// when routing-relevant placement changes and the minor component otherwise.
// Routers invalidate their caches on major bumps only.
type Version struct {
	Major uint32
	Minor uint32
}

// VersionFromTimestamp converts the BSON timestamp representation used by the
// cluster's chunk documents (lastmod) into a Version.
func VersionFromTimestamp(ts primitive.Timestamp) Version {
	return Version{Major: ts.T, Minor: ts.I}
}

// Timestamp converts the version back to its BSON wire representation.
func (v Version) Timestamp() primitive.Timestamp {
	return primitive.Timestamp{T: v.Major, I: v.Minor}
}

// Compare orders versions by major then minor. It returns -1, 0 or 1.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major < other.Major:
		return -1
	case v.Major > other.Major:
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	default:
		return 0
	}
}

// Less reports whether v orders strictly before other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

// SameMajor reports whether both versions share the major component. A shard
// whose version shares the collection version's major component can be merged
// without triggering router refresh stalls.
func (v Version) SameMajor(other Version) bool {
	return v.Major == other.Major
}

// IsZero reports whether the version is unset. Real chunk versions always
// have a major component of at least 1.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

// String renders the version in the cluster's major|minor notation.
func (v Version) String() string {
	return fmt.Sprintf("%d|%d", v.Major, v.Minor)
}

// Range is a half-open key interval [Min, Max).
type Range struct {
	Min Key
	Max Key
}

// String renders the range for logs and reports.
func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Min, r.Max)
}

// Chunk is one contiguous key range owned by a single shard, as read from the
// cluster's chunk metadata. Chunks are immutable once loaded; version bumps
// happen on the cluster as a side effect of merges, never in memory.
type Chunk struct {
	Range
	Shard   ShardID
	Version Version

	// StoredEstimateKB is a size estimate persisted onto the chunk document
	// by an earlier defragmentation run. Valid only when HasStoredEstimate
	// is true.
	StoredEstimateKB  int64
	HasStoredEstimate bool
}

// Precedes reports whether c is immediately followed by next in key order,
// that is, whether the two chunks are physically adjacent and mergeable.
func (c Chunk) Precedes(next Chunk) bool {
	return c.Max.Equal(next.Min)
}

// Namespace is a fully qualified "database.collection" name.
type Namespace struct {
	DB   string
	Coll string
}

// ParseNamespace splits a fully qualified namespace on its first dot.
// Collection names may themselves contain dots.
func ParseNamespace(s string) (Namespace, error) {
	db, coll, ok := strings.Cut(s, ".")
	if !ok || db == "" || coll == "" {
		return Namespace{}, fmt.Errorf("chunk: invalid namespace %q: want database.collection", s)
	}
	return Namespace{DB: db, Coll: coll}, nil
}

// String returns the fully qualified form.
func (n Namespace) String() string {
	return n.DB + "." + n.Coll
}

// IsZero reports whether the namespace is unset.
func (n Namespace) IsZero() bool {
	return n.DB == "" && n.Coll == ""
}
