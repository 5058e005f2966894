// Package mongo implements the cluster.Client interface against a live
// sharded cluster through a mongos router.
//
// Usage:
//
//	client, err := mongo.New(ctx, mongo.Config{
//	    URI: "mongodb://router.example.com:27017",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// Chunk metadata is read directly from the config database. Clusters that
// record collection timestamps (5.0+) key chunk documents by collection
// UUID; older clusters key them by namespace string. Both layouts are
// handled transparently.
//
// Range sizes come from the dataSize command with estimate mode enabled,
// and merges go through the mergeChunks admin command. A merge that loses
// the metadata range lock to a concurrent operation surfaces as
// cluster.ErrRangeLockConflict so callers can skip the candidate instead
// of aborting the run.
package mongo
