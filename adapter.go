package livedbmongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Adapter is the public entry point: a MongoDB-backed store for an
// operational-transformation document-sync server (spec section 6). It owns
// one connection manager (primary plus optional lagging poll store) and one
// op-collection index cache, both per-instance rather than package-global
// (spec section 9 design note).
type Adapter struct {
	conn    *ConnectionManager
	opColls *opCollectionManager
	query   QueryOptions
}

// New connects to the store(s) described by opts and returns an Adapter
// ready to accept operations; the connection itself completes
// asynchronously (spec section 4.2).
func New(ctx context.Context, opts Options) (*Adapter, error) {
	primary := storeConfig{URI: opts.Mongo, Connector: opts.MongoConnector, Options: opts.MongoOptions, Database: opts.Database}
	poll := storeConfig{URI: opts.MongoPoll, Connector: opts.MongoPollConnector, Options: opts.MongoPollOptions, Database: opts.Database}

	conn, err := NewConnectionManager(ctx, primary, poll, opts.PollDelay)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		conn:    conn,
		opColls: newOpCollectionManager(opts.DisableIndexCreation),
		query: QueryOptions{
			AllowJSQueries:        opts.AllowJSQueries || opts.AllowAllQueries,
			AllowAggregateQueries: opts.AllowAggregateQueries || opts.AllowAllQueries,
		},
	}, nil
}

func (a *Adapter) snapshotCollection(ctx context.Context, db *mongo.Database, collection string) (*mongo.Collection, error) {
	if err := validateCollectionName(collection); err != nil {
		return nil, err
	}
	return db.Collection(collection), nil
}

// Commit inserts op and CAS-advances collection/id's snapshot to match
// (spec section 6 "commit").
func (a *Adapter) Commit(ctx context.Context, collection, id string, op Op, snapshot Snapshot) (CommitResult, error) {
	db, err := a.conn.Primary(ctx)
	if err != nil {
		return CommitResult{}, err
	}
	snapColl, err := a.snapshotCollection(ctx, db, collection)
	if err != nil {
		return CommitResult{}, err
	}
	opColl, err := a.opColls.Collection(ctx, db, collection)
	if err != nil {
		return CommitResult{}, err
	}

	return Commit(ctx, snapColl, opColl, id, op, snapshot), nil
}

// GetCommittedOpVersion reports the version at which a previously retried
// submission already committed, if any (spec section 6).
func (a *Adapter) GetCommittedOpVersion(ctx context.Context, collection, id string, snapshot Snapshot, op Op) (*uint64, error) {
	db, err := a.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}
	opColl, err := a.opColls.Collection(ctx, db, collection)
	if err != nil {
		return nil, err
	}
	return GetCommittedOpVersion(ctx, opColl, id, snapshot, op)
}

// GetSnapshot fetches the current snapshot of collection/id, or the
// canonical deleted shape if no document exists (spec section 6
// "getSnapshot").
func (a *Adapter) GetSnapshot(ctx context.Context, collection, id string, fields bson.M) (Snapshot, error) {
	db, err := a.conn.Primary(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	coll, err := a.snapshotCollection(ctx, db, collection)
	if err != nil {
		return Snapshot{}, err
	}

	var doc bson.M
	err = coll.FindOne(ctx, bson.M{FieldID: id}, options.FindOne().SetProjection(getProjection(fields))).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return deletedSnapshot(id, 0), nil
		}
		return Snapshot{}, err
	}
	return CastToSnapshot(doc), nil
}

// GetSnapshotBulk fetches many snapshots in one round trip, filling in the
// canonical deleted shape for any id with no document (spec section 6
// "getSnapshotBulk").
func (a *Adapter) GetSnapshotBulk(ctx context.Context, collection string, ids []string, fields bson.M) (map[string]Snapshot, error) {
	db, err := a.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := a.snapshotCollection(ctx, db, collection)
	if err != nil {
		return nil, err
	}

	cur, err := coll.Find(ctx, bson.M{FieldID: bson.M{"$in": ids}}, options.Find().SetProjection(getProjection(fields)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make(map[string]Snapshot, len(ids))
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		snap := CastToSnapshot(doc)
		out[snap.ID] = snap
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, ok := out[id]; !ok {
			out[id] = deletedSnapshot(id, 0)
		}
	}
	return out, nil
}

// GetOps recovers the linear op history [from, to) for collection/id (spec
// section 6 "getOps").
func (a *Adapter) GetOps(ctx context.Context, collection, id string, from, to *uint64) ([]Op, error) {
	db, err := a.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}
	snapColl, err := a.snapshotCollection(ctx, db, collection)
	if err != nil {
		return nil, err
	}
	opColl, err := a.opColls.Collection(ctx, db, collection)
	if err != nil {
		return nil, err
	}
	return GetOps(ctx, snapColl, opColl, id, from, to)
}

// GetOpsToSnapshot recovers the op history up to a caller-supplied snapshot
// rather than the store's current one (spec section 6 "getOpsToSnapshot").
func (a *Adapter) GetOpsToSnapshot(ctx context.Context, collection, id string, from *uint64, snapshot Snapshot) ([]Op, error) {
	db, err := a.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}
	opColl, err := a.opColls.Collection(ctx, db, collection)
	if err != nil {
		return nil, err
	}
	return GetOpsToSnapshot(ctx, opColl, id, from, snapshot)
}

// GetOpsBulk is the bulk form of GetOps (spec section 6 "getOpsBulk").
func (a *Adapter) GetOpsBulk(ctx context.Context, collection string, fromMap, toMap map[string]*uint64) (map[string][]Op, error) {
	db, err := a.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}
	snapColl, err := a.snapshotCollection(ctx, db, collection)
	if err != nil {
		return nil, err
	}
	opColl, err := a.opColls.Collection(ctx, db, collection)
	if err != nil {
		return nil, err
	}
	return GetOpsBulk(ctx, snapColl, opColl, fromMap, toMap)
}

// Query runs q against collection on the primary store (spec section 6
// "query").
func (a *Adapter) Query(ctx context.Context, collection string, q, fields bson.M) ([]Snapshot, interface{}, error) {
	db, err := a.conn.Primary(ctx)
	if err != nil {
		return nil, nil, err
	}
	coll, err := a.snapshotCollection(ctx, db, collection)
	if err != nil {
		return nil, nil, err
	}
	return Query(ctx, coll, q, fields, a.query)
}

// QueryPoll runs q against collection on the poll store, waiting out the
// configured replication-lag tolerance first (spec section 6 "queryPoll").
func (a *Adapter) QueryPoll(ctx context.Context, collection string, q bson.M) ([]string, interface{}, error) {
	if err := a.conn.AwaitPollDelay(ctx); err != nil {
		return nil, nil, err
	}
	db, err := a.conn.Poll(ctx)
	if err != nil {
		return nil, nil, err
	}
	coll, err := a.snapshotCollection(ctx, db, collection)
	if err != nil {
		return nil, nil, err
	}
	return QueryPoll(ctx, coll, q, a.query)
}

// CanPollDoc reports whether q is simple enough to refine to a single
// document check (spec section 6 "canPollDoc").
func (a *Adapter) CanPollDoc(collection string, q bson.M) bool {
	return CanPollDoc(q)
}

// SkipPoll reports whether op is guaranteed not to affect whether document
// id matches q, letting the caller skip the poll round trip entirely (spec
// section 6 "skipPoll").
func (a *Adapter) SkipPoll(collection, id string, op Op, q bson.M) bool {
	return SkipPoll(id, op, q)
}

// QueryPollDoc refines q to a single document and checks it against the
// poll store (spec section 6 "queryPollDoc").
func (a *Adapter) QueryPollDoc(ctx context.Context, collection, id string, q bson.M) (bool, error) {
	if err := a.conn.AwaitPollDelay(ctx); err != nil {
		return false, err
	}
	db, err := a.conn.Poll(ctx)
	if err != nil {
		return false, err
	}
	coll, err := a.snapshotCollection(ctx, db, collection)
	if err != nil {
		return false, err
	}
	return QueryPollDoc(ctx, coll, id, q, a.query)
}

// Close releases the underlying store connections (spec section 6
// "close").
func (a *Adapter) Close(ctx context.Context) error {
	return a.conn.Close(ctx)
}
