package livedbmongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/share/livedb-mongo/core"
)

// CommitResult carries the outcome of a Commit call (spec section 4.4
// "commit(C, id, op, snapshot) → {ok|retry}"). A false Ok with a nil Err is
// the benign "lost the race, caller should retry" outcome: no unexpected
// store error occurred.
type CommitResult struct {
	Ok  bool
	Err error
}

// Commit performs the two-phase write: insert the op, then CAS-advance the
// snapshot, cleaning up the orphaned op on contention (spec section 4.4).
//
// Preconditions: op.V is set to the version this op advances to, and
// snapshot.OpLink holds the op link of the version being replaced (nil for
// a first version). It is written as the new op's o field; the stored
// document's _o is set from the freshly-inserted op's id.
func Commit(ctx context.Context, snapshotColl, opColl *mongo.Collection, id string, op Op, snapshot Snapshot) CommitResult {
	// 1. Insert op. Never mutate the caller's op; the prior op's link comes
	// from the snapshot handed in by the OT server.
	toInsert := op
	toInsert.ID = nil
	toInsert.D = id
	toInsert.O = snapshot.OpLink

	insertRes, err := opColl.InsertOne(ctx, toInsert)
	if err != nil {
		return CommitResult{Ok: false, Err: err}
	}
	opID := insertRes.InsertedID

	// 2. Advance snapshot (CAS).
	doc := CastToDoc(id, snapshot, opID)

	var advanced bool
	var advanceErr error

	if snapshot.V == 1 {
		_, err := snapshotColl.InsertOne(ctx, doc)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				// Two concurrent creates raced; this one lost. Non-
				// destructive: no unexpected error, just ok=false.
				advanced, advanceErr = false, nil
			} else {
				advanced, advanceErr = false, err
			}
		} else {
			advanced = true
		}
	} else {
		filter := bson.M{FieldID: id, FieldV: snapshot.V - 1}
		res, err := snapshotColl.ReplaceOne(ctx, filter, doc)
		if err != nil {
			advanced, advanceErr = false, err
		} else {
			advanced = res.ModifiedCount == 1
		}
	}

	if advanced {
		return CommitResult{Ok: true}
	}

	// 3. Cleanup: the op is now orphaned. Its presence is harmless (readers
	// only trust the snapshot's _o reachability root), so a cleanup
	// failure here is logged and otherwise swallowed unless there is no
	// primary error to report instead.
	if _, delErr := opColl.DeleteOne(ctx, bson.M{FieldID: opID}); delErr != nil {
		core.Warn("failed to clean up orphaned op after lost commit race",
			zap.String("collection", opColl.Name()),
			zap.String("docID", id),
			zap.Error(delErr))
		if advanceErr == nil {
			advanceErr = delErr
		}
	}

	return CommitResult{Ok: false, Err: advanceErr}
}

// GetCommittedOpVersion implements the idempotency check (spec section
// 4.4): it reports the version at which a client-retried submission
// (identified by op.Src/op.Seq) was already committed, if any, by
// confirming a matching op is reachable from snapshot's canonical chain —
// not merely present as an orphan from a lost commit race.
func GetCommittedOpVersion(ctx context.Context, opColl *mongo.Collection, id string, snapshot Snapshot, op Op) (*uint64, error) {
	if op.Src == "" {
		return nil, nil
	}

	// Fast existence check using the {src,seq,v} index before paying for a
	// full chain walk.
	var earliest opDoc
	err := opColl.FindOne(ctx, bson.M{"src": op.Src, "seq": op.Seq},
		options.FindOne().SetSort(bson.D{{Key: "v", Value: 1}})).Decode(&earliest)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}

	ops, err := GetOpsToSnapshot(ctx, opColl, id, nil, snapshot)
	if err != nil {
		return nil, err
	}
	for _, o := range ops {
		if o.Src == op.Src && o.Seq == op.Seq {
			v := o.V
			return &v, nil
		}
	}
	return nil, nil
}
