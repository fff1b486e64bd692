package livedbmongo

import (
	"context"
	"errors"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// snapshotLinkProjection is shared across getOps and getOpsBulk: readers
// only need the fields that drive link reconstruction.
var snapshotLinkProjection = bson.M{FieldV: 1, FieldO: 1}

// opLinkProjection excludes the fields the op log reader never surfaces to
// callers: d (redundant with the requested id) and m (never projected to
// readers per spec section 3 "Op").
var opLinkProjection = bson.M{"d": 0, "m": 0}

// linkFilterOps reconstructs the canonical op chain from a slice of ops
// sorted ascending by v (spec section 4.5 step 5).
//
// Walking from newest to oldest, an op is kept iff its _id equals the
// current link and its v is below the (optional) upper bound; whenever the
// _id equals the link, link advances to that op's stored predecessor, kept
// or not, so ops at or above the bound still lead down to older ones. This
// selects exactly the
// canonical ops even when duplicate (d,v) pairs exist from lost commit
// races, because only the op actually reachable from the link is ever kept.
func linkFilterOps(ops []opDoc, startLink interface{}, to *uint64) []Op {
	link := startLink
	kept := make([]Op, 0, len(ops))

	for i := len(ops) - 1; i >= 0; i-- {
		o := ops[i]
		if !idsEqual(o.ID, link) {
			continue
		}
		link = o.O
		if to != nil && !(o.V < *to) {
			continue
		}
		kept = append(kept, o.toOp())
	}

	// kept was built newest-first; reverse in place to ascending order.
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return kept
}

// latestDeleteOp scans ops newest to oldest for the most recent delete op,
// used when a document's snapshot row is missing entirely (spec section
// 4.5 step 6).
func latestDeleteOp(ops []opDoc) *opDoc {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Del {
			return &ops[i]
		}
	}
	return nil
}

// validateOpChain applies the gap check (spec section 4.5 step 7): a
// non-empty requested lower bound must be exactly covered by the
// reconstructed chain, or the caller is told about a break in the history.
func validateOpChain(filtered []Op, from *uint64) ([]Op, error) {
	if from == nil {
		return filtered, nil
	}
	if len(filtered) == 0 || filtered[0].V != *from {
		return nil, ErrMissingOps
	}
	return filtered, nil
}

// stripLinkFields clears _id and o on every op before it crosses the
// external getOps API: both are this reader's internal chain-linking
// fields, never part of the op contract callers see (spec section 6
// "getOps").
func stripLinkFields(ops []Op) []Op {
	for i := range ops {
		ops[i].ID = nil
		ops[i].O = nil
	}
	return ops
}

// fetchSortedOps runs the op-log query shared by getOps and getOpsToSnapshot
// (spec section 4.5 step 4): all ops for document id with v >= from (or all
// ops when from is nil), sorted ascending by v, with d and m projected out.
func fetchSortedOps(ctx context.Context, opColl *mongo.Collection, id string, from *uint64) ([]opDoc, error) {
	filter := bson.M{"d": id}
	if from != nil {
		filter["v"] = bson.M{"$gte": *from}
	}

	cur, err := opColl.Find(ctx, filter, options.Find().
		SetProjection(opLinkProjection).
		SetSort(bson.D{{Key: "v", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []opDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// GetOps recovers the linear op sequence [from, to) for document id (spec
// section 4.5). from and to are both optional; from == nil means "from the
// beginning", to == nil means "open-ended".
func GetOps(ctx context.Context, snapshotColl, opColl *mongo.Collection, id string, from, to *uint64) ([]Op, error) {
	var snapDoc bson.M
	err := snapshotColl.FindOne(ctx, bson.M{FieldID: id}, options.FindOne().SetProjection(snapshotLinkProjection)).Decode(&snapDoc)
	snapshotExists := err == nil
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	var link interface{}

	if snapshotExists {
		snapV := toUint64(snapDoc[FieldV])
		if from != nil && snapV == *from {
			return []Op{}, nil
		}
		if snapDoc[FieldO] == nil {
			return nil, ErrMissingLastOperation
		}
		link = snapDoc[FieldO]
	}

	ops, err := fetchSortedOps(ctx, opColl, id, from)
	if err != nil {
		return nil, err
	}

	if !snapshotExists {
		del := latestDeleteOp(ops)
		if del == nil {
			// Created but its snapshot write never completed; readers
			// should not observe partial state.
			return []Op{}, nil
		}
		link = del.ID
	}

	filtered := linkFilterOps(ops, link, to)
	validated, err := validateOpChain(filtered, from)
	if err != nil {
		return nil, err
	}
	return stripLinkFields(validated), nil
}

// GetOpsToSnapshot link-filters the op chain against a caller-supplied
// snapshot's op link, rather than re-reading the snapshot row (spec section
// 6: "Link-filters against snapshot._opLink specifically").
func GetOpsToSnapshot(ctx context.Context, opColl *mongo.Collection, id string, from *uint64, snapshot Snapshot) ([]Op, error) {
	if from != nil && snapshot.V == *from {
		return []Op{}, nil
	}
	if snapshot.OpLink == nil {
		return nil, ErrMissingLastOperation
	}

	ops, err := fetchSortedOps(ctx, opColl, id, from)
	if err != nil {
		return nil, err
	}

	filtered := linkFilterOps(ops, snapshot.OpLink, nil)
	validated, err := validateOpChain(filtered, from)
	if err != nil {
		return nil, err
	}
	return stripLinkFields(validated), nil
}

// GetOpsBulk is the bulk form of GetOps for many documents at once (spec
// section 4.5 "Bulk variant"). fromMap's keys define the requested document
// ids; toMap supplies a per-id optional upper bound.
func GetOpsBulk(ctx context.Context, snapshotColl, opColl *mongo.Collection, fromMap map[string]*uint64, toMap map[string]*uint64) (map[string][]Op, error) {
	ids := make([]string, 0, len(fromMap))
	for id := range fromMap {
		ids = append(ids, id)
	}

	snapCur, err := snapshotColl.Find(ctx, bson.M{FieldID: bson.M{"$in": ids}}, options.Find().SetProjection(snapshotLinkProjection))
	if err != nil {
		return nil, err
	}
	defer snapCur.Close(ctx)

	type snapInfo struct {
		v      uint64
		o      interface{}
		exists bool
	}
	snaps := make(map[string]snapInfo, len(ids))
	for snapCur.Next(ctx) {
		var doc bson.M
		if err := snapCur.Decode(&doc); err != nil {
			return nil, err
		}
		id, _ := doc[FieldID].(string)
		snaps[id] = snapInfo{v: toUint64(doc[FieldV]), o: doc[FieldO], exists: true}
	}
	if err := snapCur.Err(); err != nil {
		return nil, err
	}

	result := make(map[string][]Op, len(ids))
	var orConds []bson.M
	for _, id := range ids {
		from := fromMap[id]
		if info, ok := snaps[id]; ok && from != nil && info.v == *from {
			result[id] = []Op{}
			continue
		}
		cond := bson.M{"d": id}
		if from != nil {
			cond["v"] = bson.M{"$gte": *from}
		}
		orConds = append(orConds, cond)
	}

	if len(orConds) == 0 {
		return result, nil
	}

	cur, err := opColl.Find(ctx, bson.M{"$or": orConds}, options.Find().SetProjection(opLinkProjection))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	byDoc := make(map[string][]opDoc)
	for cur.Next(ctx) {
		var doc opDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		byDoc[doc.D] = append(byDoc[doc.D], doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	for id, ops := range byDoc {
		sort.Slice(ops, func(i, j int) bool { return ops[i].V < ops[j].V })

		from := fromMap[id]
		to := toMap[id]

		var link interface{}
		info, hasSnap := snaps[id]
		if hasSnap {
			if info.o == nil {
				return nil, ErrMissingLastOperation
			}
			link = info.o
		} else {
			del := latestDeleteOp(ops)
			if del == nil {
				result[id] = []Op{}
				continue
			}
			link = del.ID
		}

		filtered := linkFilterOps(ops, link, to)
		validated, err := validateOpChain(filtered, from)
		if err != nil {
			return nil, err
		}
		result[id] = stripLinkFields(validated)
	}

	// Any id whose $or condition produced no op rows (e.g. a document that
	// was created but never committed a snapshot) still needs an entry.
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			result[id] = []Op{}
		}
	}

	return result, nil
}
