package livedbmongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestLinkFilterOpsDropsOrphanedRace(t *testing.T) {
	// Two ops were inserted at v=2 in a race (op-2a, op-2b) and only
	// op-2a's commit actually advanced the snapshot, whose link chain runs
	// op-3 -> op-2a -> op-1. op-2b is a store-level orphan and must never
	// appear in the reconstructed chain.
	ops := []opDoc{
		{ID: "op-1", V: 1, O: nil},
		{ID: "op-2a", V: 2, O: "op-1"},
		{ID: "op-2b", V: 2, O: "op-1"},
		{ID: "op-3", V: 3, O: "op-2a"},
	}

	kept := linkFilterOps(ops, "op-3", nil)
	require.Len(t, kept, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{kept[0].V, kept[1].V, kept[2].V})
	assert.Equal(t, "op-2a", kept[1].ID)
}

func TestLinkFilterOpsRespectsUpperBound(t *testing.T) {
	ops := []opDoc{
		{ID: "op-1", V: 1, O: nil},
		{ID: "op-2", V: 2, O: "op-1"},
		{ID: "op-3", V: 3, O: "op-2"},
	}
	to := uint64(2)
	kept := linkFilterOps(ops, "op-3", &to)
	require.Len(t, kept, 1)
	assert.Equal(t, uint64(1), kept[0].V)
}

func TestValidateOpChainGapDetection(t *testing.T) {
	from := uint64(1)

	// Lost the v=1 op entirely: the chain starts at v=2, which doesn't
	// match the requested lower bound of 1.
	ops := []Op{{V: 2}, {V: 3}}
	_, err := validateOpChain(ops, &from)
	assert.ErrorIs(t, err, ErrMissingOps)

	ok, err := validateOpChain([]Op{{V: 1}, {V: 2}}, &from)
	assert.NoError(t, err)
	assert.Len(t, ok, 2)

	ok, err = validateOpChain(nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, ok)
}

func TestLatestDeleteOp(t *testing.T) {
	ops := []opDoc{
		{ID: "op-1", V: 1},
		{ID: "op-2", V: 2, Del: true},
		{ID: "op-3", V: 3},
	}
	del := latestDeleteOp(ops)
	require.NotNil(t, del)
	assert.Equal(t, "op-2", del.ID)

	assert.Nil(t, latestDeleteOp([]opDoc{{ID: "op-1", V: 1}}))
}

func TestStripLinkFieldsClearsIDAndO(t *testing.T) {
	ops := []Op{
		{ID: "op-1", V: 1, O: nil},
		{ID: "op-2", V: 2, O: "op-1"},
	}
	stripped := stripLinkFields(ops)
	for _, op := range stripped {
		assert.Nil(t, op.ID)
		assert.Nil(t, op.O)
	}
}

func TestGetOpsLiveScenarios(t *testing.T) {
	db, cleanup := connectTestDB(t)
	defer cleanup()

	ctx := context.Background()
	const collection = "oplog_scenarios"
	snapColl := db.Collection(collection)
	opColl := db.Collection(opCollectionName(collection))

	id := "doc1"
	jsonType := "http://sharejs.org/types/JSONv0"

	// v1 create
	snap1 := Snapshot{ID: id, V: 1, Type: &jsonType, Data: bson.M{"x": 1}}
	res := Commit(ctx, snapColl, opColl, id, Op{V: 1, Create: bson.M{"type": jsonType}}, snap1)
	require.True(t, res.Ok, res.Err)

	var stored bson.M
	require.NoError(t, snapColl.FindOne(ctx, bson.M{FieldID: id}).Decode(&stored))
	snap1 = CastToSnapshot(stored)

	// v2 update
	snap2 := snap1
	snap2.V = 2
	snap2.Data = bson.M{"x": 2}
	res = Commit(ctx, snapColl, opColl, id, Op{V: 2, Op: []bson.M{{"p": bson.A{"x"}, "na": 1}}}, snap2)
	require.True(t, res.Ok, res.Err)

	require.NoError(t, snapColl.FindOne(ctx, bson.M{FieldID: id}).Decode(&stored))
	snap2 = CastToSnapshot(stored)

	ops, err := GetOps(ctx, snapColl, opColl, id, nil, nil)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(1), ops[0].V)
	assert.Equal(t, uint64(2), ops[1].V)
	assert.Nil(t, ops[0].ID)
	assert.Nil(t, ops[0].O)
	assert.Nil(t, ops[1].ID)
	assert.Nil(t, ops[1].O)

	// from == current version returns empty, no gap check performed.
	from := snap2.V
	ops, err = GetOps(ctx, snapColl, opColl, id, &from, nil)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
