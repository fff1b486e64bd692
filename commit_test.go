package livedbmongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCommitCreateThenUpdate(t *testing.T) {
	db, cleanup := connectTestDB(t)
	defer cleanup()

	ctx := context.Background()
	const collection = "commit_create_update"
	snapColl := db.Collection(collection)
	opColl := db.Collection(opCollectionName(collection))

	id := "doc1"
	jsonType := "http://sharejs.org/types/JSONv0"

	snap1 := Snapshot{ID: id, V: 1, Type: &jsonType, Data: bson.M{"x": 1}}
	res := Commit(ctx, snapColl, opColl, id, Op{V: 1, Create: bson.M{"type": jsonType}}, snap1)
	require.NoError(t, res.Err)
	assert.True(t, res.Ok)

	var stored bson.M
	require.NoError(t, snapColl.FindOne(ctx, bson.M{FieldID: id}).Decode(&stored))
	current := CastToSnapshot(stored)
	assert.Equal(t, uint64(1), current.V)
	assert.NotNil(t, current.OpLink)

	snap2 := current
	snap2.V = 2
	snap2.Data = bson.M{"x": 2}
	res = Commit(ctx, snapColl, opColl, id, Op{V: 2, Op: []bson.M{{"p": bson.A{"x"}, "na": 1}}}, snap2)
	require.NoError(t, res.Err)
	assert.True(t, res.Ok)

	require.NoError(t, snapColl.FindOne(ctx, bson.M{FieldID: id}).Decode(&stored))
	current = CastToSnapshot(stored)
	assert.Equal(t, uint64(2), current.V)
}

func TestCommitLostRaceIsNonDestructive(t *testing.T) {
	db, cleanup := connectTestDB(t)
	defer cleanup()

	ctx := context.Background()
	const collection = "commit_lost_race"
	snapColl := db.Collection(collection)
	opColl := db.Collection(opCollectionName(collection))

	id := "doc1"
	jsonType := "http://sharejs.org/types/JSONv0"
	snap1 := Snapshot{ID: id, V: 1, Type: &jsonType, Data: bson.M{"x": 1}}

	// First create wins.
	res := Commit(ctx, snapColl, opColl, id, Op{V: 1, Create: bson.M{"type": jsonType}}, snap1)
	require.NoError(t, res.Err)
	require.True(t, res.Ok)

	// A second concurrent create for the same id at v=1 loses the race.
	res2 := Commit(ctx, snapColl, opColl, id, Op{V: 1, Create: bson.M{"type": jsonType}}, Snapshot{ID: id, V: 1, Type: &jsonType, Data: bson.M{"x": 99}})
	assert.False(t, res2.Ok)
	assert.NoError(t, res2.Err)

	// The orphaned op from the losing attempt must not remain reachable
	// from any future chain walk: op collection may still contain it, but
	// it must not be linked.
	var stored bson.M
	require.NoError(t, snapColl.FindOne(ctx, bson.M{FieldID: id}).Decode(&stored))
	current := CastToSnapshot(stored)
	assert.Equal(t, 1, func() int {
		ops, err := GetOps(ctx, snapColl, opColl, id, nil, nil)
		require.NoError(t, err)
		return len(ops)
	}())
	_ = current
}

func TestGetCommittedOpVersionIdempotency(t *testing.T) {
	db, cleanup := connectTestDB(t)
	defer cleanup()

	ctx := context.Background()
	const collection = "commit_idempotency"
	snapColl := db.Collection(collection)
	opColl := db.Collection(opCollectionName(collection))

	id := "doc1"
	jsonType := "http://sharejs.org/types/JSONv0"
	op := Op{V: 1, Src: "client-a", Seq: 1, Create: bson.M{"type": jsonType}}
	snap1 := Snapshot{ID: id, V: 1, Type: &jsonType, Data: bson.M{"x": 1}}

	res := Commit(ctx, snapColl, opColl, id, op, snap1)
	require.NoError(t, res.Err)
	require.True(t, res.Ok)

	var stored bson.M
	require.NoError(t, snapColl.FindOne(ctx, bson.M{FieldID: id}).Decode(&stored))
	current := CastToSnapshot(stored)

	v, err := GetCommittedOpVersion(ctx, opColl, id, current, op)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, uint64(1), *v)

	unseen := Op{V: 2, Src: "client-a", Seq: 2}
	v, err = GetCommittedOpVersion(ctx, opColl, id, current, unseen)
	require.NoError(t, err)
	assert.Nil(t, v)
}
