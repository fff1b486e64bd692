package livedbmongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpCollectionManagerEnsuresIndexesOnce(t *testing.T) {
	db, cleanup := connectTestDB(t)
	defer cleanup()

	ctx := context.Background()
	mgr := newOpCollectionManager(false)

	coll, err := mgr.Collection(ctx, db, "widgets")
	require.NoError(t, err)
	assert.Equal(t, "o_widgets", coll.Name())

	names, err := coll.Indexes().ListSpecifications(ctx)
	require.NoError(t, err)

	hasDV, hasSrcSeqV := false, false
	for _, spec := range names {
		switch spec.Name {
		case "d_v":
			hasDV = true
		case "src_seq_v":
			hasSrcSeqV = true
		}
	}
	assert.True(t, hasDV)
	assert.True(t, hasSrcSeqV)

	// Second call is a cache hit: no error, same collection handle name.
	coll2, err := mgr.Collection(ctx, db, "widgets")
	require.NoError(t, err)
	assert.Equal(t, coll.Name(), coll2.Name())
}

func TestOpCollectionManagerRejectsReservedNames(t *testing.T) {
	db, cleanup := connectTestDB(t)
	defer cleanup()

	mgr := newOpCollectionManager(false)
	_, err := mgr.Collection(context.Background(), db, "system")
	assert.ErrorIs(t, err, ErrInvalidCollectionName)

	_, err = mgr.Collection(context.Background(), db, "o_widgets")
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
}

func TestOpCollectionManagerSkipsIndexCreationWhenDisabled(t *testing.T) {
	db, cleanup := connectTestDB(t)
	defer cleanup()

	mgr := newOpCollectionManager(true)
	coll, err := mgr.Collection(context.Background(), db, "no_index_widgets")
	require.NoError(t, err)

	names, err := coll.Indexes().ListSpecifications(context.Background())
	require.NoError(t, err)
	// Nothing has written to the op collection, so it does not exist yet
	// and has no indexes at all.
	assert.Len(t, names, 0)
}
