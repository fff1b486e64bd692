package livedbmongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCastToDocRoundTrip(t *testing.T) {
	jsonType := "http://sharejs.org/types/JSONv0"

	cases := []struct {
		name     string
		snapshot Snapshot
	}{
		{
			name: "object data",
			snapshot: Snapshot{
				ID:   "doc1",
				V:    3,
				Type: &jsonType,
				Data: bson.M{"title": "hello", "votes": 2},
				M:    bson.M{"mtime": int64(1234)},
			},
		},
		{
			name: "scalar data",
			snapshot: Snapshot{
				ID:   "doc2",
				V:    1,
				Type: &jsonType,
				Data: "just a string",
			},
		},
		{
			name:     "deleted",
			snapshot: deletedSnapshot("doc3", 5),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opLink := "op-123"
			doc := CastToDoc(tc.snapshot.ID, tc.snapshot, opLink)
			assert.Equal(t, tc.snapshot.ID, doc[FieldID])
			assert.Equal(t, opLink, doc[FieldO])

			back := CastToSnapshot(doc)
			assert.Equal(t, tc.snapshot.ID, back.ID)
			assert.Equal(t, tc.snapshot.V, back.V)
			assert.Equal(t, opLink, back.OpLink)

			if tc.snapshot.Type == nil {
				assert.Nil(t, back.Type)
				assert.Nil(t, back.Data)
			} else {
				assert.Equal(t, *tc.snapshot.Type, *back.Type)
				assert.Equal(t, tc.snapshot.Data, back.Data)
			}
		})
	}
}

func TestCastToSnapshotDeletedIgnoresLeftoverFields(t *testing.T) {
	doc := bson.M{
		FieldID:   "doc1",
		FieldV:    uint64(4),
		FieldType: nil,
		"title":   "stale data left behind",
	}
	snap := CastToSnapshot(doc)
	assert.Nil(t, snap.Type)
	assert.Nil(t, snap.Data)
}

func TestReservedCollectionName(t *testing.T) {
	assert.True(t, ReservedCollectionName("system"))
	assert.True(t, ReservedCollectionName("o_docs"))
	assert.False(t, ReservedCollectionName("docs"))
	assert.False(t, ReservedCollectionName("o"))
}

func TestToUint64(t *testing.T) {
	assert.Equal(t, uint64(5), toUint64(int32(5)))
	assert.Equal(t, uint64(5), toUint64(int64(5)))
	assert.Equal(t, uint64(5), toUint64(float64(5)))
	assert.Equal(t, uint64(0), toUint64(nil))
}
