package livedbmongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCanPollDoc(t *testing.T) {
	assert.True(t, CanPollDoc(bson.M{"title": "hello"}))
	assert.False(t, CanPollDoc(bson.M{"title": "hello", "$sort": bson.M{"v": 1}}))
	assert.False(t, CanPollDoc(bson.M{"title": "hello", "$limit": 10}))
	assert.False(t, CanPollDoc(bson.M{"$distinct": "title"}))
	assert.False(t, CanPollDoc(bson.M{"$count": 1}))
}

func TestSkipPollNoMutation(t *testing.T) {
	op := Op{V: 2}
	assert.True(t, SkipPoll("doc1", op, bson.M{"title": "hello"}))
}

func TestSkipPollCreateAndDeleteNeverSkip(t *testing.T) {
	create := Op{V: 1, Create: bson.M{"type": "json0"}}
	assert.False(t, SkipPoll("doc1", create, bson.M{"title": "hello"}))

	del := Op{V: 3, Del: true}
	assert.False(t, SkipPoll("doc1", del, bson.M{"title": "hello"}))
}

func TestSkipPollCollectionAndCursorOpNeverSkip(t *testing.T) {
	op := Op{V: 2, Op: []bson.M{{"p": bson.A{"author"}, "na": 1}}}
	assert.False(t, SkipPoll("doc1", op, bson.M{"$distinct": "title"}))
	assert.False(t, SkipPoll("doc1", op, bson.M{"$count": 1}))
}

func TestSkipPollDisjointFields(t *testing.T) {
	op := Op{V: 2, Op: []bson.M{{"p": bson.A{"votes"}, "na": 1}}}
	assert.True(t, SkipPoll("doc1", op, bson.M{"title": "hello"}))
	assert.False(t, SkipPoll("doc1", op, bson.M{"votes": bson.M{"$gt": 0}}))
}

func TestSkipPollUnknownQueryFields(t *testing.T) {
	op := Op{V: 2, Op: []bson.M{{"p": bson.A{"votes"}, "na": 1}}}
	// A query referencing no plain fields (only an opaque top-level
	// operator) can't be proven disjoint from the mutation.
	assert.False(t, SkipPoll("doc1", op, bson.M{"$where": "true"}))
}

func TestSkipPollWholeDocumentMutation(t *testing.T) {
	// An empty path component touches the whole document, so it's never
	// safe to skip.
	op := Op{V: 2, Op: []bson.M{{"p": bson.A{}, "od": bson.M{}, "oi": bson.M{}}}}
	assert.False(t, SkipPoll("doc1", op, bson.M{"title": "hello"}))
}

func TestSkipPollAndOrRecursion(t *testing.T) {
	op := Op{V: 2, Op: []bson.M{{"p": bson.A{"votes"}, "na": 1}}}
	q := bson.M{"$and": bson.A{bson.M{"title": "hello"}, bson.M{"$or": bson.A{bson.M{"votes": 5}}}}}
	assert.False(t, SkipPoll("doc1", op, q))

	q2 := bson.M{"$and": bson.A{bson.M{"title": "hello"}, bson.M{"author": "bob"}}}
	assert.True(t, SkipPoll("doc1", op, q2))
}
