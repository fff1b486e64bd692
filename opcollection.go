package livedbmongo

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/share/livedb-mongo/core"
)

// opCollectionPrefix names the physical collection that backs a logical
// collection's op log (spec section 4.3).
const opCollectionPrefix = "o_"

// opCollectionManager maps a logical collection name to its op collection
// and ensures the required indexes exist once per process (spec section
// 4.3). It is a field on Adapter, not a package-level singleton (spec
// section 9 design note).
type opCollectionManager struct {
	mu                   sync.Mutex
	ensured              map[string]bool
	disableIndexCreation bool
}

func newOpCollectionManager(disableIndexCreation bool) *opCollectionManager {
	return &opCollectionManager{
		ensured:              make(map[string]bool),
		disableIndexCreation: disableIndexCreation,
	}
}

// validateCollectionName rejects "system" and any "o_"-prefixed name (spec
// section 4.2 "Collection name validation").
func validateCollectionName(name string) error {
	if ReservedCollectionName(name) {
		return invalidCollectionNameError(name)
	}
	return nil
}

// opCollectionName returns the physical op-log collection name for a
// logical collection.
func opCollectionName(collection string) string {
	return opCollectionPrefix + collection
}

// Collection resolves the op collection for collection, ensuring its
// indexes exist the first time this logical collection is used in this
// process. Callers must tolerate that index creation may still be
// in-progress on a very fresh collection, since it runs in background mode.
func (m *opCollectionManager) Collection(ctx context.Context, db *mongo.Database, collection string) (*mongo.Collection, error) {
	if err := validateCollectionName(collection); err != nil {
		return nil, err
	}

	opColl := db.Collection(opCollectionName(collection))

	m.mu.Lock()
	alreadyEnsured := m.ensured[collection]
	if !alreadyEnsured {
		m.ensured[collection] = true
	}
	m.mu.Unlock()

	if alreadyEnsured || m.disableIndexCreation {
		return opColl, nil
	}

	if err := ensureOpIndexes(ctx, opColl); err != nil {
		// Allow a future call to retry index creation.
		m.mu.Lock()
		delete(m.ensured, collection)
		m.mu.Unlock()
		return nil, err
	}

	return opColl, nil
}

// ensureOpIndexes creates the two indexes required over an op collection
// (spec section 3 "Relationships & invariants"): {d:1,v:1} for history
// scans and {src:1,seq:1,v:1} for idempotency lookups. Both are created in
// background mode so a fresh collection doesn't block writers.
func ensureOpIndexes(ctx context.Context, opColl *mongo.Collection) error {
	background := true
	_, err := opColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "d", Value: 1}, {Key: "v", Value: 1}},
			Options: options.Index().SetBackground(background).SetName("d_v"),
		},
		{
			Keys:    bson.D{{Key: "src", Value: 1}, {Key: "seq", Value: 1}, {Key: "v", Value: 1}},
			Options: options.Index().SetBackground(background).SetName("src_seq_v"),
		},
	})
	if err != nil {
		core.Warn("failed to ensure op indexes", zap.String("collection", opColl.Name()), zap.Error(err))
		return err
	}
	return nil
}
