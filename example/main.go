// Command example exercises the Adapter's Commit, GetSnapshot, GetOps,
// Query and QueryPoll methods against a real MongoDB instance: a create,
// two updates, and a delete on one document, followed by a full op-log
// replay and a query/queryPoll pair.
//
// Run a local MongoDB first (e.g. `docker run -p 27017:27017 mongo`), then:
//
//	go run ./example
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/share/livedb-mongo"
	"github.com/share/livedb-mongo/core"
)

func main() {
	if err := core.ConfigureLogger(true, "info"); err != nil {
		log.Fatalf("configure logger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	adapter, err := livedbmongo.New(ctx, livedbmongo.Options{
		Mongo:    "mongodb://localhost:27017",
		Database: "livedb_example",
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer adapter.Close(ctx)

	const collection = "docs"
	const id = "example-doc-1"
	jsonType := "http://sharejs.org/types/JSONv0"
	clientSrc := uuid.New().String()

	// 1. Create.
	snapshot := livedbmongo.Snapshot{
		ID:   id,
		V:    1,
		Type: &jsonType,
		Data: bson.M{"title": "hello", "votes": 0},
	}
	result, err := adapter.Commit(ctx, collection, id, livedbmongo.Op{V: 1, Src: clientSrc, Seq: 1, Create: bson.M{"type": jsonType}}, snapshot)
	if err != nil {
		log.Fatalf("create commit: %v", err)
	}
	fmt.Printf("create committed: ok=%v err=%v\n", result.Ok, result.Err)

	// 2. Two updates.
	for i, votes := range []int{1, 2} {
		current, err := adapter.GetSnapshot(ctx, collection, id, nil)
		if err != nil {
			log.Fatalf("getSnapshot before update %d: %v", i, err)
		}
		next := current
		next.V = current.V + 1
		next.Data = bson.M{"title": "hello", "votes": votes}
		op := livedbmongo.Op{V: next.V, Op: []bson.M{{"p": bson.A{"votes"}, "na": votes}}}

		result, err := adapter.Commit(ctx, collection, id, op, next)
		if err != nil {
			log.Fatalf("update commit %d: %v", i, err)
		}
		fmt.Printf("update %d committed: ok=%v\n", i, result.Ok)
	}

	// 3. Delete.
	current, err := adapter.GetSnapshot(ctx, collection, id, nil)
	if err != nil {
		log.Fatalf("getSnapshot before delete: %v", err)
	}
	deleted := livedbmongo.Snapshot{ID: id, V: current.V + 1, OpLink: current.OpLink}
	result, err = adapter.Commit(ctx, collection, id, livedbmongo.Op{V: deleted.V, Del: true}, deleted)
	if err != nil {
		log.Fatalf("delete commit: %v", err)
	}
	fmt.Printf("delete committed: ok=%v\n", result.Ok)

	// 4. Replay the full op log.
	ops, err := adapter.GetOps(ctx, collection, id, nil, nil)
	if err != nil {
		log.Fatalf("getOps: %v", err)
	}
	for _, op := range ops {
		fmt.Printf("op v=%d create=%v del=%v mutation=%v\n", op.V, op.Create != nil, op.Del, op.Op)
	}

	// 5. Query and queryPoll.
	snapshots, _, err := adapter.Query(ctx, collection, bson.M{"votes": bson.M{"$gte": 0}}, nil)
	if err != nil {
		log.Fatalf("query: %v", err)
	}
	fmt.Printf("query matched %d snapshots\n", len(snapshots))

	ids, _, err := adapter.QueryPoll(ctx, collection, bson.M{"votes": bson.M{"$gte": 0}})
	if err != nil {
		log.Fatalf("queryPoll: %v", err)
	}
	fmt.Printf("queryPoll matched ids: %v\n", ids)

	core.Info("example run complete", zap.Int("opCount", len(ops)))
}
