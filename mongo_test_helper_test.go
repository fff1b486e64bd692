package livedbmongo

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// connectTestDB connects to MONGODB_URI (default mongodb://localhost:27017)
// and skips the calling test if no server is reachable within a short
// timeout. Tests that need a real store all share this helper so a
// developer without MongoDB running still sees the rest of the suite pass.
func connectTestDB(t *testing.T) (*mongo.Database, func()) {
	t.Helper()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("mongo unavailable: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("mongo unavailable: %v", err)
	}

	dbName := "livedbmongo_test"
	db := client.Database(dbName)

	cleanup := func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		_ = db.Drop(dropCtx)
		_ = client.Disconnect(dropCtx)
	}

	return db, cleanup
}
