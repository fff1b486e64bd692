package livedbmongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Options configures a new Adapter (spec section 6 "Configuration").
//
// A connection string and a database name are the only required fields:
//
//	adapter, err := livedbmongo.New(ctx, livedbmongo.Options{
//	    Mongo:    "mongodb://localhost:27017",
//	    Database: "myapp",
//	})
type Options struct {
	// Mongo is the primary store's connection string. Required unless
	// MongoConnector is set.
	Mongo string

	// MongoConnector, if set, is used instead of dialing Mongo directly.
	// Intended for callers that need custom auth, dial options, or a test
	// double in place of a live server.
	MongoConnector Connector

	// MongoOptions, if set, is merged with the driver's defaults when
	// dialing Mongo. Ignored when MongoConnector is set.
	MongoOptions *options.ClientOptions

	// MongoPoll, if set, names a second, typically secondary-preferred,
	// connection string used for the read-heavy queryPoll/queryPollDoc
	// path, so a document-sync server's live-query traffic never competes
	// with the primary for capacity. When unset, polling reads go to the
	// primary.
	MongoPoll string

	// MongoPollConnector is MongoConnector's counterpart for the poll
	// store.
	MongoPollConnector Connector

	// MongoPollOptions is MongoOptions's counterpart for the poll store.
	MongoPollOptions *options.ClientOptions

	// Database is the database name used on both the primary and poll
	// connections.
	Database string

	// PollDelay is how long queryPoll/queryPollDoc wait before reading
	// from the poll store, to tolerate replication lag. Defaults to
	// 300ms when a poll store is configured (MongoPoll or
	// MongoPollConnector) and this is left zero, and to no delay
	// otherwise. A non-zero value is applied even when no poll store is
	// configured and polling reads go to the primary.
	PollDelay time.Duration

	// DisableIndexCreation skips the op collection's automatic index
	// creation. Set this when indexes are already managed out of band
	// (migrations, infra-as-code) and the adapter shouldn't attempt it on
	// first use of a collection.
	DisableIndexCreation bool

	// AllowJSQueries permits $where and $mapReduce queries, both of which
	// execute caller-supplied JavaScript inside the store. Leave false
	// unless query bodies are fully trusted.
	AllowJSQueries bool

	// AllowAggregateQueries permits the $aggregate collection operation.
	AllowAggregateQueries bool

	// AllowAllQueries is shorthand for AllowJSQueries and
	// AllowAggregateQueries both set.
	AllowAllQueries bool
}

// ConnectExisting builds a Connector that returns an already-connected
// client instead of dialing a URI. Useful for tests and for callers that
// manage their own *mongo.Client lifecycle.
func ConnectExisting(client *mongo.Client) Connector {
	return func(ctx context.Context) (*mongo.Client, error) {
		return client, nil
	}
}
