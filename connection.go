package livedbmongo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/share/livedb-mongo/core"
)

// defaultPollDelay is applied before each poll-handle read when a separate
// poll store is configured, to tolerate replication lag (spec section 4.2).
const defaultPollDelay = 300 * time.Millisecond

// Connector opens a store connection. Configuration may supply either a URI
// string (the adapter dials it with the driver's defaults) or a Connector,
// for callers that need custom dial options, auth, or test doubles.
type Connector func(ctx context.Context) (*mongo.Client, error)

// storeConfig configures a single store handle (primary or poll).
type storeConfig struct {
	URI       string
	Connector Connector
	Options   *options.ClientOptions
	Database  string
}

func (c storeConfig) configured() bool {
	return c.URI != "" || c.Connector != nil
}

func (c storeConfig) connect(ctx context.Context) (*mongo.Client, error) {
	if c.Connector != nil {
		return c.Connector(ctx)
	}
	opts := options.Client().ApplyURI(c.URI)
	if c.Options != nil {
		opts = mergeClientOptions(opts, c.Options)
	}
	return mongo.Connect(ctx, opts)
}

// mergeClientOptions lets callers pass additional driver options alongside
// a plain URI (spec section 6 "mongoOptions ... passthrough").
func mergeClientOptions(base, extra *options.ClientOptions) *options.ClientOptions {
	merged := options.MergeClientOptions(base, extra)
	return merged
}

// ConnectionManager lazily connects to a primary store and an optional
// read-only "poll" store, buffering callers until the connection is ready
// and enforcing closed-state afterwards (spec section 4.2).
type ConnectionManager struct {
	mu     sync.Mutex
	closed bool

	ready   chan struct{}
	connErr error

	primaryClient *mongo.Client
	primaryDB     *mongo.Database
	pollClient    *mongo.Client
	pollDB        *mongo.Database

	pollDelay time.Duration
	hasPoll   bool
}

// NewConnectionManager launches an asynchronous connection attempt to the
// primary (and, if configured, poll) store and returns immediately; callers
// that request a handle before the connection is ready are queued and
// served once it completes (spec section 4.2).
func NewConnectionManager(ctx context.Context, primary, poll storeConfig, pollDelay time.Duration) (*ConnectionManager, error) {
	if !primary.configured() {
		return nil, fmt.Errorf("primary store is required")
	}

	hasPoll := poll.configured()
	if pollDelay == 0 && hasPoll {
		pollDelay = defaultPollDelay
	}

	cm := &ConnectionManager{
		ready:     make(chan struct{}),
		pollDelay: pollDelay,
		hasPoll:   hasPoll,
	}

	go cm.connect(ctx, primary, poll)

	return cm, nil
}

func (cm *ConnectionManager) connect(ctx context.Context, primary, poll storeConfig) {
	primaryClient, err := primary.connect(ctx)
	if err != nil {
		cm.finishConnect(nil, nil, nil, nil, fmt.Errorf("connect primary store: %w", err))
		return
	}
	primaryDB := primaryClient.Database(primary.Database)

	var pollClient *mongo.Client
	var pollDB *mongo.Database
	if cm.hasPoll {
		pollClient, err = poll.connect(ctx)
		if err != nil {
			cm.finishConnect(nil, nil, nil, nil, fmt.Errorf("connect poll store: %w", err))
			return
		}
		pollDB = pollClient.Database(poll.Database)
	}

	cm.finishConnect(primaryClient, primaryDB, pollClient, pollDB, nil)
}

// finishConnect publishes the resolved handles (or error) and wakes every
// waiter. primary and poll become visible together: both fields are set
// before ready is closed, so no getter ever observes one without the other.
func (cm *ConnectionManager) finishConnect(primaryClient *mongo.Client, primaryDB *mongo.Database, pollClient *mongo.Client, pollDB *mongo.Database, err error) {
	cm.mu.Lock()
	cm.primaryClient = primaryClient
	cm.primaryDB = primaryDB
	cm.pollClient = pollClient
	cm.pollDB = pollDB
	cm.connErr = err
	cm.mu.Unlock()

	if err != nil {
		core.Warn("store connection failed", zap.Error(err))
	} else {
		core.Info("store connection established", zap.Bool("hasPoll", cm.hasPoll))
	}

	close(cm.ready)
}

// Primary returns the primary store database, waiting for the connection to
// become ready (or ctx to be cancelled, or the manager to be closed).
func (cm *ConnectionManager) Primary(ctx context.Context) (*mongo.Database, error) {
	if err := cm.awaitReady(ctx); err != nil {
		return nil, err
	}
	return cm.primaryDB, nil
}

// Poll returns the poll store database if one is configured, falling back
// to the primary when it is not (callers always get a usable handle for
// read-only traffic).
func (cm *ConnectionManager) Poll(ctx context.Context) (*mongo.Database, error) {
	if err := cm.awaitReady(ctx); err != nil {
		return nil, err
	}
	if cm.hasPoll {
		return cm.pollDB, nil
	}
	return cm.primaryDB, nil
}

// HasPoll reports whether a distinct poll store is configured.
func (cm *ConnectionManager) HasPoll() bool {
	return cm.hasPoll
}

// PollDelay returns the configured poll-read delay.
func (cm *ConnectionManager) PollDelay() time.Duration {
	return cm.pollDelay
}

// AwaitPollDelay sleeps for PollDelay, or returns ctx's error if it's
// cancelled first. It is a no-op when no poll delay is configured.
func (cm *ConnectionManager) AwaitPollDelay(ctx context.Context) error {
	if cm.pollDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(cm.pollDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cm *ConnectionManager) awaitReady(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrAlreadyClosed
	}
	cm.mu.Unlock()

	select {
	case <-cm.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return ErrAlreadyClosed
	}
	if cm.connErr != nil {
		return cm.connErr
	}
	return nil
}

// Close marks the manager closed and disconnects any established handles.
// Subsequent operations fail with ErrAlreadyClosed. Close is idempotent:
// calling it again after a successful close is a no-op.
func (cm *ConnectionManager) Close(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	// Set closed before releasing handles, so no racing getter can observe
	// primary/poll after Close has begun (spec section 4.2).
	cm.closed = true
	cm.mu.Unlock()

	// Wait for any in-flight connect to finish so we don't leak a client
	// that finishConnect is about to publish.
	select {
	case <-cm.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	cm.mu.Lock()
	primaryClient := cm.primaryClient
	pollClient := cm.pollClient
	cm.mu.Unlock()

	var firstErr error
	if primaryClient != nil {
		if err := primaryClient.Disconnect(ctx); err != nil {
			firstErr = err
		}
	}
	if pollClient != nil {
		if err := pollClient.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
