package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"jddb-backend/internal/document"
)

// Publisher pushes committed operations onto a per-document Redis channel so
// external consumers (search indexer, audit trail) can follow edits without a
// collaboration connection. A nil Publisher is valid and publishes nothing.
type Publisher struct {
	rdb *redis.Client
}

// Connect dials Redis and verifies the connection. An empty addr disables the
// feed and returns a nil Publisher.
func Connect(ctx context.Context, addr string) (*Publisher, error) {
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Publisher{rdb: rdb}, nil
}

// Channel returns the feed channel name for a document.
func Channel(documentID string) string {
	return "doc:" + documentID + ":ops"
}

// PublishCommit publishes one committed history entry. Failures are logged and
// never propagated; the feed is advisory and must not affect the document.
func (p *Publisher) PublishCommit(ctx context.Context, documentID string, entry document.Committed) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Failed to encode feed entry for document %s: %v", documentID, err)
		return
	}
	if err := p.rdb.Publish(ctx, Channel(documentID), payload).Err(); err != nil {
		log.Printf("Failed to publish feed entry for document %s: %v", documentID, err)
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.rdb.Close()
}
