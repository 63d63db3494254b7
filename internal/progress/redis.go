package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "pip-ai:workflow:"
	GlobalStream = "pip-ai:workflow:progress"
)

// StreamKey is the per-workflow stream.
func StreamKey(workflowID string) string {
	return keyPrefix + workflowID + ":progress"
}

// RedisPublisher appends events to a per-workflow stream and to the global stream.
type RedisPublisher struct {
	client    redis.UniversalClient
	maxLen    int64
	globalLen int64
	ttl       time.Duration
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client, maxLen: 1000, globalLen: 10000, ttl: 24 * time.Hour}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	key := StreamKey(e.WorkflowID)
	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, MaxLen: p.maxLen, Approx: true, Values: e.values()})
	pipe.Expire(ctx, key, p.ttl)
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: GlobalStream, MaxLen: p.globalLen, Approx: true, Values: e.values()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// Reader tails a workflow's progress stream.
type Reader struct {
	client redis.UniversalClient
}

func NewReader(client redis.UniversalClient) *Reader {
	return &Reader{client: client}
}

// Read returns events after lastID, blocking up to block for new ones. Use "0"
// to read from the start. A zero block waits indefinitely and a negative one
// not at all. The returned id is the cursor for the next call.
func (r *Reader) Read(ctx context.Context, workflowID, lastID string, block time.Duration) ([]Event, string, error) {
	return r.read(ctx, StreamKey(workflowID), lastID, block, nil)
}

// ReadUser tails the global stream for events of one user. The cursor
// advances past other users' events too.
func (r *Reader) ReadUser(ctx context.Context, userID, lastID string, block time.Duration) ([]Event, string, error) {
	return r.read(ctx, GlobalStream, lastID, block, func(e Event) bool { return e.UserID == userID })
}

func (r *Reader) read(ctx context.Context, stream, lastID string, block time.Duration, keep func(Event) bool) ([]Event, string, error) {
	if lastID == "" {
		lastID = "0"
	}
	res, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   100,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, fmt.Errorf("redis xread: %w", err)
	}
	events, lastID := collect(res, lastID, keep)
	return events, lastID, nil
}

func collect(res []redis.XStream, lastID string, keep func(Event) bool) ([]Event, string) {
	var events []Event
	for _, stream := range res {
		for _, msg := range stream.Messages {
			lastID = msg.ID
			e := eventFrom(msg.ID, msg.Values)
			if keep == nil || keep(e) {
				events = append(events, e)
			}
		}
	}
	return events, lastID
}
