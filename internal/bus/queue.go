package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dayuer/agentbus/internal/store"
)

// QueueManager provides reliable, ordered, at-least-once delivery to named
// queues backed by the store's sorted collections. Each queue is a pair of
// disjoint sets: pending (the queue name itself) and processing
// (<name>:processing). An undelivered entry is always in exactly one of them.
type QueueManager struct {
	store        *store.Store
	pollInterval time.Duration
}

// DefaultPollInterval is the dequeue wait granularity.
const DefaultPollInterval = 50 * time.Millisecond

// NewQueueManager creates a queue manager on the given store.
func NewQueueManager(st *store.Store) *QueueManager {
	return &QueueManager{store: st, pollInterval: DefaultPollInterval}
}

func processingKey(queue string) string {
	return queue + ":processing"
}

// Enqueue adds a message to the queue's pending set and returns its id,
// assigning one if the message has none. Score is the priority when given,
// else the current time in milliseconds (FIFO). Entries with equal score pop
// in lexicographic member order (the store's documented tie-break), which for
// FIFO traffic means ties between same-millisecond messages are resolved by
// message id, not arrival order. Never blocks.
func (q *QueueManager) Enqueue(ctx context.Context, queue string, msg *AgentMessage, priority *float64) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	score := float64(time.Now().UnixMilli())
	if priority != nil {
		score = *priority
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: marshal: %w", queue, err)
	}
	if err := q.store.Add(ctx, queue, string(data), score); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// Dequeue waits up to timeout for a pending entry, then atomically pops the
// minimum-score entry into the processing set. Returns (nil, nil) on expiry —
// an empty queue is expected, not an error. The wait is a bounded poll;
// cancelling ctx aborts it without side effects.
func (q *QueueManager) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*AgentMessage, error) {
	deadline := time.Now().Add(timeout)

	for {
		member, ok, err := q.store.PopMinInto(ctx, queue, processingKey(queue))
		if err != nil {
			return nil, err
		}
		if ok {
			var msg AgentMessage
			if err := json.Unmarshal([]byte(member), &msg); err != nil {
				return nil, fmt.Errorf("dequeue %s: decode: %w", queue, err)
			}
			msg.Status = StatusDelivered
			return &msg, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := q.pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Acknowledge removes a message from the queue's processing set. Returns
// false when the id is not currently in processing — already acked, never
// dequeued, or unknown. That is a normal outcome, not an error.
func (q *QueueManager) Acknowledge(ctx context.Context, queue, messageID string) (bool, error) {
	members, err := q.store.Range(ctx, processingKey(queue))
	if err != nil {
		return false, err
	}
	for _, member := range members {
		var msg AgentMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			continue
		}
		if msg.MessageID == messageID {
			return q.store.Remove(ctx, processingKey(queue), member)
		}
	}
	return false, nil
}

// Pending returns a snapshot of the queue's pending set, ascending by score.
// The snapshot may be stale the instant it returns.
func (q *QueueManager) Pending(ctx context.Context, queue string) ([]*AgentMessage, error) {
	members, err := q.store.Range(ctx, queue)
	if err != nil {
		return nil, err
	}
	return decodeMessages(members)
}

// Processing returns a snapshot of the queue's processing set.
func (q *QueueManager) Processing(ctx context.Context, queue string) ([]*AgentMessage, error) {
	members, err := q.store.Range(ctx, processingKey(queue))
	if err != nil {
		return nil, err
	}
	return decodeMessages(members)
}

// Stats returns the current sizes of both sets.
func (q *QueueManager) Stats(ctx context.Context, queue string) (pending, processing int64, err error) {
	if pending, err = q.store.Card(ctx, queue); err != nil {
		return 0, 0, err
	}
	if processing, err = q.store.Card(ctx, processingKey(queue)); err != nil {
		return 0, 0, err
	}
	return pending, processing, nil
}

// Clear drops both sets. Used for test isolation and administrative reset.
func (q *QueueManager) Clear(ctx context.Context, queue string) error {
	return q.store.Delete(ctx, queue, processingKey(queue))
}

// RequeueExpired moves processing entries older than olderThan back into
// pending, rescored with the current time. Processing scores are set at
// dequeue time, so an entry's age is its time in flight. This is the lease
// sweep for consumers that dequeued and crashed before acknowledging;
// without it, unacked in-flight entries stay in processing forever.
func (q *QueueManager) RequeueExpired(ctx context.Context, queue string, olderThan time.Duration) (int64, error) {
	cutoff := float64(time.Now().Add(-olderThan).UnixMilli())
	return q.store.SweepInto(ctx, processingKey(queue), queue, cutoff)
}

func decodeMessages(members []string) ([]*AgentMessage, error) {
	msgs := make([]*AgentMessage, 0, len(members))
	for _, member := range members {
		var msg AgentMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			return nil, fmt.Errorf("decode queue entry: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}
