package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dayuer/agentbus/internal/store"
)

// MessageRouter is the single façade collaborators use. It composes the
// queue and pub/sub managers into the three delivery semantics agents need —
// direct send, topic publish, workspace broadcast — and owns message-identity
// assignment. Construct one at process start and pass it by handle; there is
// no package-global instance.
type MessageRouter struct {
	queue  *QueueManager
	pubsub *PubSubManager
}

// QueueStats reports the size of an agent's inbox sets.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

// NewMessageRouter creates a router and its underlying managers on the store.
func NewMessageRouter(st *store.Store) *MessageRouter {
	return &MessageRouter{
		queue:  NewQueueManager(st),
		pubsub: NewPubSubManager(st),
	}
}

// SendDirect builds a message to a single recipient, assigns its id, and
// delivers it according to mode: DeliverQueue enqueues onto the recipient's
// inbox (durable until acked); DeliverDirect publishes on the recipient's
// private topic for immediate push, with no fallback if nobody is listening.
func (r *MessageRouter) SendDirect(ctx context.Context, fromAgent, toAgent string, content json.RawMessage, msgType MessageType, mode DeliveryMode) (string, error) {
	msg := NewMessage(fromAgent, msgType, content)
	msg.ToAgent = toAgent

	switch mode {
	case DeliverQueue:
		return r.queue.Enqueue(ctx, InboxQueue(toAgent), msg, nil)
	case DeliverDirect:
		if _, err := r.pubsub.Publish(ctx, DirectTopic(toAgent), msg); err != nil {
			return "", err
		}
		return msg.MessageID, nil
	default:
		return "", fmt.Errorf("send: unknown delivery mode %q", mode)
	}
}

// Broadcast publishes to a workspace's topic and returns the number of
// listeners reached. Zero recipients is reported as fact, not failure —
// callers that require at least one recipient check the count themselves.
func (r *MessageRouter) Broadcast(ctx context.Context, fromAgent, workspaceID string, content json.RawMessage, msgType MessageType) (int64, error) {
	msg := NewMessage(fromAgent, msgType, content)
	msg.WorkspaceID = workspaceID
	return r.pubsub.Publish(ctx, WorkspaceTopic(workspaceID), msg)
}

// Publish sends a message on an arbitrary topic, for ad hoc routing outside
// workspace scope. Assigns an id if the message has none.
func (r *MessageRouter) Publish(ctx context.Context, topic string, msg *AgentMessage) (int64, error) {
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}
	return r.pubsub.Publish(ctx, topic, msg)
}

// Subscribe registers an agent's interest in topics.
func (r *MessageRouter) Subscribe(agentID string, topics ...string) {
	r.pubsub.Subscribe(agentID, topics...)
}

// Unsubscribe removes an agent's interest in topics.
func (r *MessageRouter) Unsubscribe(agentID string, topics ...string) {
	r.pubsub.Unsubscribe(agentID, topics...)
}

// Subscriptions returns the topics an agent has registered interest in.
func (r *MessageRouter) Subscriptions(agentID string) []string {
	return r.pubsub.Subscriptions(agentID)
}

// Listen attaches a live listener for an agent: its private direct topic plus
// every topic it has registered interest in, plus any extras. The connection
// layer calls this after Subscribe and relays the stream to its transport.
func (r *MessageRouter) Listen(ctx context.Context, agentID string, extraTopics ...string) (*Listener, error) {
	topics := append([]string{DirectTopic(agentID)}, r.pubsub.Subscriptions(agentID)...)
	topics = append(topics, extraTopics...)
	return r.pubsub.Listen(ctx, topics...)
}

// Pending returns a snapshot of an agent's inbox pending set.
func (r *MessageRouter) Pending(ctx context.Context, agentID string) ([]*AgentMessage, error) {
	return r.queue.Pending(ctx, InboxQueue(agentID))
}

// Stats returns the size of an agent's inbox sets.
func (r *MessageRouter) Stats(ctx context.Context, agentID string) (QueueStats, error) {
	pending, processing, err := r.queue.Stats(ctx, InboxQueue(agentID))
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{Pending: pending, Processing: processing}, nil
}

// Receive waits up to timeout for the next message in an agent's inbox,
// moving it to processing. Returns (nil, nil) when the inbox stays empty.
func (r *MessageRouter) Receive(ctx context.Context, agentID string, timeout time.Duration) (*AgentMessage, error) {
	return r.queue.Dequeue(ctx, InboxQueue(agentID), timeout)
}

// Acknowledge confirms a received message was processed, removing it from
// the agent's processing set. False means the id was not in flight.
func (r *MessageRouter) Acknowledge(ctx context.Context, agentID, messageID string) (bool, error) {
	return r.queue.Acknowledge(ctx, InboxQueue(agentID), messageID)
}

// RequeueExpired sweeps an agent's processing set, returning entries stuck
// in flight longer than olderThan to pending.
func (r *MessageRouter) RequeueExpired(ctx context.Context, agentID string, olderThan time.Duration) (int64, error) {
	return r.queue.RequeueExpired(ctx, InboxQueue(agentID), olderThan)
}

// ClearInbox drops an agent's inbox entirely. Administrative reset.
func (r *MessageRouter) ClearInbox(ctx context.Context, agentID string) error {
	return r.queue.Clear(ctx, InboxQueue(agentID))
}
