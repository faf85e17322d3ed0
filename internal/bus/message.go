// Package bus implements the message substrate for agent sandboxes:
// per-recipient at-least-once queues, topic pub/sub fan-out, and health
// probing of the coordination store, composed behind a single MessageRouter.
package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType labels the application-level intent of a message. The bus
// carries it without interpreting it.
type MessageType string

const (
	TypeRequest        MessageType = "request"
	TypeResponse       MessageType = "response"
	TypeNotification   MessageType = "notification"
	TypeTaskAssignment MessageType = "task_assignment"
)

// Status reflects queue state, not application-level processing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
)

// DeliveryMode selects between durable queue delivery and live push.
type DeliveryMode string

const (
	// DeliverQueue enqueues onto the recipient's inbox; the message survives
	// until acknowledged.
	DeliverQueue DeliveryMode = "queue"
	// DeliverDirect publishes on the recipient's private topic for immediate
	// push to a live listener. No durable fallback if nobody is listening.
	DeliverDirect DeliveryMode = "direct"
)

// AgentMessage is the unit of communication between sandboxes.
// Content is an opaque blob: the bus preserves it byte-for-byte and never
// parses it; only the application layer interprets it.
type AgentMessage struct {
	MessageID   string          `json:"message_id"`
	FromAgent   string          `json:"from_agent"`
	ToAgent     string          `json:"to_agent,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Content     json.RawMessage `json:"content"`
	Type        MessageType     `json:"message_type"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewMessage builds a message with a fresh id, pending status, and the
// current time. The id, once issued, is never reused.
func NewMessage(fromAgent string, msgType MessageType, content json.RawMessage) *AgentMessage {
	return &AgentMessage{
		MessageID: NewMessageID(),
		FromAgent: fromAgent,
		Content:   content,
		Type:      msgType,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// NewMessageID returns a globally unique message id with the msg_ prefix.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// InboxQueue returns the inbox queue name for an agent.
func InboxQueue(agentID string) string {
	return "agent:" + agentID + ":inbox"
}

// DirectTopic returns an agent's private push topic.
func DirectTopic(agentID string) string {
	return "agent:" + agentID + ":direct"
}

// WorkspaceTopic returns the broadcast topic for a workspace.
func WorkspaceTopic(workspaceID string) string {
	return "workspace:" + workspaceID
}
