package bus

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dayuer/agentbus/internal/store"
)

// PubSubManager provides topic-scoped fan-out to currently-listening
// subscribers. Fire-and-forget: a subscriber registered but not actively
// listening at publish time receives nothing and is not counted.
//
// Subscription bookkeeping (who declared interest in what) is kept locally;
// the live delivery path is the store's channel primitive, so the count
// returned by Publish reflects listeners actually attached, not bookkeeping.
type PubSubManager struct {
	store *store.Store

	mu   sync.RWMutex
	subs map[string]map[string]struct{} // subscriber id → topic set
}

// NewPubSubManager creates a pub/sub manager on the given store.
func NewPubSubManager(st *store.Store) *PubSubManager {
	return &PubSubManager{
		store: st,
		subs:  make(map[string]map[string]struct{}),
	}
}

// Subscribe registers a subscriber's interest in topics. Idempotent; does not
// retroactively deliver past messages.
func (p *PubSubManager) Subscribe(subscriberID string, topics ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.subs[subscriberID]
	if !ok {
		set = make(map[string]struct{})
		p.subs[subscriberID] = set
	}
	for _, topic := range topics {
		set[topic] = struct{}{}
	}
}

// Unsubscribe removes a subscriber's interest in topics. No-op for topics it
// never subscribed to.
func (p *PubSubManager) Unsubscribe(subscriberID string, topics ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.subs[subscriberID]
	if !ok {
		return
	}
	for _, topic := range topics {
		delete(set, topic)
	}
	if len(set) == 0 {
		delete(p.subs, subscriberID)
	}
}

// Subscriptions returns the topics a subscriber has registered interest in,
// sorted for stable output.
func (p *PubSubManager) Subscriptions(subscriberID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := p.subs[subscriberID]
	topics := make([]string, 0, len(set))
	for topic := range set {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Publish delivers a message to every listener currently attached to the
// topic and returns the number actually notified. Zero is a normal result;
// policy on empty fan-out belongs to the caller.
func (p *PubSubManager) Publish(ctx context.Context, topic string, msg *AgentMessage) (int64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	return p.store.Publish(ctx, topic, string(data))
}

// Listen attaches a live listener on the given topics. The subscription is
// active when Listen returns. Callers must Close the listener.
func (p *PubSubManager) Listen(ctx context.Context, topics ...string) (*Listener, error) {
	ps, err := p.store.Subscribe(ctx, topics...)
	if err != nil {
		return nil, err
	}
	return &Listener{ps: ps, done: make(chan struct{})}, nil
}

// Listener is a live attachment to one or more topics. Messages arrive in
// publish order per topic for a single publisher.
type Listener struct {
	ps   *redis.PubSub
	done chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	out       chan *AgentMessage
}

// Messages returns the stream of decoded messages. The channel closes when
// the listener is closed, even if the consumer has stopped draining it.
// Payloads that do not decode as AgentMessage are dropped with a log line.
func (l *Listener) Messages() <-chan *AgentMessage {
	l.startOnce.Do(func() {
		l.out = make(chan *AgentMessage, 64)
		go func() {
			defer close(l.out)
			for raw := range l.ps.Channel() {
				var msg AgentMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					log.Printf("[PubSub] ⚠️ Dropping undecodable payload on %s: %v", raw.Channel, err)
					continue
				}
				select {
				case l.out <- &msg:
				case <-l.done:
					return
				}
			}
		}()
	})
	return l.out
}

// AddTopics extends the listener to additional topics.
func (l *Listener) AddTopics(ctx context.Context, topics ...string) error {
	return l.ps.Subscribe(ctx, topics...)
}

// Close detaches the listener and releases its decode goroutine.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return l.ps.Close()
}
