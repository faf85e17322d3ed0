package bus

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubSub_SubscribeIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	p := NewPubSubManager(st)

	p.Subscribe("a1", "topic-x", "topic-y")
	p.Subscribe("a1", "topic-x")
	p.Subscribe("a1", "topic-x")

	assert.Equal(t, []string{"topic-x", "topic-y"}, p.Subscriptions("a1"))
}

func TestPubSub_UnsubscribeNoop(t *testing.T) {
	st, _ := newTestStore(t)
	p := NewPubSubManager(st)

	p.Unsubscribe("ghost", "never-subscribed")

	p.Subscribe("a1", "topic-x")
	p.Unsubscribe("a1", "topic-x", "never-subscribed")
	assert.Empty(t, p.Subscriptions("a1"))
}

func TestPubSub_FanOutCount(t *testing.T) {
	st, _ := newTestStore(t)
	p := NewPubSubManager(st)
	ctx := context.Background()

	l1, err := p.Listen(ctx, "workspace:ws_123")
	require.NoError(t, err)
	defer l1.Close()
	l2, err := p.Listen(ctx, "workspace:ws_123")
	require.NoError(t, err)
	defer l2.Close()

	// Registered interest without an active listener does not count.
	p.Subscribe("a3", "workspace:ws_123")

	msg := NewMessage("a0", TypeNotification, json.RawMessage(`{"hello":"ws"}`))
	count, err := p.Publish(ctx, "workspace:ws_123", msg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	for _, l := range []*Listener{l1, l2} {
		select {
		case got := <-l.Messages():
			assert.Equal(t, msg.MessageID, got.MessageID)
			assert.Equal(t, `{"hello":"ws"}`, string(got.Content))
		case <-time.After(time.Second):
			t.Fatal("listener did not receive the message")
		}
	}
}

func TestPubSub_PublishNoListeners(t *testing.T) {
	st, _ := newTestStore(t)
	p := NewPubSubManager(st)

	msg := NewMessage("a0", TypeNotification, json.RawMessage(`{}`))
	count, err := p.Publish(context.Background(), "silent-topic", msg)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPubSub_ListenerDoesNotReceiveOtherTopics(t *testing.T) {
	st, _ := newTestStore(t)
	p := NewPubSubManager(st)
	ctx := context.Background()

	l, err := p.Listen(ctx, "topic-a")
	require.NoError(t, err)
	defer l.Close()

	msg := NewMessage("a0", TypeNotification, json.RawMessage(`{}`))
	_, err = p.Publish(ctx, "topic-b", msg)
	require.NoError(t, err)

	select {
	case got := <-l.Messages():
		t.Fatalf("unexpected message: %s", got.MessageID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPubSub_PublishOrderPerPublisher(t *testing.T) {
	st, _ := newTestStore(t)
	p := NewPubSubManager(st)
	ctx := context.Background()

	l, err := p.Listen(ctx, "ordered")
	require.NoError(t, err)
	defer l.Close()

	var sent []string
	for i := 0; i < 5; i++ {
		msg := NewMessage("a0", TypeNotification, json.RawMessage(`{}`))
		_, err := p.Publish(ctx, "ordered", msg)
		require.NoError(t, err)
		sent = append(sent, msg.MessageID)
	}

	var got []string
	for i := 0; i < 5; i++ {
		select {
		case m := <-l.Messages():
			got = append(got, m.MessageID)
		case <-time.After(time.Second):
			t.Fatal("missing message")
		}
	}
	assert.Equal(t, sent, got)
}

func TestPubSub_CloseReleasesUndrainedListener(t *testing.T) {
	st, _ := newTestStore(t)
	p := NewPubSubManager(st)
	ctx := context.Background()

	before := runtime.NumGoroutine()

	l, err := p.Listen(ctx, "busy")
	require.NoError(t, err)
	l.Messages() // start the decode goroutine, never drain it

	// Overrun the stream buffer so the decode goroutine is parked on a send.
	for i := 0; i < 100; i++ {
		msg := NewMessage("a0", TypeNotification, json.RawMessage(`{}`))
		_, err := p.Publish(ctx, "busy", msg)
		require.NoError(t, err)
	}

	require.NoError(t, l.Close())

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+1
	}, 2*time.Second, 20*time.Millisecond, "decode goroutine leaked after Close")

	// The stream ends for any consumer that comes back to drain it.
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-l.Messages():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 20*time.Millisecond, "message stream never closed")
}

func TestPubSub_AddTopics(t *testing.T) {
	st, _ := newTestStore(t)
	p := NewPubSubManager(st)
	ctx := context.Background()

	l, err := p.Listen(ctx, "topic-a")
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.AddTopics(ctx, "topic-b"))
	// Subscription extension races with publish; give the server a beat.
	time.Sleep(50 * time.Millisecond)

	msg := NewMessage("a0", TypeNotification, json.RawMessage(`{}`))
	count, err := p.Publish(ctx, "topic-b", msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
