package diag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/filenotify/internal/logger"
	"github.com/listenupapp/filenotify/internal/watcher"
)

func TestClient_Wants(t *testing.T) {
	tests := []struct {
		name   string
		client Client
		event  ChangeEvent
		typ    watcher.EventType
		want   bool
	}{
		{"everything", Client{}, ChangeEvent{Path: "/a"}, watcher.EventModified, true},
		{"prefix itself", Client{Prefix: "/a"}, ChangeEvent{Path: "/a"}, watcher.EventDeleted, true},
		{"below prefix", Client{Prefix: "/a"}, ChangeEvent{Path: "/a/b/c"}, watcher.EventCreated, true},
		{"sibling sharing prefix text", Client{Prefix: "/a"}, ChangeEvent{Path: "/ab"}, watcher.EventCreated, false},
		{"root prefix", Client{Prefix: "/"}, ChangeEvent{Path: "/x"}, watcher.EventCreated, true},
		{"masked out", Client{Mask: watcher.EventDeleted}, ChangeEvent{Path: "/a"}, watcher.EventCreated, false},
		{"errors ignore mask", Client{Mask: watcher.EventDeleted}, ChangeEvent{Path: "/a"}, watcher.EventError, true},
		{"heartbeat", Client{Prefix: "/a", Mask: watcher.EventDeleted}, ChangeEvent{Type: streamHeartbeat}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.client.wants(tt.event, tt.typ))
		})
	}
}

func TestBroker_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	broker := NewBroker(logger.Discard())
	broker.clientBuffer = 1
	client, err := broker.Connect("", 0)
	require.NoError(t, err)

	broker.broadcast(brokerEvent{event: ChangeEvent{Type: "created", Path: "/a"}, typ: watcher.EventCreated})
	broker.broadcast(brokerEvent{event: ChangeEvent{Type: "created", Path: "/b"}, typ: watcher.EventCreated})

	ev := <-client.Events
	assert.Equal(t, "/a", ev.Path)
	select {
	case ev := <-client.Events:
		t.Fatalf("unexpected second event %v", ev)
	default:
	}
}

func TestBroker_DisconnectIsIdempotent(t *testing.T) {
	broker := NewBroker(logger.Discard())
	client, err := broker.Connect("/a", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, broker.ClientCount())

	broker.Disconnect(client.ID)
	broker.Disconnect(client.ID)
	broker.Disconnect("sse-unknown")
	assert.Zero(t, broker.ClientCount())

	_, ok := <-client.Done
	assert.False(t, ok)
}

func TestBroker_ShutdownDeliversQueuedEvents(t *testing.T) {
	broker := NewBroker(logger.Discard())
	client, err := broker.Connect("", 0)
	require.NoError(t, err)

	go broker.Start(context.Background())
	require.Eventually(t, broker.Running, 2*time.Second, 5*time.Millisecond)
	broker.OnChange(watcher.Event{Type: watcher.EventCreated, Path: "/queued"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, broker.Shutdown(ctx))
	require.NoError(t, broker.Shutdown(ctx))

	ev, ok := <-client.Events
	require.True(t, ok)
	assert.Equal(t, "/queued", ev.Path)
	_, ok = <-client.Events
	assert.False(t, ok)

	broker.OnChange(watcher.Event{Type: watcher.EventCreated, Path: "/late"})
	assert.Zero(t, broker.ClientCount())
	assert.False(t, broker.Running())
}
