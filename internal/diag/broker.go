package diag

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/listenupapp/filenotify/internal/id"
	"github.com/listenupapp/filenotify/internal/watcher"
)

// Stream event names that are not change types.
const (
	streamConnected = "connected"
	streamHeartbeat = "heartbeat"
)

// ChangeEvent is the wire form of a watcher.Event on the event stream.
type ChangeEvent struct {
	Time        time.Time `json:"time"`
	Type        string    `json:"type"`
	Path        string    `json:"path,omitempty"`
	RelatedPath string    `json:"related_path,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// NewChangeEvent converts a watcher event.
func NewChangeEvent(e watcher.Event) ChangeEvent {
	ce := ChangeEvent{
		Time:        e.Time,
		Type:        e.Type.String(),
		Path:        e.Path,
		RelatedPath: e.RelatedPath,
	}
	if e.Err != nil {
		ce.Error = e.Err.Error()
	}
	return ce
}

// Client is a connected event stream consumer.
type Client struct {
	ConnectedAt time.Time
	Events      chan ChangeEvent
	Done        chan struct{}
	ID          string
	// Prefix limits delivery to paths at or below it. Empty means everything.
	Prefix string
	// Mask limits delivery to these change types. Zero means all.
	Mask watcher.EventType
}

func (c *Client) wants(ev ChangeEvent, typ watcher.EventType) bool {
	if ev.Type == streamHeartbeat {
		return true
	}
	if !c.Mask.Has(typ) {
		return false
	}
	if c.Prefix == "" {
		return true
	}
	return ev.Path == c.Prefix || strings.HasPrefix(ev.Path, strings.TrimSuffix(c.Prefix, "/")+"/")
}

type brokerEvent struct {
	event ChangeEvent
	typ   watcher.EventType
}

// Broker fans change events out to event stream clients. It is a watcher.Observer, so it can
// be registered on any watch next to other observers.
type Broker struct {
	clients           map[string]*Client
	events            chan brokerEvent
	logger            *slog.Logger
	wg                sync.WaitGroup
	heartbeatInterval time.Duration
	clientBuffer      int
	mu                sync.RWMutex

	shutdownMu sync.RWMutex
	shutdown   bool
	running    bool
}

// NewBroker creates a broker. Start must run for events to reach clients.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		clients:           make(map[string]*Client),
		events:            make(chan brokerEvent, 1000),
		logger:            logger,
		heartbeatInterval: 30 * time.Second,
		clientBuffer:      100,
	}
}

// Start broadcasts queued events until ctx is cancelled or Shutdown is called.
func (b *Broker) Start(ctx context.Context) {
	b.shutdownMu.Lock()
	if b.shutdown || b.running {
		b.shutdownMu.Unlock()
		return
	}
	b.running = true
	b.wg.Add(1)
	b.shutdownMu.Unlock()

	defer func() {
		b.shutdownMu.Lock()
		b.running = false
		b.shutdownMu.Unlock()
		b.wg.Done()
	}()

	heartbeat := time.NewTicker(b.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-b.events:
			if !ok {
				b.closeAllClients()
				return
			}
			b.broadcast(ev)

		case <-heartbeat.C:
			b.broadcast(brokerEvent{event: ChangeEvent{Type: streamHeartbeat, Time: time.Now()}})

		case <-ctx.Done():
			b.closeAllClients()
			return
		}
	}
}

// Shutdown stops accepting events, lets Start deliver what is queued and disconnects every
// client.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutdownMu.Lock()
	if b.shutdown {
		b.shutdownMu.Unlock()
		return nil
	}
	b.shutdown = true
	close(b.events)
	b.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.closeAllClients()
		return nil
	case <-ctx.Done():
		b.logger.Warn("event broker drain timed out, some events may be lost")
		return ctx.Err()
	}
}

// Running reports whether Start is broadcasting.
func (b *Broker) Running() bool {
	b.shutdownMu.RLock()
	defer b.shutdownMu.RUnlock()
	return b.running
}

// OnChange implements watcher.Observer. It never blocks: when the queue is full the event is
// dropped.
func (b *Broker) OnChange(e watcher.Event) {
	b.shutdownMu.RLock()
	defer b.shutdownMu.RUnlock()

	if b.shutdown {
		return
	}

	select {
	case b.events <- brokerEvent{event: NewChangeEvent(e), typ: e.Type}:
	default:
		b.logger.Warn("event broker queue full, dropping event",
			slog.String("path", e.Path),
			slog.String("type", e.Type.String()))
	}
}

func (b *Broker) broadcast(ev brokerEvent) {
	var delivered, dropped, filtered int

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, client := range b.clients {
		if !client.wants(ev.event, ev.typ) {
			filtered++
			continue
		}

		select {
		case client.Events <- ev.event:
			delivered++
		default:
			dropped++
			b.logger.Warn("dropped event for slow client",
				slog.String("client_id", client.ID),
				slog.String("path", ev.event.Path))
		}
	}

	if ev.event.Type != streamHeartbeat {
		b.logger.Debug("event broadcast",
			slog.String("type", ev.event.Type),
			slog.String("path", ev.event.Path),
			slog.Group("stats",
				slog.Int("delivered", delivered),
				slog.Int("filtered", filtered),
				slog.Int("dropped", dropped)))
	}
}

// Connect registers a client receiving changes at or below prefix whose type is in mask.
func (b *Broker) Connect(prefix string, mask watcher.EventType) (*Client, error) {
	clientID, err := id.New("sse")
	if err != nil {
		return nil, err
	}

	client := &Client{
		ID:          clientID,
		Prefix:      prefix,
		Mask:        mask,
		Events:      make(chan ChangeEvent, b.clientBuffer),
		Done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}

	b.mu.Lock()
	b.clients[client.ID] = client
	total := len(b.clients)
	b.mu.Unlock()

	b.logger.Info("event stream client connected",
		slog.String("client_id", clientID),
		slog.String("prefix", prefix),
		slog.Int("total_clients", total))
	return client, nil
}

// Disconnect removes a client and closes its channels. Unknown ids are ignored.
func (b *Broker) Disconnect(clientID string) {
	b.mu.Lock()
	client, ok := b.clients[clientID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, clientID)
	total := len(b.clients)
	b.mu.Unlock()

	close(client.Done)
	close(client.Events)

	b.logger.Info("event stream client disconnected",
		slog.String("client_id", clientID),
		slog.Duration("duration", time.Since(client.ConnectedAt)),
		slog.Int("total_clients", total))
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broker) closeAllClients() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, client := range b.clients {
		close(client.Done)
		close(client.Events)
	}
	b.clients = make(map[string]*Client)
}
