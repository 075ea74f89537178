package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/mathedit-labs/mathedit/internal/document"
)

const (
	// EventDocumentChanged signals that a document's merged view changed
	// because of a local mutation.
	EventDocumentChanged = "document-change"
	// EventDocumentRemoved signals that a document left the workspace.
	EventDocumentRemoved = "document-removed"
	// EventCloudRefreshed signals that a new cloud snapshot was merged.
	EventCloudRefreshed = "cloud-refresh"
)

// Event notifies subscribers that the merged view of one or more documents
// must be re-read.
type Event struct {
	Type        string
	DocumentIDs []document.DocumentID
	Timestamp   time.Time
}

// Dispatcher fans workspace events out to subscribers. Publishing never
// blocks: a subscriber that falls behind its buffer misses events rather
// than stalling the mutation path.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a dispatcher with a per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener. The subscription ends when the context is
// cancelled or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(sub)
	cleanup := func() {
		d.unregister(sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber that has buffer capacity.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[sub.id] = sub
}

func (d *Dispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
