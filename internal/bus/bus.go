// Package bus distributes derived views and notifications to subscribers.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageType discriminates the payload of a Message.
type MessageType string

const (
	// ViewsUpdated carries an engine.Views.
	ViewsUpdated MessageType = "views_updated"
	// SelectionChanged carries a selection.Snapshot.
	SelectionChanged MessageType = "selection_changed"
	// CommandUpdated carries a schemas.Command.
	CommandUpdated MessageType = "command_updated"
	// FleetEvent carries a schemas.FleetEvent.
	FleetEvent MessageType = "fleet_event"
)

// Message is the envelope for data transmitted over the Bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Type      MessageType
	Payload   interface{}
}

// Bus manages the flow of information using a Pub/Sub model.
// Sends block when a subscriber buffer is full, so a slow consumer applies
// backpressure to the publisher rather than losing messages.
type Bus struct {
	logger *zap.Logger

	subscribers map[MessageType][]chan Message
	// retired holds unsubscribed channels until Shutdown drains them.
	retired    []chan Message
	mu         sync.RWMutex
	bufferSize int

	// processingWg tracks delivered messages awaiting Acknowledge.
	processingWg sync.WaitGroup
	// activePostsWg tracks Post calls in progress.
	activePostsWg sync.WaitGroup

	// done is closed when Shutdown starts and releases blocked senders.
	done       chan struct{}
	isShutdown bool
	shutdownMu sync.Mutex
}

// New initializes the Bus.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		logger:      logger.Named("bus"),
		subscribers: make(map[MessageType][]chan Message),
		bufferSize:  bufferSize,
		done:        make(chan struct{}),
	}
}

// Post sends a message to every subscriber of its type and to catch-all
// subscribers. It returns once each subscriber buffer accepted the message.
func (b *Bus) Post(ctx context.Context, msg Message) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot post message: bus is shut down")
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	unique := make(map[chan Message]struct{})
	for _, ch := range b.subscribers[msg.Type] {
		unique[ch] = struct{}{}
	}
	for _, ch := range b.subscribers[""] {
		unique[ch] = struct{}{}
	}
	b.mu.RUnlock()

	for ch := range unique {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.done:
			b.processingWg.Done()
			return fmt.Errorf("failed to post message: bus is shutting down")
		}
	}
	return nil
}

// Subscribe returns a channel for the given message types, or for every type
// when none is given, and a function that ends the subscription.
func (b *Bus) Subscribe(msgTypes ...MessageType) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, b.bufferSize)
	if len(msgTypes) == 0 {
		msgTypes = []MessageType{""}
	}
	subscribedTypes := append([]MessageType(nil), msgTypes...)
	for _, t := range subscribedTypes {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.isShutdownLocked() {
				return
			}
			for _, t := range subscribedTypes {
				subs := b.subscribers[t]
				for i, sub := range subs {
					if sub == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
				if len(b.subscribers[t]) == 0 {
					delete(b.subscribers, t)
				}
			}
			b.retired = append(b.retired, ch)
		})
	}
	return ch, unsubscribe
}

func (b *Bus) isShutdownLocked() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// Acknowledge signals that a message has been processed by a consumer.
func (b *Bus) Acknowledge(msg Message) {
	b.processingWg.Done()
}

// Shutdown releases blocked senders, closes every subscriber channel once no
// Post is in flight, and waits until each delivered message is either
// acknowledged or drained unread.
func (b *Bus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	close(b.done)
	b.shutdownMu.Unlock()

	b.activePostsWg.Wait()

	b.mu.Lock()
	unique := make(map[chan Message]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for _, ch := range b.retired {
		unique[ch] = struct{}{}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[MessageType][]chan Message)
	b.retired = nil
	b.mu.Unlock()
	b.logger.Debug("Bus shutting down", zap.Int("subscribers", len(unique)))

	// Release whatever no consumer read. Each message is received once,
	// either here or by its consumer.
	for ch := range unique {
		for range ch {
			b.processingWg.Done()
		}
	}
	b.processingWg.Wait()
}
