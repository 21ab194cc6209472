package server

import (
	"context"
	"sync"
)

// BoardEvent is a control event addressed to every connection on a board.
type BoardEvent struct {
	BoardID string
	Payload any
}

// BoardDispatcher fans control events out to the connections subscribed to a board.
type BoardDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*boardSubscriber
	nextID      int64
	bufferSize  int
}

type boardSubscriber struct {
	id        int64
	stream    chan BoardEvent
	done      chan struct{}
	closeOnce sync.Once
}

func NewBoardDispatcher() *BoardDispatcher {
	return &BoardDispatcher{
		subscribers: make(map[string]map[int64]*boardSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a stream for boardID. The stream is closed by the
// returned cleanup or when ctx ends, whichever happens first.
func (d *BoardDispatcher) Subscribe(ctx context.Context, boardID string) (<-chan BoardEvent, func()) {
	if boardID == "" {
		ch := make(chan BoardEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &boardSubscriber{
		id:     d.nextSequence(),
		stream: make(chan BoardEvent, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.registerSubscriber(boardID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(boardID, subscriber)
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-subscriber.done:
		}
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to the board's subscribers without blocking and
// returns how many accepted it.
func (d *BoardDispatcher) Publish(event BoardEvent) int {
	if event.BoardID == "" || event.Payload == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	delivered := 0
	for _, subscriber := range d.subscribers[event.BoardID] {
		select {
		case subscriber.stream <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// SubscriberCount returns the number of streams registered for boardID.
func (d *BoardDispatcher) SubscriberCount(boardID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[boardID])
}

func (d *BoardDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *BoardDispatcher) registerSubscriber(boardID string, subscriber *boardSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[boardID]; !ok {
		d.subscribers[boardID] = make(map[int64]*boardSubscriber)
	}
	d.subscribers[boardID][subscriber.id] = subscriber
}

func (d *BoardDispatcher) unregisterSubscriber(boardID string, subscriber *boardSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[boardID]
	if subscribers != nil {
		delete(subscribers, subscriber.id)
		if len(subscribers) == 0 {
			delete(d.subscribers, boardID)
		}
	}
	// Publish sends under the read lock, so closing here cannot race a send.
	subscriber.closeOnce.Do(func() {
		close(subscriber.stream)
		close(subscriber.done)
	})
}
