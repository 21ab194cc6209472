package server

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func TestBoardDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewBoardDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "board-1")
	defer cleanup()

	delivered := dispatcher.Publish(BoardEvent{
		BoardID: "board-1",
		Payload: presenceEvent{Type: eventPresenceUpdate, BoardID: "board-1", OnlineCount: 2},
	})
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}

	select {
	case received := <-stream:
		payload, ok := received.Payload.(presenceEvent)
		if !ok {
			t.Fatalf("unexpected payload %T", received.Payload)
		}
		if payload.OnlineCount != 2 {
			t.Fatalf("expected online count 2, got %d", payload.OnlineCount)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected board event within deadline")
	}
}

func TestBoardDispatcherIsolatedByBoard(t *testing.T) {
	dispatcher := NewBoardDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boardStream, cleanup := dispatcher.Subscribe(ctx, "board-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "board-3")
	defer otherCleanup()

	dispatcher.Publish(BoardEvent{
		BoardID: "board-3",
		Payload: objectLockEvent{Type: eventObjectLockState, ObjectID: "shape-1"},
	})

	select {
	case <-boardStream:
		t.Fatal("did not expect an event for an unrelated board")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.BoardID != "board-3" {
			t.Fatalf("expected board-3, received %s", event.BoardID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected board event for subscribed board")
	}
}

func TestBoardDispatcherCleanupClosesStream(t *testing.T) {
	dispatcher := NewBoardDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "board-4")
	cleanup()
	cleanup()

	if _, open := <-stream; open {
		t.Fatal("expected stream to be closed after cleanup")
	}
	if count := dispatcher.SubscriberCount("board-4"); count != 0 {
		t.Fatalf("expected no subscribers, got %d", count)
	}
	if delivered := dispatcher.Publish(BoardEvent{BoardID: "board-4", Payload: pingEvent{Type: eventServerPing}}); delivered != 0 {
		t.Fatalf("expected no deliveries after cleanup, got %d", delivered)
	}
}

func TestBoardDispatcherContextCancelUnsubscribes(t *testing.T) {
	dispatcher := NewBoardDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := dispatcher.Subscribe(ctx, "board-5")
	cancel()

	select {
	case _, open := <-stream:
		if open {
			t.Fatal("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatal("expected stream to close after context cancellation")
	}
}

func TestBoardDispatcherIgnoresEmptyBoard(t *testing.T) {
	dispatcher := NewBoardDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatal("expected closed stream for empty board")
	}
	if delivered := dispatcher.Publish(BoardEvent{Payload: pingEvent{}}); delivered != 0 {
		t.Fatalf("expected no deliveries, got %d", delivered)
	}
}

func TestBoardDispatcherCleanupReleasesWatcher(t *testing.T) {
	dispatcher := NewBoardDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	baseline := runtime.NumGoroutine()
	for i := 0; i < 1000; i++ {
		_, cleanup := dispatcher.Subscribe(ctx, "board-6")
		cleanup()
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > baseline+10 {
		if time.Now().After(deadline) {
			t.Fatalf("expected watchers to exit after cleanup, have %d goroutines (baseline %d)", runtime.NumGoroutine(), baseline)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if count := dispatcher.SubscriberCount("board-6"); count != 0 {
		t.Fatalf("expected no subscribers, got %d", count)
	}
}
