package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
)

func TestRealtimeDispatcherBroadcastsToEverySubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	capturedAt := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	dispatcher.PublishFold(games.FoldSummary{
		BatchesFolded: 1,
		Batches: []games.FoldedBatch{
			{BatchID: "batch-1", CapturedAt: capturedAt, PastGameIDs: []string{"g1", "g2"}},
		},
	}, capturedAt.Add(time.Second))

	for _, stream := range []<-chan RealtimeMessage{first, second} {
		select {
		case received := <-stream:
			if received.EventType != RealtimeEventGamesFolded {
				t.Fatalf("expected event type %s, got %s", RealtimeEventGamesFolded, received.EventType)
			}
			if received.BatchID != "batch-1" || len(received.PastGameIDs) != 2 {
				t.Fatalf("unexpected message: %#v", received)
			}
			if !received.CapturedAt.Equal(capturedAt) {
				t.Fatalf("expected capture time %s, got %s", capturedAt, received.CapturedAt)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected realtime message within deadline")
		}
	}
}

func TestRealtimeDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for index := 0; index < dispatcher.bufferSize+4; index++ {
		dispatcher.Publish(RealtimeMessage{EventType: RealtimeEventGamesFolded, BatchID: "batch"})
	}
	if len(stream) != dispatcher.bufferSize {
		t.Fatalf("expected %d buffered messages, got %d", dispatcher.bufferSize, len(stream))
	}
}

func TestRealtimeDispatcherUnsubscribesOnContextDone(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.subscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.subscriberCount())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}

	dispatcher.Publish(RealtimeMessage{EventType: RealtimeEventGamesFolded})
}

func TestRealtimeDispatcherIgnoresUntypedMessages(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{BatchID: "batch-1"})
	select {
	case message := <-stream:
		t.Fatalf("did not expect message, got %#v", message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeDispatcherCloseEndsStreams(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Close()
	dispatcher.Close()
	if _, ok := <-stream; ok {
		t.Fatal("expected stream to be closed")
	}

	late, lateCleanup := dispatcher.Subscribe(ctx)
	defer lateCleanup()
	if _, ok := <-late; ok {
		t.Fatal("expected subscription after close to be closed")
	}
	dispatcher.Publish(RealtimeMessage{EventType: RealtimeEventGamesFolded})
}
