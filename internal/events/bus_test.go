package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"ridedispatch/internal/logger"
)

func TestBus_DeliversToTopicSubscribersOnly(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	trips := bus.Subscribe(TopicTripLifecycle, 4)
	locations := bus.Subscribe(TopicDriverLocation, 4)
	defer trips.Close()
	defer locations.Close()

	bus.Publish(context.Background(), Event{Topic: TopicTripLifecycle, Name: "trip_accepted", TripID: "t1"})

	select {
	case e := <-trips.C:
		if e.Name != "trip_accepted" || e.OccurredAt.IsZero() {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected lifecycle event")
	}

	select {
	case e := <-locations.C:
		t.Fatalf("location subscriber got %+v", e)
	default:
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe(TopicTripLifecycle, 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(context.Background(), Event{Topic: TopicTripLifecycle, Name: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(sub.C) != 1 {
		t.Errorf("expected buffer to hold 1 event, got %d", len(sub.C))
	}
}

func TestBus_CloseSubscription(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe(TopicDriverLocation, 1)
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
	bus.Publish(context.Background(), Event{Topic: TopicDriverLocation})
}

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestKafkaBridge_ForwardsWithPrefixedTopic(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	writer := &recordingWriter{}
	bridge := NewKafkaBridge(bus, writer, "dispatch.", logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(done)
	}()

	// Run subscribes asynchronously; publish until the bridge picks it up.
	deadline := time.Now().Add(2 * time.Second)
	for writer.count() == 0 && time.Now().Before(deadline) {
		bus.Publish(ctx, Event{Topic: TopicTripLifecycle, Name: "trip_cancelled", TripID: "t9"})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.msgs) == 0 {
		t.Fatal("expected forwarded message")
	}
	msg := writer.msgs[0]
	if msg.Topic != "dispatch.trip-lifecycle" || string(msg.Key) != "t9" {
		t.Errorf("unexpected message: topic=%s key=%s", msg.Topic, msg.Key)
	}
}
