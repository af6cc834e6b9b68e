package broadcast

import "testing"

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	q1 := b.Subscribe()
	q2 := b.Subscribe()

	b.Publish(Event{Type: "signal", Data: 1})

	for i, q := range []chan Event{q1, q2} {
		select {
		case ev := <-q:
			if ev.Type != "signal" {
				t.Errorf("subscriber %d: type = %s", i, ev.Type)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	q := b.Subscribe()
	b.Unsubscribe(q)
	b.Unsubscribe(q) // second call is a no-op

	b.Publish(Event{Type: "signal"})
	select {
	case <-q:
		t.Fatal("unsubscribed queue received an event")
	default:
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d", b.SubscriberCount())
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := New()
	q := b.Subscribe()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "signal", Data: i})
	}
	for i := 0; i < 10; i++ {
		ev := <-q
		if ev.Data != i {
			t.Fatalf("event %d out of order: %v", i, ev.Data)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	q := b.Subscribe()

	// Overfill well past the queue bound; Publish must not block.
	for i := 0; i < queueSize*2; i++ {
		b.Publish(Event{Type: "signal", Data: i})
	}
	if len(q) != queueSize {
		t.Errorf("queue length = %d, want %d", len(q), queueSize)
	}
	// Delivered events are the oldest ones, in order.
	first := <-q
	if first.Data != 0 {
		t.Errorf("first delivered = %v, want 0", first.Data)
	}
}
