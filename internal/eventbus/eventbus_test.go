package eventbus

import "testing"

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New(0)
	s1 := bus.Subscribe()
	s2 := bus.Subscribe()

	bus.Publish(Event{Kind: "order_created", Payload: "order-1"})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.Events():
			if ev.Kind != "order_created" {
				t.Errorf("got kind %q, want order_created", ev.Kind)
			}
		default:
			t.Errorf("expected event on subscriber channel")
		}
	}
}

func TestPublishDropsOldestOnFullBuffer(t *testing.T) {
	bus := New(2)
	s := bus.Subscribe()

	bus.Publish(Event{Kind: "a"})
	bus.Publish(Event{Kind: "b"})
	bus.Publish(Event{Kind: "c"})

	first := <-s.Events()
	second := <-s.Events()
	if first.Kind != "b" || second.Kind != "c" {
		t.Errorf("got %q, %q; want b, c (oldest dropped)", first.Kind, second.Kind)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(0)
	s := bus.Subscribe()
	s.Unsubscribe()

	bus.Publish(Event{Kind: "order_created"})

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after Unsubscribe, got %d", bus.SubscriberCount())
	}
	if _, ok := <-s.Events(); ok {
		t.Errorf("expected channel to be closed")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New(0)
	s := bus.Subscribe()
	s.Unsubscribe()
	s.Unsubscribe()
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	bus := New(1)
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	bus.Publish(Event{Kind: "a"})

	select {
	case ev := <-fast.Events():
		if ev.Kind != "a" {
			t.Errorf("fast subscriber got %q, want a", ev.Kind)
		}
	default:
		t.Errorf("expected fast subscriber to have received an event")
	}

	// The slow subscriber's buffer is now full; publishing must not block.
	bus.Publish(Event{Kind: "b"})
	_ = slow
}
