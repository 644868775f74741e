package bus

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	var got []Event
	unsub := b.Subscribe("connection.", func(evt Event) { got = append(got, evt) })
	defer unsub()

	b.Publish(Event{Kind: "connection.state_changed", Timestamp: time.Now(), Payload: "test"})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Kind != "connection.state_changed" {
		t.Errorf("got kind %q, want connection.state_changed", got[0].Kind)
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New(nil)
	var kinds []string
	unsub := b.Subscribe("presence.", func(evt Event) { kinds = append(kinds, evt.Kind) })
	defer unsub()

	b.Publish(Event{Kind: "connection.state_changed"})
	b.Publish(Event{Kind: "presence.online"})

	if len(kinds) != 1 || kinds[0] != "presence.online" {
		t.Errorf("kinds = %v, want [presence.online]", kinds)
	}
}

func TestEmptyNamespaceMatchesAll(t *testing.T) {
	b := New(nil)
	n := 0
	unsub := b.Subscribe("", func(Event) { n++ })
	defer unsub()

	b.Publish(Event{Kind: "message.new"})
	b.Publish(Event{Kind: "typing.started"})

	if n != 2 {
		t.Errorf("delivered %d events, want 2", n)
	}
}

func TestDeliveryInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []int
	for i := range 5 {
		b.Subscribe("message.", func(Event) { order = append(order, i) })
	}

	b.Publish(Event{Kind: "message.new"})

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
	if len(order) != 5 {
		t.Errorf("delivered to %d handlers, want 5", len(order))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	n := 0
	unsub := b.Subscribe("message.", func(Event) { n++ })
	unsub()
	unsub()

	b.Publish(Event{Kind: "message.new"})

	if n != 0 {
		t.Errorf("received %d events after unsubscribe", n)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestUnsubscribeDuringDelivery(t *testing.T) {
	b := New(nil)
	var first, second int
	var unsubSecond func()
	b.Subscribe("message.", func(Event) {
		first++
		unsubSecond()
	})
	unsubSecond = b.Subscribe("message.", func(Event) { second++ })

	b.Publish(Event{Kind: "message.new"})
	b.Publish(Event{Kind: "message.new"})

	if first != 2 {
		t.Errorf("first handler ran %d times, want 2", first)
	}
	if second != 0 {
		t.Errorf("second handler ran %d times, want 0", second)
	}
}

// TestHandlerPanicIsolated verifies a panicking handler neither reaches the
// publisher nor prevents later handlers from running.
func TestHandlerPanicIsolated(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	b := New(logger)
	var after int
	b.Subscribe("typing.", func(Event) { panic("boom") })
	b.Subscribe("typing.", func(Event) { after++ })

	b.Publish(Event{Kind: "typing.started"})

	if after != 1 {
		t.Errorf("handler after panic ran %d times, want 1", after)
	}
}

func TestStreamDropOnFullBuffer(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Stream("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	default:
	}
}
