package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("ticket.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTicketCreated, TicketEvent{TicketID: "t1", Priority: 0})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTicketCreated {
			t.Fatalf("expected topic %s, got %s", TopicTicketCreated, ev.Topic)
		}
		payload, ok := ev.Payload.(TicketEvent)
		if !ok || payload.TicketID != "t1" {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishSkipsNonMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("store.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTicketCreated, TicketEvent{TicketID: "t1"})

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected delivery: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicLockStolen, LockEvent{TicketID: "t1", Holder: "w2", PrevHolder: "w1"})
	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicLockStolen {
			t.Fatalf("expected %s, got %s", TopicLockStolen, ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowConsumerDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTicketCreated, TicketEvent{TicketID: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}
