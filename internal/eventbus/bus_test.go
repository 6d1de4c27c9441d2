package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: "ping", Data: 1})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "ping" {
				t.Fatalf("subscriber %d: Type = %q, want ping", i, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: event time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if e := <-ch; e.Type != "a" {
		t.Fatalf("Type = %q, want a", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}

func TestReliableEventsSurviveFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(2)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "chunk", Data: i})
	}
	b.PublishReliable(Event{Type: "exit"})
	b.PublishReliable(Event{Type: "finished"})

	want := []string{"chunk", "chunk", "exit", "finished"}
	for i, typ := range want {
		select {
		case e := <-ch:
			if e.Type != typ {
				t.Fatalf("event %d: Type = %q, want %q", i, e.Type, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d (%s) was dropped", i, typ)
		}
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBufferFreesAfterReceive(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	if e := <-ch; e.Type != "a" {
		t.Fatalf("Type = %q, want a", e.Type)
	}
	// The slot is released once the event has been received.
	deadline := time.After(time.Second)
	for {
		b.Publish(Event{Type: "b"})
		select {
		case e := <-ch:
			if e.Type != "b" {
				t.Fatalf("Type = %q, want b", e.Type)
			}
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("buffer never freed")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
	if n := b.(*memBus).Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}
