package eventbus

import (
	"testing"
	"time"
)

func TestBusPrefixFiltering(t *testing.T) {
	t.Parallel()

	b := New()
	sessions, unsubA := b.Subscribe(4, "session.")
	all, unsubB := b.Subscribe(4)
	defer unsubA()
	defer unsubB()

	b.Publish(Event{Type: TopicSessionFailed})
	b.Publish(Event{Type: TopicCronRun})

	select {
	case e := <-sessions:
		if e.Type != TopicSessionFailed || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("session event not received")
	}
	select {
	case e := <-sessions:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TopicCronRun})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
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
	b.Publish(Event{Type: TopicCronRun})
}
