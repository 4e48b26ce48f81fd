package broadcaster

import (
	"testing"
	"time"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	r := New(nil, nil)
	_, events, unsub := r.Subscribe()
	defer unsub()

	r.Publish(KindScreenshot, map[string]any{"hash": "abc"})

	select {
	case ev := <-events:
		if ev.Kind != KindScreenshot {
			t.Errorf("Kind = %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_FanOutToMultipleSubscribers(t *testing.T) {
	r := New(nil, nil)
	_, e1, unsub1 := r.Subscribe()
	_, e2, unsub2 := r.Subscribe()
	defer unsub1()
	defer unsub2()

	r.Publish(KindQueueStatus, nil)

	for _, ch := range []<-chan Event{e1, e2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out event")
		}
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	r := New(nil, nil)
	_, events, unsub := r.Subscribe()
	unsub()

	if _, ok := <-events; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	if r.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", r.SubscriberCount())
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	r := New(nil, nil)
	_, events, unsub := r.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		r.Publish(KindActionExecuted, nil)
	}

	select {
	case <-events:
	default:
		t.Error("expected buffered events to be available")
	}
}
