package events

import (
	"testing"
	"time"

	"drydock/types"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewSimpleBus()

	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	event := types.ServiceHealthy{
		BaseEvent: types.BaseEvent{Timestamp: time.Now(), Service: "client"},
	}
	bus.Publish(event)

	for i, sub := range []<-chan types.Event{sub1, sub2} {
		select {
		case got := <-sub:
			healthy, ok := got.(types.ServiceHealthy)
			if !ok {
				t.Fatalf("subscriber %d: expected ServiceHealthy, got %T", i+1, got)
			}
			if healthy.Service != "client" {
				t.Errorf("subscriber %d: expected service client, got %q", i+1, healthy.Service)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for event", i+1)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewSimpleBus()

	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	select {
	case _, open := <-sub:
		if open {
			t.Error("expected channel to be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for closed channel")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(types.ServiceStopped{
		BaseEvent: types.BaseEvent{Timestamp: time.Now(), Service: "client"},
	})
}

func TestPublishSkipsFullSubscriber(t *testing.T) {
	bus := NewSimpleBus()
	sub := bus.Subscribe()

	// Fill the subscriber's buffer and then some; the extra publishes are dropped.
	for i := 0; i < 150; i++ {
		bus.Publish(types.ServiceStarted{
			BaseEvent: types.BaseEvent{Timestamp: time.Now(), Service: "connect"},
		})
	}

	drained := 0
	for {
		select {
		case <-sub:
			drained++
		default:
			if drained != 100 {
				t.Errorf("expected exactly the buffered 100 events, got %d", drained)
			}
			return
		}
	}
}
