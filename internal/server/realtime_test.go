package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/sharelinks"
)

func receive(t *testing.T, subscription *Subscription) RealtimeMessage {
	t.Helper()
	select {
	case message, ok := <-subscription.Events():
		if !ok {
			t.Fatal("subscription closed before a message arrived")
		}
		return message
	case <-time.After(time.Second):
		t.Fatal("no realtime message within deadline")
	}
	return RealtimeMessage{}
}

func TestRealtimeDispatcherDeliversLinkEventsToTheOwningDesigner(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	owner := dispatcher.Subscribe(context.Background(), "designer-1")
	defer owner.Close()
	secondTab := dispatcher.Subscribe(context.Background(), "designer-1")
	defer secondTab.Close()
	other := dispatcher.Subscribe(context.Background(), "designer-2")
	defer other.Close()

	occurredAt := time.Date(2026, time.May, 1, 12, 0, 0, 0, time.UTC)
	dispatcher.PublishLinkEvent(sharelinks.Event{
		Type:          sharelinks.EventMeasurementSubmitted,
		DesignerID:    "designer-1",
		ClientID:      "client-1",
		LinkID:        "link-1",
		MeasurementID: "measurement-1",
		OccurredAt:    occurredAt,
	})

	for _, subscription := range []*Subscription{owner, secondTab} {
		message := receive(t, subscription)
		if message.EventType != sharelinks.EventMeasurementSubmitted || message.MeasurementID != "measurement-1" {
			t.Fatalf("unexpected message %+v", message)
		}
		if message.Source != realtimeSourceBackend || !message.Timestamp.Equal(occurredAt) {
			t.Fatalf("unexpected envelope %+v", message)
		}
	}
	select {
	case message := <-other.Events():
		t.Fatalf("designer-2 received %+v", message)
	default:
	}
}

func TestRealtimeDispatcherDropsWhenBufferIsFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	subscription := dispatcher.Subscribe(context.Background(), "designer-1")
	defer subscription.Close()

	for i := 0; i < realtimeBufferSize+3; i++ {
		dispatcher.Publish(RealtimeMessage{DesignerID: "designer-1", EventType: sharelinks.EventMeasurementUpdated})
	}
	if dispatcher.Dropped() != 3 {
		t.Fatalf("expected 3 dropped messages, got %d", dispatcher.Dropped())
	}
	if len(subscription.Events()) != realtimeBufferSize {
		t.Fatalf("expected a full buffer, got %d", len(subscription.Events()))
	}
}

func TestRealtimeSubscriptionClosesWithContext(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	subscription := dispatcher.Subscribe(ctx, "designer-4")
	if dispatcher.subscriberCount("designer-4") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	select {
	case _, ok := <-subscription.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	if dispatcher.subscriberCount("designer-4") != 0 {
		t.Fatal("expected subscriber to be removed after cancel")
	}

	subscription.Close()
	dispatcher.Publish(RealtimeMessage{DesignerID: "designer-4", EventType: sharelinks.EventMeasurementUpdated})
}

func TestRealtimeSubscribeWithoutDesignerIsClosed(t *testing.T) {
	subscription := NewRealtimeDispatcher().Subscribe(context.Background(), "")
	if _, ok := <-subscription.Events(); ok {
		t.Fatal("expected closed stream for anonymous subscriber")
	}
	subscription.Close()
}
