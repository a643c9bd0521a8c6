package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/sharelinks"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "atelier-backend"
	realtimeBufferSize     = 16
)

// RealtimeMessage is one event delivered to a designer's open streams.
type RealtimeMessage struct {
	DesignerID    string    `json:"-"`
	EventType     string    `json:"type"`
	ClientID      string    `json:"clientId,omitempty"`
	LinkID        string    `json:"linkId,omitempty"`
	MeasurementID string    `json:"measurementId,omitempty"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

// RealtimeDispatcher fans share-link events out to the owning designer's
// open event streams. A full subscriber buffer drops the message.
type RealtimeDispatcher struct {
	mu      sync.Mutex
	streams map[string]map[*Subscription]struct{}
	dropped atomic.Int64
}

// Subscription is one open event stream.
type Subscription struct {
	designerID string
	events     chan RealtimeMessage
	dispatcher *RealtimeDispatcher
	closeOnce  sync.Once
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{streams: make(map[string]map[*Subscription]struct{})}
}

// Subscribe opens a stream for designerID. It is closed by Close or when ctx
// ends, whichever comes first.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, designerID string) *Subscription {
	subscription := &Subscription{
		designerID: designerID,
		events:     make(chan RealtimeMessage, realtimeBufferSize),
		dispatcher: d,
	}
	if designerID == "" {
		subscription.closeOnce.Do(func() { close(subscription.events) })
		return subscription
	}

	d.mu.Lock()
	if d.streams[designerID] == nil {
		d.streams[designerID] = make(map[*Subscription]struct{})
	}
	d.streams[designerID][subscription] = struct{}{}
	d.mu.Unlock()

	context.AfterFunc(ctx, subscription.Close)
	return subscription
}

// Events yields messages until the subscription is closed.
func (s *Subscription) Events() <-chan RealtimeMessage {
	return s.events
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		d := s.dispatcher
		d.mu.Lock()
		defer d.mu.Unlock()
		if streams := d.streams[s.designerID]; streams != nil {
			delete(streams, s)
			if len(streams) == 0 {
				delete(d.streams, s.designerID)
			}
		}
		close(s.events)
	})
}

// Publish delivers message to every stream of message.DesignerID.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.DesignerID == "" || message.EventType == "" {
		return
	}
	if message.Source == "" {
		message.Source = realtimeSourceBackend
	}
	// Sends happen under the lock so Close cannot close a channel mid-send;
	// they never block.
	d.mu.Lock()
	defer d.mu.Unlock()
	for subscription := range d.streams[message.DesignerID] {
		select {
		case subscription.events <- message:
		default:
			d.dropped.Add(1)
		}
	}
}

// PublishLinkEvent forwards a share-link event to the link's designer.
func (d *RealtimeDispatcher) PublishLinkEvent(event sharelinks.Event) {
	d.Publish(RealtimeMessage{
		DesignerID:    event.DesignerID,
		EventType:     event.Type,
		ClientID:      event.ClientID,
		LinkID:        event.LinkID,
		MeasurementID: event.MeasurementID,
		Timestamp:     event.OccurredAt,
	})
}

func (d *RealtimeDispatcher) subscriberCount(designerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams[designerID])
}

// OpenStreams reports how many event streams are open across all designers.
func (d *RealtimeDispatcher) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, subscriptions := range d.streams {
		total += len(subscriptions)
	}
	return total
}

// Dropped counts messages discarded because a stream's buffer was full.
func (d *RealtimeDispatcher) Dropped() int64 {
	return d.dropped.Load()
}
