package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/revision/internal/history"
)

const (
	FeedEventHistoryRecorded = "history-record"
	feedEventHeartbeat       = "heartbeat"
	defaultFeedBufferSize    = 16
)

// FeedEvent announces a stored history record.
type FeedEvent struct {
	Collection string    `json:"collection"`
	DocumentID string    `json:"document_id"`
	Version    int64     `json:"version"`
	User       string    `json:"user,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HistoryFeed fans history events out to subscribers of one collection.
// Slow subscribers miss events instead of blocking publishers.
type HistoryFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan FeedEvent
}

func NewHistoryFeed() *HistoryFeed {
	return &HistoryFeed{
		subscribers: make(map[string]map[int64]*feedSubscriber),
		bufferSize:  defaultFeedBufferSize,
	}
}

func (f *HistoryFeed) Subscribe(ctx context.Context, collection string) (<-chan FeedEvent, func()) {
	if collection == "" {
		ch := make(chan FeedEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan FeedEvent, f.bufferSize),
	}
	f.registerSubscriber(collection, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.unregisterSubscriber(collection, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (f *HistoryFeed) Publish(event FeedEvent) {
	if event.Collection == "" {
		return
	}
	f.mu.RLock()
	subscribers := f.subscribers[event.Collection]
	if len(subscribers) == 0 {
		f.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// ObserveRecord publishes record; it is meant for interceptor.Config.OnRecord.
func (f *HistoryFeed) ObserveRecord(record history.Record) {
	event := FeedEvent{
		Collection: record.CollectionName,
		DocumentID: record.CollectionID,
		Version:    record.Version,
		Timestamp:  time.Unix(record.CreatedAtSeconds, 0).UTC(),
	}
	if record.User != nil {
		event.User = *record.User
	}
	f.Publish(event)
}

func (f *HistoryFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *HistoryFeed) registerSubscriber(collection string, subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[collection]; !ok {
		f.subscribers[collection] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[collection][subscriber.id] = subscriber
}

func (f *HistoryFeed) unregisterSubscriber(collection string, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, collection)
		}
	}
	f.mu.Unlock()
}
