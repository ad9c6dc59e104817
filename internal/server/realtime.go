package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventGamesFolded = "games-folded"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "gametracker-backend"
)

// RealtimeMessage announces one raw batch that was merged into the unique-game index.
type RealtimeMessage struct {
	EventType   string
	BatchID     string
	CapturedAt  time.Time
	PastGameIDs []string
	Timestamp   time.Time
}

// RealtimeDispatcher fans fold notifications out to every open stream. Slow subscribers
// drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	closed      bool
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	if !d.registerSubscriber(subscriber) {
		close(subscriber.stream)
		return subscriber.stream, func() {}
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Close ends every open stream. Later subscriptions receive an already closed channel.
func (d *RealtimeDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, subscriber := range d.subscribers {
		close(subscriber.stream)
		delete(d.subscribers, id)
	}
}

// PublishFold emits one message per folded batch.
func (d *RealtimeDispatcher) PublishFold(summary games.FoldSummary, now time.Time) {
	if d == nil {
		return
	}
	for _, batch := range summary.Batches {
		d.Publish(RealtimeMessage{
			EventType:   RealtimeEventGamesFolded,
			BatchID:     batch.BatchID,
			CapturedAt:  batch.CapturedAt,
			PastGameIDs: batch.PastGameIDs,
			Timestamp:   now.UTC(),
		})
	}
}

func (d *RealtimeDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	return true
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}

type gamesFoldedEventPayload struct {
	BatchID     string    `json:"batchId"`
	CapturedAt  time.Time `json:"capturedAt"`
	PastGameIDs []string  `json:"pastGameIds"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}

type heartbeatEventPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

func (h *httpHandler) handleGamesStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.config.StreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			pastGameIDs := message.PastGameIDs
			if pastGameIDs == nil {
				pastGameIDs = []string{}
			}
			c.SSEvent(message.EventType, gamesFoldedEventPayload{
				BatchID:     message.BatchID,
				CapturedAt:  message.CapturedAt,
				PastGameIDs: pastGameIDs,
				Timestamp:   message.Timestamp,
				Source:      realtimeSourceBackend,
			})
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{
				Timestamp: tick.UTC(),
				Source:    realtimeSourceBackend,
			})
			c.Writer.Flush()
		}
	}
}
