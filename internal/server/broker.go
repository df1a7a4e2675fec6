package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// Notifier is a LISTEN/NOTIFY source. *storage.DB implements it when a
// notify connection is configured.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans run events out to SSE subscribers.
//
// With a Notifier it listens on the run-events channel, so events published
// by any instance (NOTIFY from the executor or from run control) reach every
// subscriber. Without one it is a process-local bus, and publishers hand
// events to it directly through PublishRunEvent.
type Broker struct {
	source Notifier
	logger *slog.Logger

	mu sync.RWMutex
	// subscribers maps each channel to the run it follows; uuid.Nil
	// follows every run.
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a broker. source may be nil.
func NewBroker(source Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start listens for run events until ctx is cancelled. It blocks, so call
// it in a goroutine. Without a Notifier it returns immediately.
func (b *Broker) Start(ctx context.Context) {
	if b.source == nil {
		return
	}
	if err := b.source.Listen(ctx, storage.ChannelRunEvents); err != nil {
		b.logger.Error("broker: listen run events", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelRunEvents)

	for {
		channel, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if channel != storage.ChannelRunEvents {
			continue
		}
		var ev model.RunEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			b.logger.Warn("broker: malformed run event", "error", err)
			continue
		}
		b.broadcast(ev, []byte(payload))
	}
}

// PublishRunEvent delivers ev to local subscribers. It serves as the
// pipeline and control publisher when no Notifier is configured.
func (b *Broker) PublishRunEvent(_ context.Context, ev model.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker: marshal run event: %w", err)
	}
	b.broadcast(ev, data)
	return nil
}

// Subscribe returns a channel that receives SSE-formatted events for runID,
// or for every run when runID is uuid.Nil. The caller must call Unsubscribe
// when done.
func (b *Broker) Subscribe(runID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = runID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to every matching subscriber. A subscriber whose
// buffer is full misses the event rather than stalling the others.
func (b *Broker) broadcast(ev model.RunEvent, data []byte) {
	event := formatSSE("run", data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, runID := range b.subscribers {
		if runID != uuid.Nil && runID != ev.RunID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}
