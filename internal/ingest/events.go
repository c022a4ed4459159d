package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oyvindek/nordlex/pkg/config"
	"github.com/oyvindek/nordlex/pkg/kafka"
	"github.com/oyvindek/nordlex/pkg/logger"
)

// EventRecorder buffers ingestion lifecycle events and flushes them to Kafka
// in one batch per pipeline run. With Kafka disabled every method is a no-op,
// so the pipeline never branches on configuration.
type EventRecorder struct {
	producer *kafka.Producer
	logger   *slog.Logger

	mu  sync.Mutex
	buf []kafka.Event
}

// NewEventRecorder creates a recorder. When cfg.Enabled is false the recorder
// is inert and owns no producer.
func NewEventRecorder(cfg config.KafkaConfig) *EventRecorder {
	r := &EventRecorder{logger: logger.WithComponent("ingest-events")}
	if cfg.Enabled {
		r.producer = kafka.NewProducer(cfg, cfg.IngestTopic)
	}
	return r
}

// Record buffers one event keyed by source so per-source events stay ordered
// within a partition.
func (r *EventRecorder) Record(eventType, source string, fields map[string]any) {
	if r.producer == nil {
		return
	}
	payload := map[string]any{
		"event":     eventType,
		"source":    source,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		payload[k] = v
	}
	r.mu.Lock()
	r.buf = append(r.buf, kafka.Event{Key: source, Value: payload})
	r.mu.Unlock()
}

// Flush publishes buffered events. Publication is best-effort; a broker
// failure is logged and the buffer dropped.
func (r *EventRecorder) Flush(ctx context.Context) {
	if r.producer == nil {
		return
	}
	r.mu.Lock()
	events := r.buf
	r.buf = nil
	r.mu.Unlock()
	if len(events) == 0 {
		return
	}
	if err := r.producer.PublishBatch(ctx, events); err != nil {
		r.logger.Warn("publishing ingest events failed", "count", len(events), "error", err)
	}
}

// Close releases the underlying producer, if any.
func (r *EventRecorder) Close() error {
	if r.producer == nil {
		return nil
	}
	return r.producer.Close()
}
