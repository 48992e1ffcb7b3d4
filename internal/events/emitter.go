// Package events publishes one terminal event per file load to a
// Kafka topic. Downstream consumers (catalog refreshers, freshness
// dashboards) react to loads without polling file_load_log.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

const emitTimeout = 10 * time.Second

// LoadEvent is the wire form of one terminal load outcome.
type LoadEvent struct {
	EventID    string `json:"event_id"`
	FileLoadID int64  `json:"file_load_id"`
	Source     string `json:"source"`
	Filename   string `json:"filename"`
	State      string `json:"state"`
	ErrorKind  string `json:"error_kind,omitempty"`

	RowsRead      int64 `json:"rows_read"`
	RowsValid     int64 `json:"rows_valid"`
	RowsInvalid   int64 `json:"rows_invalid"`
	RowsPublished int64 `json:"rows_published"`

	DurationMS int64     `json:"duration_ms"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Emitter writes load events to Kafka. With no brokers configured it
// is disabled: Emit accepts and drops events.
type Emitter struct {
	writer *kafka.Writer
	log    *slog.Logger
}

var _ pipeline.EventSink = (*Emitter)(nil)

// NewEmitter creates an Emitter for the given brokers and topic. Pass
// an empty broker list to disable event publishing.
func NewEmitter(brokers []string, topic string, log *slog.Logger) *Emitter {
	if len(brokers) == 0 {
		return &Emitter{log: log}
	}

	return &Emitter{
		log: log,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireOne,
			WriteTimeout:           emitTimeout,
			AllowAutoTopicCreation: true,
		},
	}
}

// Enabled reports whether events will actually reach Kafka.
func (e *Emitter) Enabled() bool {
	return e.writer != nil
}

// Emit publishes the load's terminal event. Best effort: a failed
// write is logged and swallowed, the load's outcome never depends on
// the event stream. Events are keyed by source so each source's loads
// stay ordered within a partition.
func (e *Emitter) Emit(ctx context.Context, result *pipeline.LoadResult) {
	if !e.Enabled() {
		return
	}

	payload, err := json.Marshal(newLoadEvent(result))
	if err != nil {
		e.log.Error("encoding load event",
			slog.Int64("file_load_id", result.FileLoadID), slog.Any("error", err))

		return
	}

	ctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(result.SourceName),
		Value: payload,
	})
	if err != nil {
		e.log.Error("publishing load event",
			slog.Int64("file_load_id", result.FileLoadID),
			slog.String("source", result.SourceName),
			slog.Any("error", err))
	}
}

// Close flushes and closes the underlying writer.
func (e *Emitter) Close() error {
	if e.writer == nil {
		return nil
	}

	return e.writer.Close()
}

func newLoadEvent(result *pipeline.LoadResult) LoadEvent {
	event := LoadEvent{
		EventID:       uuid.NewString(),
		FileLoadID:    result.FileLoadID,
		Source:        result.SourceName,
		Filename:      result.Filename,
		State:         string(result.State),
		RowsRead:      result.RowsRead,
		RowsValid:     result.RowsValid,
		RowsInvalid:   result.RowsInvalid,
		RowsPublished: result.RowsPublished,
		DurationMS:    result.Duration().Milliseconds(),
		EmittedAt:     time.Now().UTC(),
	}

	if result.ErrorKind != "" {
		event.ErrorKind = string(result.ErrorKind)
	}

	return event
}
