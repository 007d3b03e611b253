package audit

import (
	"context"
	"log/slog"
)

// Sink receives mirrored audit entries (e.g. the Kafka publisher).
type Sink interface {
	Publish(ctx context.Context, entry Entry) error
}

// Worker drains the audit mirror channel into a sink. It keeps background
// publishing testable without wiring broker implementations into the Log.
type Worker struct {
	sink   Sink
	inbox  <-chan Entry
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Entry, logger *slog.Logger) *Worker {
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

// Run blocks until ctx is cancelled. Publish failures are logged, not fatal;
// the local store remains the source of truth.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-w.inbox:
			if err := w.sink.Publish(ctx, entry); err != nil {
				w.logger.WarnContext(ctx, "audit mirror publish failed",
					"sequence", entry.Sequence,
					"error", err,
				)
			}
		}
	}
}
