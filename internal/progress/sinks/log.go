package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/progress"
)

// LogSink writes drain milestones at info level and fetch completions at
// debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("queue", evt.Queue),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Stage == progress.StageFetchDone {
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.String("outcome", string(evt.Outcome)),
				zap.Int64("chars", evt.Chars),
			)
			s.logger.Debug("progress event", fields...)
			continue
		}
		fields = append(fields,
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("kind", evt.Kind),
		)
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
