package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/progress"
)

// LogSink logs sweep lifecycle events at info and per-book events at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
			zap.String("sweep", evt.Sweep),
		}
		switch evt.Stage {
		case progress.StageProbeDone, progress.StageDownloadDone:
			fields = append(fields,
				zap.Int("num", evt.Num),
				zap.String("result", evt.Result),
				zap.Int64("bytes", evt.Bytes),
			)
			s.logger.Debug("progress event", fields...)
		default:
			fields = append(fields, zap.Duration("dur", evt.Dur), zap.String("note", evt.Note))
			s.logger.Info("sweep event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
