package mqx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/metricsx"
)

// MessageReader is the subset of *kafka.Reader the consume loop needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

type HandlerFunc func(ctx context.Context, msg kafka.Message) error

var fetchBackoff = 500 * time.Millisecond

// Consume fetches until ctx is cancelled. A message whose handler fails is
// logged and still committed; the console only cares about the latest state
// so a poison message must not stall the partition.
func Consume(ctx context.Context, reader MessageReader, topic string, group string, logger logx.Logger, handle HandlerFunc) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}

		parent := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{msg: &msg})
		spanCtx, span := otel.Tracer("mqx").Start(parent, topic+" process", trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(messagingAttrs(topic, headerCarrier{msg: &msg}.Get("event_type"))...)
		span.SetAttributes(attribute.Int64("messaging.kafka.message.offset", msg.Offset))
		if err := handle(spanCtx, msg); err != nil {
			span.RecordError(err)
			logger.Warn(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INVALID_ARGUMENT"),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
				slog.Int64("offset", msg.Offset),
			)
		}
		span.End()

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(topic, group, stats.Lag)
	}
}
