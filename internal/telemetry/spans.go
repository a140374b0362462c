package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

const TracerName = "github.com/vnmchuo/tokenspy"

// SpanObserver returns a ledger observer that reports each record as a finished span
// covering the call's measured duration.
func SpanObserver(tracer oteltrace.Tracer) ledger.Observer {
	return func(rec usage.Record) error {
		end := rec.Timestamp
		start := end.Add(-time.Duration(rec.DurationMs * float64(time.Millisecond)))

		attrs := []attribute.KeyValue{
			attribute.String("llm.unit", rec.Unit),
			attribute.StringSlice("llm.call_path", rec.CallPath),
			attribute.String("llm.model", rec.Model),
			attribute.String("llm.provider", string(rec.Provider)),
			attribute.Int("llm.usage.input_tokens", rec.InputTokens),
			attribute.Int("llm.usage.output_tokens", rec.OutputTokens),
			attribute.Float64("llm.cost_usd", rec.CostUSD),
		}
		if rec.SessionID != "" {
			attrs = append(attrs, attribute.String("tokenspy.session_id", rec.SessionID))
		}
		if rec.Revision != "" {
			attrs = append(attrs, attribute.String("vcs.revision", rec.Revision))
		}

		_, span := tracer.Start(context.Background(), "llm.call "+rec.Unit,
			oteltrace.WithTimestamp(start),
			oteltrace.WithSpanKind(oteltrace.SpanKindClient),
			oteltrace.WithAttributes(attrs...),
		)
		span.End(oteltrace.WithTimestamp(end))
		return nil
	}
}
