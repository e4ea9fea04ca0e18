package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Settings describes the tracer provider installed by Setup.
type Settings struct {
	ServiceName string
	// SampleRatio is the fraction of root turns recorded; values outside
	// (0, 1] record everything.
	SampleRatio float64
}

var global struct {
	once sync.Once
	mu   sync.RWMutex
	tp   *sdktrace.TracerProvider
	err  error
}

// Setup installs the process tracer provider once. Repeated calls return the
// outcome of the first.
func Setup(s Settings) error {
	global.once.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithHost(),
			resource.WithAttributes(semconv.ServiceName(s.ServiceName)),
		)
		if err != nil {
			global.err = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sampler(s.SampleRatio)),
			sdktrace.WithResource(res),
		)
		global.mu.Lock()
		global.tp = tp
		global.mu.Unlock()
		otel.SetTracerProvider(tp)
	})
	return global.err
}

// Shutdown flushes pending spans. It is a no-op before Setup.
func Shutdown(ctx context.Context) error {
	global.mu.RLock()
	tp := global.tp
	global.mu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// child spans follow their parent's decision so a turn is traced whole
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan opens a span on the named tracer. The first span of a request
// also seeds the trace id used by LoggerFromContext.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}

// Fail records err on span. A nil err leaves the span untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
