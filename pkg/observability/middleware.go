package observability

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// serverErrorFloor is the lowest HTTP status treated as a server error.
const serverErrorFloor = 500

// statusRecorder wraps [http.ResponseWriter] to remember the status the
// handler sent, which the span needs after the handler returns.
type statusRecorder struct {
	http.ResponseWriter

	code  int
	wrote bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.code = code
		r.wrote = true
	}

	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(buf []byte) (int, error) {
	// A handler that writes without WriteHeader implies 200.
	if !r.wrote {
		r.code = http.StatusOK
		r.wrote = true
	}

	n, err := r.ResponseWriter.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}

	return n, nil
}

// HTTPMiddleware traces the stream listener's endpoints (/stream,
// /healthz, /metrics) with one span per request, named "METHOD /path".
// Incoming W3C trace headers become the span's parent, so a dashboard
// that propagates traceparent sees its own trace continue here.
func HTTPMiddleware(tracer trace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		parentCtx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

		ctx, span := tracer.Start(parentCtx, req.Method+" "+req.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(req.Method),
				attribute.String("http.target", req.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusRecorder{ResponseWriter: rw}
		next.ServeHTTP(recorder, req.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(recorder.code))

		if recorder.code >= serverErrorFloor {
			span.SetStatus(codes.Error, http.StatusText(recorder.code))
		}
	})
}
