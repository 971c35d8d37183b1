package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

// InjectHeaders injects trace context into outgoing HTTP headers, so an
// outbound inference request carries the caller's W3C traceparent the way
// any otel-instrumented HTTP client would. Used by
// workerpool.RetryHTTPClient.Post on every request it sends.
func InjectHeaders(ctx context.Context, headers http.Header, tracer *Tracer) {
	if tracer == nil || !tracer.Enabled() {
		return
	}
	tracer.Propagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
