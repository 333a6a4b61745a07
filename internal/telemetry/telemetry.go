package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var once sync.Once

// Init installs the W3C trace context and baggage propagators. Incoming API requests then keep the
// caller's trace, and webhook triggers forward it to the executor in the traceparent header.
func Init() {
	once.Do(func() {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	})
}
