package chat

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/legisapp/legis/internal/chat"

type chatInstruments struct {
	tracer   trace.Tracer
	sends    metric.Int64Counter
	failures metric.Int64Counter
	deltas   metric.Int64Counter
}

var (
	insOnce sync.Once
	ins     chatInstruments
)

// instruments resolves the instruments from the global providers on first use, so that providers
// installed at startup are picked up.
func instruments() chatInstruments {
	insOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		fallback := noop.NewMeterProvider().Meter(instrumentationName)

		ins.tracer = otel.Tracer(instrumentationName)
		ins.sends = counter(meter, fallback, "legis.chat.sends", "Sends attempted")
		ins.failures = counter(meter, fallback, "legis.chat.failures", "Sends that ended in a notification")
		ins.deltas = counter(meter, fallback, "legis.chat.deltas", "Deltas applied by playback")
	})
	return ins
}

func counter(meter, fallback metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		slog.Error("Failed to create counter", slog.String("name", name), slog.String(errLoggerKey, err.Error()))
		c, _ = fallback.Int64Counter(name)
	}
	return c
}
