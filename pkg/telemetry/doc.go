// Package telemetry carries the observability stack of craftgrid: zerolog
// structured logging, OpenTelemetry tracing and Prometheus metrics.
//
// Engine packages take a *zerolog.Logger and a *Metrics in their options and
// start spans through otel.Tracer; both are optional. A process wires them
// once at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	g := grid.New(grid.Options{
//	    Logger:  tel.Logger.Zerolog(),
//	    Metrics: tel.Metrics,
//	})
//
// A nil *Metrics records nothing, so tests pass nil freely.
package telemetry
