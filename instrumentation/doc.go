// Package instrumentation provides OpenTelemetry meters, tracers, and the
// gateway's metric instruments. When disabled it swaps in no-op providers so
// instrumented code paths carry zero overhead.
package instrumentation
