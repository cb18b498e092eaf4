/*
Package telemetry defines the records that flow through flightreduce.

A Message is one decoded telemetry record (MAVLink or DataFlash style):
a type name, a timestamp in seconds from log start, and a map of scalar
fields. The reduction pipeline turns each Message into exactly one
Decision and, at the end of the stream, a Report carrying flight phases,
per-type summaries and flight statistics.

# Strategies

  - critical: safety-relevant types, kept with every field
  - sampled:  high-rate types, thinned in time and projected to key fields
  - full:     everything else, thinned to a small cap but kept whole
  - dropped:  not retained

All values are immutable once produced. Consumers must not modify the
Fields map of a Message they did not create.
*/
package telemetry
