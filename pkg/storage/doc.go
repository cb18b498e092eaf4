/*
Package storage provides the pluggable persistence layer for reduced flight logs.

# Store Interface

Every backend implements Store:
  - memory: in-memory maps for tests and one-off reductions
  - badger: BadgerDB (LSM tree + Snappy compression) for a single node
  - postgres: shared relational store for fleets of uploaders

The layout follows the reduction outputs:

	records     (log_id, message_type, timestamp) -> data, storage_strategy, phase_tags
	statistics  (log_id, statistic_type)          -> value, unit
	phases      (log_id, phase_name, start_time)  -> end_time, key_events, summary_stats
	summaries   (log_id, message_type)            -> counts, sample rate, time range

Only retained decisions are written. Dropped messages still shape the
statistics and summaries, which is why the report is written separately
at the end of a run.

# Queries

RecordQuery covers the downstream lookups with plain filters:

	// critical events only
	storage.RecordQuery{LogID: id, Strategy: telemetry.StrategyCritical}

	// messages inside a phase
	storage.RecordQuery{LogID: id, Phase: "mode_loiter"}

	// one type in a time window, newest first
	storage.RecordQuery{LogID: id, MessageType: "ATTITUDE", Start: &from, End: &to, Descending: true}

# Thread Safety

All backends are safe for concurrent use. Independent logs can be written
in parallel; records of one log arrive from a single reduction goroutine.
*/
package storage
