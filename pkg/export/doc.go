// Package export provides backup and restore of reduced flight logs.
//
// # Formats
//
// JSON archives carry everything stored for one log: retained records,
// flight statistics, phases and per-type summaries, plus export metadata.
// Archives can be re-imported, under the same or a new log ID.
//
// CSV flattens the retained records for spreadsheets and notebooks. One
// column per data field seen in the log follows the fixed columns
// timestamp, sequence, message_type, storage_strategy, sampling_index,
// phase_tags and backfilled. CSV is export-only.
//
// Either format can be zstd-compressed. Imports detect compression from
// the zstd frame magic, so the Content-Type does not matter.
//
// # HTTP API
//
// Export endpoint: GET /v1/logs/{log_id}/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - compress: "zstd" (optional)
//
// Example:
//
//	curl "http://localhost:8080/v1/logs/flight-42/export?compress=zstd" \
//	  -o flight-42.json.zst
//
// Import endpoint: POST /v1/import
// Query parameters:
//   - log_id: store under this ID instead of the archived one (optional)
//
// Example:
//
//	curl -X POST --data-binary @flight-42.json.zst \
//	  "http://localhost:8080/v1/import?log_id=flight-42-copy"
//
// Importing onto an existing log ID is rejected with 409 Conflict; delete
// the log first to replace it.
package export
