package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/httpx"
	"github.com/nicktill/flightreduce/pkg/storage"
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter  *Exporter
	importer  *Importer
	maxImport int64
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Store) *Handler {
	return &Handler{
		exporter:  NewExporter(store),
		importer:  NewImporter(store),
		maxImport: config.MaxUploadBytes,
	}
}

// HandleExport handles GET /v1/logs/{log_id}/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - compress: "zstd" (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	logID := mux.Vars(r)["log_id"]
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	compress := false
	switch query.Get("compress") {
	case "":
	case "zstd":
		compress = true
	default:
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid compress, only 'zstd' is supported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ExportTimeout)
	defer cancel()

	archive, err := h.exporter.Load(ctx, logID)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		httpx.RespondStoreError(w, err)
		return
	}

	filename := fmt.Sprintf("flightreduce-%s.%s", logID, format)
	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	if compress {
		filename += ".zst"
		contentType = "application/zstd"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	// Headers are sent; failures from here on can only be logged
	if err := Write(w, archive, format, compress); err != nil {
		log.Printf("Export of %s failed: %v", logID, err)
		return
	}

	log.Printf("Exported %s: %d records (%s, compressed=%v)", logID, archive.Metadata.RecordCount, format, compress)
}

// HandleImport handles POST /v1/import
// Accepts JSON archives, plain or zstd-compressed.
// Query params:
//   - log_id: store under this ID instead of the archived one (optional)
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	opts := ImportOptions{LogID: r.URL.Query().Get("log_id")}

	ctx, cancel := context.WithTimeout(r.Context(), config.ExportTimeout)
	defer cancel()

	body := http.MaxBytesReader(w, r.Body, h.maxImport)
	result, err := h.importer.ImportFromJSON(ctx, body, opts)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, ErrLogExists):
			httpx.RespondError(w, http.StatusConflict, err)
		case errors.As(err, &tooLarge):
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, err)
		case errors.Is(err, ErrMissingLogID), errors.Is(err, ErrInvalidArchive):
			httpx.RespondError(w, http.StatusBadRequest, err)
		default:
			httpx.RespondStoreError(w, fmt.Errorf("import failed: %w", err))
		}
		return
	}

	// Log warnings if there were validation errors
	if len(result.Errors) > 0 {
		log.Printf("Import of %s completed with %d validation errors", result.LogID, len(result.Errors))
		for i, err := range result.Errors {
			if i < 10 {
				log.Printf("   - %s", err)
			}
		}
		if len(result.Errors) > 10 {
			log.Printf("   ... and %d more errors", len(result.Errors)-10)
		}
	}

	log.Printf("Imported %s: %d records in %d batches, %d phases", result.LogID, result.RecordsImported, result.BatchesWritten, result.Phases)
	httpx.RespondJSON(w, http.StatusCreated, result)
}
