package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/export"
	"github.com/nicktill/flightreduce/pkg/flightsim"
	"github.com/nicktill/flightreduce/pkg/ingest"
	"github.com/nicktill/flightreduce/pkg/query"
	"github.com/nicktill/flightreduce/pkg/server/monitor"
	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/storage/memory"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

type testServer struct {
	router    *mux.Router
	store     storage.Store
	handlers  *Handlers
	retention *monitor.JobMonitor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory

	store := memory.New()
	t.Cleanup(func() { store.Close() })

	sm := InitializeStorageMonitor(cfg, store)
	h := InitializeHandlers(cfg, store, sm)
	retention := &monitor.JobMonitor{StaleAfter: time.Hour}

	router := mux.NewRouter()
	SetupRoutes(router, h, sm, retention, "8080")
	return &testServer{router: router, store: store, handlers: h, retention: retention}
}

func (s *testServer) do(t *testing.T, method, url string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func simulatedFlight(t *testing.T) ([]byte, int) {
	t.Helper()
	p := flightsim.DefaultProfile()
	p.AttitudeHz = 10
	gen, err := flightsim.New(p.Scale(120))
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}
	var buf bytes.Buffer
	n, err := gen.WriteNDJSON(&buf)
	if err != nil {
		t.Fatalf("Failed to generate flight: %v", err)
	}
	return buf.Bytes(), n
}

// TestE2E_UploadQueryExport drives a simulated flight through every endpoint
func TestE2E_UploadQueryExport(t *testing.T) {
	s := newTestServer(t)
	body, n := simulatedFlight(t)

	w := s.do(t, "POST", "/v1/logs/sim-1?expected_duration=120", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var upload ingest.UploadResponse
	if err := json.NewDecoder(w.Body).Decode(&upload); err != nil {
		t.Fatalf("Failed to decode upload response: %v", err)
	}
	if upload.Processed != uint64(n) {
		t.Errorf("Expected %d messages processed, got %d", n, upload.Processed)
	}
	if upload.Phases == 0 {
		t.Error("Expected phases to be detected")
	}
	if upload.Totals.StoredMessages >= upload.Totals.TotalMessages {
		t.Errorf("Expected reduction, stored %d of %d", upload.Totals.StoredMessages, upload.Totals.TotalMessages)
	}

	// the same ID cannot be uploaded twice
	if w := s.do(t, "POST", "/v1/logs/sim-1", body); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate upload, got %d: %s", w.Code, w.Body.String())
	}

	// Critical events
	w = s.do(t, "GET", "/v1/logs/sim-1/records?kind=critical_events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Critical query failed with status %d: %s", w.Code, w.Body.String())
	}
	var result query.Result
	json.NewDecoder(w.Body).Decode(&result)
	if result.Count == 0 {
		t.Fatal("Expected critical records")
	}
	for _, rec := range result.Records {
		if rec.Strategy != telemetry.StrategyCritical {
			t.Errorf("Expected only critical records, got %s (%s)", rec.Strategy, rec.MessageType)
		}
	}

	// One message type, limited
	w = s.do(t, "GET", "/v1/logs/sim-1/records?kind=message_type&message_type=ATTITUDE&limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Message type query failed with status %d: %s", w.Code, w.Body.String())
	}
	result = query.Result{}
	json.NewDecoder(w.Body).Decode(&result)
	if result.Count != 5 {
		t.Errorf("Expected 5 ATTITUDE records, got %d", result.Count)
	}
	for i := 1; i < len(result.Records); i++ {
		if result.Records[i].Timestamp > result.Records[i-1].Timestamp {
			t.Errorf("Expected newest first, got %v after %v", result.Records[i].Timestamp, result.Records[i-1].Timestamp)
		}
	}

	// Phase records
	w = s.do(t, "GET", "/v1/logs/sim-1/records?kind=phase&phase=airborne", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Phase query failed with status %d: %s", w.Code, w.Body.String())
	}

	// Text briefing
	w = s.do(t, "GET", "/v1/logs/sim-1/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Summary failed with status %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Flight log sim-1") {
		t.Errorf("Expected briefing header, got:\n%s", w.Body.String())
	}

	// Export
	w = s.do(t, "GET", "/v1/logs/sim-1/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Export failed with status %d: %s", w.Code, w.Body.String())
	}
	var archive export.Archive
	if err := json.NewDecoder(w.Body).Decode(&archive); err != nil {
		t.Fatalf("Failed to decode archive: %v", err)
	}
	if archive.Metadata.RecordCount != int(upload.Totals.StoredMessages) {
		t.Errorf("Expected %d exported records, got %d", upload.Totals.StoredMessages, archive.Metadata.RecordCount)
	}

	// Health reflects the successful reduction
	w = s.do(t, "GET", "/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Health failed with status %d: %s", w.Code, w.Body.String())
	}
	var health HealthResponse
	json.NewDecoder(w.Body).Decode(&health)
	if health.Reductions.Succeeded != 1 {
		t.Errorf("Expected 1 successful reduction, got %d", health.Reductions.Succeeded)
	}

	// Prometheus endpoint
	w = s.do(t, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Metrics failed with status %d", w.Code)
	}
	for _, name := range []string{"flightreduce_messages_total", "flightreduce_jobs_total", "go_goroutines"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("Expected %s in /metrics output", name)
		}
	}

	// Storage usage; the monitor may still serve the pre-upload reading
	w = s.do(t, "GET", "/v1/storage", nil)
	var usage StorageUsage
	json.NewDecoder(w.Body).Decode(&usage)
	if usage.UsedBytes < 0 || usage.MaxBytes != config.DefaultMaxStorageGB<<30 {
		t.Errorf("Unexpected storage usage %+v", usage)
	}

	// Delete
	w = s.do(t, "DELETE", "/v1/logs/sim-1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Delete failed with status %d: %s", w.Code, w.Body.String())
	}
	w = s.do(t, "GET", "/v1/logs/sim-1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestE2E_ExportImportRoundTrip(t *testing.T) {
	s := newTestServer(t)
	body, _ := simulatedFlight(t)

	if w := s.do(t, "POST", "/v1/logs/original", body); w.Code != http.StatusCreated {
		t.Fatalf("Upload failed with status %d: %s", w.Code, w.Body.String())
	}

	w := s.do(t, "GET", "/v1/logs/original/export?compress=zstd", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Export failed with status %d: %s", w.Code, w.Body.String())
	}
	compressed := w.Body.Bytes()

	w = s.do(t, "POST", "/v1/import?log_id=copy", compressed)
	if w.Code != http.StatusCreated {
		t.Fatalf("Import failed with status %d: %s", w.Code, w.Body.String())
	}

	original := phasesOf(t, s, "original")
	imported := phasesOf(t, s, "copy")
	if len(original) == 0 || !reflect.DeepEqual(original, imported) {
		t.Errorf("Imported phases differ:\noriginal: %+v\ncopy:     %+v", original, imported)
	}

	// Importing onto an existing log is rejected
	w = s.do(t, "POST", "/v1/import?log_id=copy", compressed)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

func phasesOf(t *testing.T, s *testServer, logID string) []telemetry.FlightPhase {
	t.Helper()
	w := s.do(t, "GET", "/v1/logs/"+logID+"/phases", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Phases of %s failed with status %d", logID, w.Code)
	}
	var resp struct {
		Phases []telemetry.FlightPhase `json:"phases"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode phases: %v", err)
	}
	return resp.Phases
}

func TestE2E_OutOfOrderUploadRejected(t *testing.T) {
	s := newTestServer(t)
	// a whole flight reaches the store in batches before the late line
	flight, _ := simulatedFlight(t)
	body := append(flight, []byte(`{"type":"ATTITUDE","timestamp":5,"fields":{"roll":0.2}}`+"\n")...)

	w := s.do(t, "POST", "/v1/logs/broken", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", w.Code, w.Body.String())
	}

	// Partial state is discarded
	if w := s.do(t, "GET", "/v1/logs/broken", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for aborted log, got %d", w.Code)
	}
	if w := s.do(t, "GET", "/v1/logs/broken/records", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for records of aborted log, got %d", w.Code)
	}
	w = s.do(t, "GET", "/v1/logs", nil)
	var logs query.LogsResponse
	if err := json.NewDecoder(w.Body).Decode(&logs); err != nil {
		t.Fatalf("Failed to decode logs: %v", err)
	}
	if logs.Count != 0 {
		t.Errorf("Expected no stored logs after the failed upload, got %+v", logs.Logs)
	}

	status := s.handlers.Reductions.Status()
	if status.Failed != 1 {
		t.Errorf("Expected 1 failed reduction, got %d", status.Failed)
	}
}

func TestHealth_Degraded(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 4; i++ {
		s.retention.RecordFailure(errors.New("disk full"))
	}

	w := s.do(t, "GET", "/v1/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	var health HealthResponse
	json.NewDecoder(w.Body).Decode(&health)
	if health.Status != "degraded" {
		t.Errorf("Expected degraded, got %s", health.Status)
	}
	if health.Retention.LastError != "disk full" {
		t.Errorf("Expected last error to be reported, got %q", health.Retention.LastError)
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://localhost:8080", true},
		{"http://127.0.0.1:3000", true},
		{"http://evil.example", false},
		{"", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/v1/health", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		got := w.Header().Get("Access-Control-Allow-Origin")
		if tt.allowed && got != tt.origin {
			t.Errorf("Origin %q: expected to be allowed, got %q", tt.origin, got)
		}
		if !tt.allowed && got != "" {
			t.Errorf("Origin %q: expected no CORS header, got %q", tt.origin, got)
		}
	}
}

func TestPruneExpired(t *testing.T) {
	s := newTestServer(t)
	body, _ := simulatedFlight(t)
	for _, id := range []string{"a", "b"} {
		if w := s.do(t, "POST", "/v1/logs/"+id, body); w.Code != http.StatusCreated {
			t.Fatalf("Upload failed with status %d", w.Code)
		}
	}

	ctx := context.Background()
	deleted, err := PruneExpired(ctx, s.store, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("PruneExpired failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected fresh logs to survive, %d deleted", deleted)
	}

	deleted, err = PruneExpired(ctx, s.store, time.Hour, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PruneExpired failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 expired logs deleted, got %d", deleted)
	}

	logs, _ := s.store.Logs(ctx)
	if len(logs) != 0 {
		t.Errorf("Expected no logs left, got %d", len(logs))
	}
}

func TestRunRetention_Disabled(t *testing.T) {
	store := memory.New()
	defer store.Close()

	jobs := &monitor.JobMonitor{}
	stop := make(chan bool)
	var wg sync.WaitGroup
	wg.Add(1)
	go RunRetention(store, 0, jobs, stop, &wg)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disabled retention should return immediately")
	}
	if !jobs.IsHealthy() {
		t.Error("Never-run retention should be healthy")
	}
}

func TestRunBadgerGC_SkipsOtherBackends(t *testing.T) {
	store := memory.New()
	defer store.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	RunBadgerGC(store, make(chan bool), &wg)
	wg.Wait()
}

func TestLiveHub_StreamsBoundaries(t *testing.T) {
	hub := NewLiveHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !hub.HasClients() {
		if time.Now().After(deadline) {
			t.Fatal("Client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.PublishBoundary("sim-1", telemetry.PhaseBoundary{
		Kind:  telemetry.BoundaryOpened,
		Phase: telemetry.FlightPhase{Track: "flight", Name: "airborne", StartTime: 12.5},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var event LiveEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if event.Type != "phase_opened" || event.LogID != "sim-1" {
		t.Errorf("Unexpected event %+v", event)
	}
	if event.Boundary == nil || event.Boundary.Phase.Name != "airborne" {
		t.Errorf("Expected airborne boundary, got %+v", event.Boundary)
	}
}

func TestLiveHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewLiveHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err == nil {
		t.Fatal("Expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}
}

func TestRequestMiddleware(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/logs/missing", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("Expected request ID to be echoed, got %q", got)
	}

	w = s.do(t, "GET", "/v1/health", nil)
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a generated request ID")
	}

	w = s.do(t, "GET", "/metrics", nil)
	body := w.Body.String()
	want := `flightreduce_http_requests_total{method="GET",route="/v1/logs/{log_id}",status="404"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("Expected %s in /metrics output", want)
	}
	if strings.Contains(body, `route="/v1/logs/missing"`) {
		t.Error("Raw paths must not become label values")
	}
}
