// Package httpserver exposes the records API, the live match websocket and
// the supporting pages over HTTP.
package httpserver

import (
	"bytes"
	"embed"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Krishnakrish77/api-lab/errs"
	"github.com/Krishnakrish77/api-lab/internal/app/records"
	"github.com/Krishnakrish77/api-lab/internal/app/relay"
	"github.com/Krishnakrish77/api-lab/internal/infra/config"
	"github.com/Krishnakrish77/api-lab/internal/infra/telemetry"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	recordsPath        = "/api/v1/data"
	recordDetailPrefix = recordsPath + "/"

	websocketPath   = "/ws"
	homePath        = "/home"
	healthPath      = "/healthz"
	swaggerSpecPath = "/docs/openapi.json"
	swaggerUIPath   = "/docs"

	recordNotFoundMessage = "Data not found"
)

//go:embed static/index.html static/openapi.json
var staticFiles embed.FS

type handlerFunc func(http.ResponseWriter, *http.Request)

// Options wires the handler to its collaborators.
type Options struct {
	Environment config.Environment
	Records     *records.Store
	Registry    *relay.Registry
	Hub         *relay.Hub

	// Websocket session tuning. Zero PingInterval disables keepalive pings.
	ReadLimit    int64
	PingInterval time.Duration
	WriteTimeout time.Duration

	Clock  clockwork.Clock
	Logger *log.Logger
}

type httpServer struct {
	environment  config.Environment
	records      *records.Store
	registry     *relay.Registry
	hub          *relay.Hub
	readLimit    int64
	pingInterval time.Duration
	writeTimeout time.Duration
	clock        clockwork.Clock
	logger       *log.Logger

	requestCounter metric.Int64Counter
}

type recordPayload struct {
	Value *string `json:"value"`
}

// NewHandler creates the HTTP handler for the records API and the relay websocket.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{
		environment:  opts.Environment,
		records:      opts.Records,
		registry:     opts.Registry,
		hub:          opts.Hub,
		readLimit:    opts.ReadLimit,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		clock:        opts.Clock,
		logger:       opts.Logger,
	}
	if server.records == nil {
		server.records = records.NewStore()
	}
	if server.clock == nil {
		server.clock = clockwork.NewRealClock()
	}
	if server.logger == nil {
		server.logger = log.Default()
	}
	if server.writeTimeout <= 0 {
		server.writeTimeout = 5 * time.Second
	}

	meter := otel.Meter("httpserver")
	server.requestCounter, _ = meter.Int64Counter("records.requests",
		metric.WithDescription("Number of records API requests by route, method and status"),
		metric.WithUnit("{request}"))

	mux := http.NewServeMux()

	mux.Handle(recordsPath, server.instrument(recordsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listRecords,
		http.MethodPost: server.createRecord,
	})))
	mux.Handle(recordDetailPrefix, server.instrument(recordDetailPrefix+"{id}", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getRecord,
		http.MethodPut:    server.replaceRecord,
		http.MethodPatch:  server.patchRecord,
		http.MethodDelete: server.deleteRecord,
	})))

	if server.hub != nil {
		mux.Handle(websocketPath, http.HandlerFunc(server.serveWebsocket))
	}
	mux.Handle(homePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.serveHome,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	if opts.Environment == config.EnvDev {
		mux.Handle(swaggerSpecPath, http.HandlerFunc(server.serveSwaggerSpec))
		mux.Handle(swaggerUIPath, http.HandlerFunc(server.serveSwaggerUI))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *httpServer) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.requestCounter != nil {
			s.requestCounter.Add(r.Context(), 1, metric.WithAttributes(
				telemetry.HTTPAttributes(s.metricEnvironment(), route, r.Method, rec.status)...))
		}
	})
}

func (s *httpServer) metricEnvironment() string {
	if s.environment != "" {
		return string(s.environment)
	}
	return telemetry.Environment()
}

func (s *httpServer) listRecords(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Hello World!!! GET API Endpoint",
		"data":    s.records.List(),
	})
}

func (s *httpServer) createRecord(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeRecordPayload(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	value := ""
	if payload.Value != nil {
		value = *payload.Value
	}
	rec := s.records.Create(value)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      rec.ID,
		"message": "POST API Endpoint. Data created successfully!",
	})
}

func (s *httpServer) getRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(r)
	if !ok {
		writeNotFound(w)
		return
	}
	rec, err := s.records.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *httpServer) replaceRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(r)
	if !ok {
		writeNotFound(w)
		return
	}
	payload, err := decodeRecordPayload(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	value := ""
	if payload.Value != nil {
		value = *payload.Value
	}
	if _, err := s.records.Replace(id, value); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Data is updated successfully!"})
}

func (s *httpServer) patchRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(r)
	if !ok {
		writeNotFound(w)
		return
	}
	payload, err := decodeRecordPayload(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if _, err := s.records.Patch(id, payload.Value); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Data patched successfully!"})
}

func (s *httpServer) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(r)
	if !ok {
		writeNotFound(w)
		return
	}
	if err := s.records.Delete(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) writeStoreError(w http.ResponseWriter, err error) {
	if errs.Is(err, errs.CodeNotFound) {
		writeNotFound(w)
		return
	}
	s.logger.Printf("http: records store: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"status": "ok"}
	if s.registry != nil {
		payload["connections"] = s.registry.CountOpen()
	}
	if s.hub != nil {
		payload["sessions"] = s.hub.Sessions()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) serveHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != homePath {
		http.NotFound(w, r)
		return
	}
	page, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "home page unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

func (s *httpServer) serveSwaggerSpec(w http.ResponseWriter, _ *http.Request) {
	spec, err := staticFiles.ReadFile("static/openapi.json")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api docs unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(spec)
}

func (s *httpServer) serveSwaggerUI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != swaggerUIPath {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(swaggerUIHTML))
}

// recordID parses the trailing path segment. Anything that is not a plain
// integer can never match a stored record.
func recordID(r *http.Request) (int, bool) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, recordDetailPrefix), "/")
	if rest == "" || strings.Contains(rest, "/") {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}

func decodeRecordPayload(w http.ResponseWriter, r *http.Request) (recordPayload, error) {
	limitRequestBody(w, r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return recordPayload{}, err
	}
	var payload recordPayload
	if len(bytes.TrimSpace(body)) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return recordPayload{}, err
	}
	return payload, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

var swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>API Lab Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>
    body { margin:0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.addEventListener('load', function() {
      SwaggerUIBundle({
        url: '` + swaggerSpecPath + `',
        dom_id: '#swagger-ui',
        presets: [SwaggerUIBundle.presets.apis],
        layout: 'BaseLayout'
      });
    });
  </script>
</body>
</html>`

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": recordNotFoundMessage})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
