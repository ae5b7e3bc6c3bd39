// server.go
package lake

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/tracklake/tracklake/core"
)

// Server exposes the lake over HTTP.
type Server struct {
	Lake *Lake
}

// NewServer creates a server backed by an initialized lake.
func NewServer(lake *Lake) (*Server, error) {
	if err := lake.Initialize(); err != nil {
		return nil, err
	}
	return &Server{Lake: lake}, nil
}

// QueryRequest represents a query API request
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse represents a query API response
type QueryResponse struct {
	Results []map[string]interface{} `json:"results"`
}

// WriteRequest represents a table write request
type WriteRequest struct {
	Records []Record `json:"records"`
}

// DedupRequest represents a deduplication request
type DedupRequest struct {
	Events []PlayEvent `json:"events"`
}

// DedupResponse carries the surviving events plus counts
type DedupResponse struct {
	Events   []PlayEvent  `json:"events"`
	Received int          `json:"received"`
	Kept     int          `json:"kept"`
	Write    *WriteResult `json:"write,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

var reqId int32

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/health", s.HandleHealth)
	r.Post("/query", s.HandleQuery)
	r.Get("/tables", s.HandleListTables)
	r.Get("/tables/{name}", s.HandleTableInfo)
	r.Get("/tables/{name}/export", s.HandleExport)
	r.Post("/tables/{name}", s.HandleWriteTable)
	r.Get("/missing/{entity}", s.HandleMissing)
	r.Get("/missing/{entity}/count", s.HandleCountMissing)
	r.Post("/dedup", s.HandleDedup)
	if s.Lake.Metrics != nil {
		r.Handle("/metrics", s.Lake.Metrics.Handler())
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestCtx(r *http.Request) context.Context {
	return core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqId, 1)))
}

// HandleQuery Handles the /query endpoint
func (s *Server) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		sendErrorResponse(w, "Missing query parameter", http.StatusBadRequest)
		return
	}

	results, err := s.Lake.Query(ctx, req.Query)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	formatter, ok := formatters[format]
	if !ok {
		sendErrorResponse(w, fmt.Sprintf("unsupported format: %q", format), http.StatusBadRequest)
		return
	}
	if err := formatter(results, w); err != nil {
		core.Errorf(ctx, "failed to write response: %v", err)
	}
}

func (s *Server) HandleListTables(w http.ResponseWriter, r *http.Request) {
	names, err := s.Lake.tableNames()
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"tables": names})
}

func (s *Server) HandleTableInfo(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)
	name := chi.URLParam(r, "name")

	info, err := s.Lake.TableInfo(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			sendErrorResponse(w, err.Error(), http.StatusNotFound)
			return
		}
		sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, info)
}

// HandleExport serves a table as a downloadable parquet file, so other
// DuckDB instances can read it straight off the wire.
func (s *Server) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)
	name := chi.URLParam(r, "name")

	if !s.Lake.TableExists(name) {
		sendErrorResponse(w, fmt.Sprintf("table not found: %s", name), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s_%s.parquet", name, time.Now().Format("20060102150405")))

	if err := s.Lake.ExportTable(ctx, name, w); err != nil {
		core.Errorf(ctx, "export of %s failed: %v", name, err)
	}
}

func (s *Server) HandleWriteTable(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)
	name := chi.URLParam(r, "name")

	mode := ModeMerge
	if raw := r.URL.Query().Get("mode"); raw != "" {
		var err error
		if mode, err = ParseWriteMode(raw); err != nil {
			sendErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.Lake.WriteTable(ctx, name, req.Records, mode)
	if err != nil {
		var conflict *SchemaConflictError
		var malformed *MalformedRecordError
		if errors.As(err, &conflict) || errors.As(err, &malformed) {
			sendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

func (s *Server) HandleMissing(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)
	entity := chi.URLParam(r, "entity")

	opts := GapOptions{
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	records, err := s.Lake.Missing(ctx, entity, opts)
	if err != nil {
		if errors.Is(err, ErrMissingSourceTable) {
			sendErrorResponse(w, err.Error(), http.StatusNotFound)
			return
		}
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		rows[i] = map[string]interface{}(rec)
	}
	sendJSON(w, http.StatusOK, QueryResponse{Results: ProcessResultsForJSON(rows)})
}

func (s *Server) HandleCountMissing(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)
	entity := chi.URLParam(r, "entity")

	count, err := s.Lake.CountMissing(ctx, entity)
	if err != nil {
		if errors.Is(err, ErrMissingSourceTable) {
			sendErrorResponse(w, err.Error(), http.StatusNotFound)
			return
		}
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"entity": entity, "missing": count})
}

// HandleDedup deduplicates a batch of play events. With ?store=true the
// survivors are also merged into tracks_played.
func (s *Server) HandleDedup(w http.ResponseWriter, r *http.Request) {
	ctx := requestCtx(r)

	var req DedupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp := DedupResponse{Received: len(req.Events)}
	if r.URL.Query().Get("store") == "true" {
		kept, res, err := s.Lake.StorePlays(ctx, req.Events)
		if err != nil {
			sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Events = kept
		resp.Write = res
	} else {
		resp.Events = s.Lake.Deduplicate(req.Events)
	}
	resp.Kept = len(resp.Events)
	sendJSON(w, http.StatusOK, resp)
}

// Health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ProcessResultsForJSON prepares results for JSON serialization
func ProcessResultsForJSON(results []map[string]interface{}) []map[string]interface{} {
	processedResults := make([]map[string]interface{}, len(results))

	for i, row := range results {
		processedRow := make(map[string]interface{})

		for key, value := range row {
			switch v := value.(type) {
			case nil:
				processedRow[key] = nil
			case int64:
				// int64 exceeds JSON's safe integer range
				processedRow[key] = strconv.FormatInt(v, 10)
			case time.Time:
				processedRow[key] = v.Format(time.RFC3339Nano)
			default:
				processedRow[key] = v
			}
		}

		processedResults[i] = processedRow
	}

	return processedResults
}

func sendJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

// Send an error response in JSON format
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	sendJSON(w, statusCode, ErrorResponse{Error: message})
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Close the server and release resources
func (s *Server) Close() error {
	return s.Lake.Close()
}
