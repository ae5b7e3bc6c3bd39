package lake

import (
	"net/http"

	json "github.com/goccy/go-json"
)

type formatterFn func(data []map[string]any, w http.ResponseWriter) error

var formatters = map[string]formatterFn{
	"json":   JsonFormatter,
	"ndjson": NDJsonFormatter,
}

func JsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(QueryResponse{
		Results: ProcessResultsForJSON(data),
	})
}

// NDJsonFormatter writes one JSON object per line, for piping into tools
// that consume newline-delimited streams.
func NDJsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, result := range ProcessResultsForJSON(data) {
		if err := json.NewEncoder(w).Encode(result); err != nil {
			return err
		}
	}
	return nil
}
