package frontend

import (
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, "notfound", http.StatusNotFound, map[string]string{
		"error": "404 Not Found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, route string, status int, v interface{}) {
	metricRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()

	buf, err := jsoniter.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

func writeError(w http.ResponseWriter, route string, status int, msg string) {
	writeJSON(w, route, status, map[string]string{"error": msg})
}

// intParam parses a positive-int query parameter, falling back to def when
// absent. Range clamping happens in the store.
func intParam(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
