package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/logging"
	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/store"
)

// requestTimeout bounds every store call made on behalf of a request.
const requestTimeout = 2 * time.Second

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/temperature-ingest", a.handleTemperatureIngest)
	mux.HandleFunc("/soil-ingest", a.handleSoilIngest)
	mux.HandleFunc("/plant-ingest", a.handlePlantIngest)
	mux.HandleFunc("/leaf-ingest", a.handleLeafIngest)

	mux.HandleFunc("/api/dashboard", a.handleDashboard)
	mux.HandleFunc("/api/alerts", a.handleAlerts)
	mux.HandleFunc("/api/statistics", a.handleStatistics)
	mux.HandleFunc("/api/trends/environment", a.handleEnvironmentTrend)
	mux.HandleFunc("/api/trends/plant-height", a.handlePlantHeightTrend)
	mux.HandleFunc("/api/system-status", a.handleSystemStatus)
	mux.HandleFunc("/api/commands", a.handleRecentCommands)
	mux.HandleFunc("/api/devices", a.handleDevices)
	mux.HandleFunc("/api/export/readings", a.handleExportReadings)
	mux.HandleFunc("/api/ingestion-errors", a.handleIngestionErrors)

	mux.HandleFunc("/api/water-plants", a.handleWaterPlants)
	mux.HandleFunc("/api/toggle-fan", a.handleToggleFan)
	mux.HandleFunc("/api/toggle-lights", a.handleToggleLights)

	return a.withRequestID(mux)
}

type ctxKey int

const loggerKey ctxKey = iota

// withRequestID tags each request with an id, echoed in X-Request-ID and attached
// to the request logger.
func (a *App) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		logger := logging.WithRequestID(a.logger, id).With(zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), loggerKey, logger)))
	})
}

func (a *App) log(r *http.Request) *zap.Logger {
	if l, ok := r.Context().Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return a.logger
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if a.store == nil || a.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	if err := a.store.Ping(ctx); err != nil {
		a.log(r).Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// allow writes 405 with an Allow header unless r uses method.
func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	return false
}

type errorBody struct {
	Error string `json:"error"`
}

type messageBody struct {
	Message   string `json:"message"`
	CommandID int64  `json:"command_id,omitempty"`
}

// writeJSON encodes v into a buffer before writing the status line so a response
// is never half-written.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		buf.Reset()
		buf.WriteString(`{"error":"failed to encode response"}` + "\n")
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeFallback answers 500 with the documented default shape of a read endpoint.
func (a *App) writeFallback(w http.ResponseWriter, r *http.Request, what string, err error, fallback any) {
	a.log(r).Error("failed to load "+what, zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, fallback)
}

// writeStoreError maps an error from a write path onto 400 or 500.
func (a *App) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error()})
	case errors.Is(err, store.ErrUnavailable):
		a.log(r).Error("store unavailable", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "store unavailable"})
	default:
		a.log(r).Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decodeBody decodes a JSON object body into v and returns the raw bytes.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, model.Invalid("body", "unreadable request body")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return raw, model.Invalid("body", "invalid JSON payload")
	}
	return raw, nil
}

// queryInt parses a positive integer query parameter clamped to [1, max].
func queryInt(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
