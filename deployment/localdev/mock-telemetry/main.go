package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miradorstack/mirador-risk/internal/ingest"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/synth"
	"github.com/miradorstack/mirador-risk/internal/telemetry"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dataDir := flag.String("data", "", "fixture directory; a synthetic fixture is generated when empty")
	seed := flag.Uint64("seed", 42, "seed for the synthetic fixture")
	flag.Parse()

	logger := utils.NewLogger("info", true).With(slog.String("component", "mock-telemetry"))

	fx, store, err := loadFixture(*dataDir, *seed)
	if err != nil {
		logger.Error("load fixture", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("fixture loaded",
		slog.Int("nodes", len(fx.Topology.Nodes)),
		slog.Int("links", len(fx.Topology.Links)),
		slog.Int("samples", store.Len()))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, newMux(fx, store, logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func loadFixture(dir string, seed uint64) (ingest.Fixture, *telemetry.MemoryStore, error) {
	if dir != "" {
		return ingest.LoadStore(dir)
	}
	opts := synth.DefaultOptions()
	opts.Seed = seed
	// Align the history with the wall clock so the engine's default "now" has data.
	opts.Start = time.Now().UTC().Truncate(time.Minute).Add(-opts.Duration)
	gen, err := synth.New(opts)
	if err != nil {
		return ingest.Fixture{}, nil, err
	}
	fx, err := gen.Generate()
	if err != nil {
		return ingest.Fixture{}, nil, err
	}
	store := telemetry.NewMemoryStore()
	if err := ingest.Populate(store, fx); err != nil {
		return ingest.Fixture{}, nil, err
	}
	return fx, store, nil
}

type sampleQuery struct {
	EntityID string    `json:"entity_id"`
	Metric   string    `json:"metric"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	At       time.Time `json:"at"`
}

type wireSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

func newMux(fx ingest.Fixture, store *telemetry.MemoryStore, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/telemetry/samples", func(w http.ResponseWriter, r *http.Request) {
		q, ok := decodeQuery(w, r)
		if !ok {
			return
		}
		samples, err := store.Samples(r.Context(), q.EntityID, q.Metric, q.Start, q.End)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]wireSample, 0, len(samples))
		for _, s := range samples {
			out = append(out, wireSample{Timestamp: s.Timestamp, Value: s.Value})
		}
		writeJSON(w, logger, map[string]any{"samples": out})
	})

	mux.HandleFunc("/api/v1/telemetry/last", func(w http.ResponseWriter, r *http.Request) {
		q, ok := decodeQuery(w, r)
		if !ok {
			return
		}
		s, found, err := store.Last(r.Context(), q.EntityID, q.Metric, q.At)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, map[string]any{
			"found":  found,
			"sample": wireSample{Timestamp: s.Timestamp, Value: s.Value},
		})
	})

	mux.HandleFunc("/api/v1/telemetry/incidents", func(w http.ResponseWriter, r *http.Request) {
		q, ok := decodeQuery(w, r)
		if !ok {
			return
		}
		incidents, err := store.Incidents(r.Context(), q.EntityID, q.Start, q.End)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if incidents == nil {
			incidents = []models.Incident{}
		}
		writeJSON(w, logger, map[string]any{"incidents": incidents})
	})

	mux.HandleFunc("/api/v1/telemetry/topology", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, logger, fx.Topology)
	})
	return mux
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (sampleQuery, bool) {
	var q sampleQuery
	if !enforcePost(w, r) {
		return q, false
	}
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return q, false
	}
	return q, true
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode error", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
