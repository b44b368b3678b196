// Command imaging-proxy runs the image loading engine as a small HTTP
// service: it fetches slices from an upstream image service, caches them
// in memory, and exposes prefetch and observability endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medview/dicom-loader/pkg/cache"
	"github.com/medview/dicom-loader/pkg/loader"
	"github.com/medview/dicom-loader/pkg/logging"
	"github.com/medview/dicom-loader/pkg/prefetch"
)

func main() {
	// Configuration from environment
	imageServiceURL := getEnv("IMAGE_SERVICE_URL", "http://localhost:8042")
	port := getEnv("PORT", "8080")
	userAgent := getEnv("USER_AGENT", "imaging-proxy/0.1.0")
	logLevel := getEnv("LOG_LEVEL", "info")
	cacheMB := getEnvInt("CACHE_MAX_MB", 512)
	policy := cache.Policy(getEnv("CACHE_POLICY", string(cache.PolicyLRU)))

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(logLevel),
		Pretty: getEnv("LOG_PRETTY", "") != "",
		Output: os.Stderr,
	})

	fetcher, err := loader.NewHTTPFetcher(imageServiceURL, userAgent)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid image service URL")
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.MaxMemoryBytes = int64(cacheMB) * 1024 * 1024
	cacheCfg.Policy = policy
	store := cache.NewStore(cacheCfg, logger)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.Start(ctx)

	ldr, err := loader.New(loader.DefaultConfig(fetcher, store), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create loader")
	}

	scheduler := prefetch.New(ldr, prefetch.DefaultConfig(), logger)

	// HTTP Server
	http.HandleFunc("/health", healthHandler)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/image/", imageHandler(ldr))
	http.HandleFunc("/stats", statsHandler(ldr))
	http.HandleFunc("/prefetch/study", prefetchStudyHandler(scheduler))
	http.HandleFunc("/prefetch/progress", progressHandler(scheduler))

	addr := ":" + port
	logger.Info().
		Str("addr", addr).
		Str("image_service", imageServiceURL).
		Int("cache_mb", cacheMB).
		Msg("Starting imaging proxy")

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// imageResponse is the JSON body served per image.
type imageResponse struct {
	Metadata     loader.ImageMetadata `json:"metadata"`
	Pixels       []byte               `json:"pixels"`
	Fallback     bool                 `json:"fallback,omitempty"`
	FallbackKind string               `json:"fallback_kind,omitempty"`
}

// imageHandler serves a single image through the loader. Terminal
// upstream failures still return 200 with a fallback body so viewers
// always have something to render.
func imageHandler(ldr *loader.Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Example: /image/study/s1/image/4 -> study/s1/image/4
		id := strings.TrimPrefix(r.URL.Path, "/image/")
		if id == "" {
			http.Error(w, "image identifier required", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		payload, err := ldr.Load(ctx, id, loader.Options{Priority: loader.PriorityHigh})
		if err != nil {
			http.Error(w, fmt.Sprintf("load cancelled: %v", err), http.StatusRequestTimeout)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(imageResponse{
			Metadata:     payload.Metadata,
			Pixels:       payload.Data,
			Fallback:     payload.Fallback,
			FallbackKind: string(payload.FallbackKind),
		})
	}
}

// statsHandler reports cache effectiveness for dashboards that poll JSON
// instead of scraping Prometheus.
func statsHandler(ldr *loader.Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := ldr.CacheStats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entries":     stats.Entries,
			"total_bytes": stats.TotalBytes,
			"hit_rate":    stats.HitRate,
			"evictions":   stats.Evictions,
		})
	}
}

// prefetchStudyHandler kicks off a whole-study warm-up in the background.
func prefetchStudyHandler(s *prefetch.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		studyID := r.URL.Query().Get("study")
		total, err := strconv.Atoi(r.URL.Query().Get("total"))
		if studyID == "" || err != nil || total <= 0 {
			http.Error(w, "study and positive total required", http.StatusBadRequest)
			return
		}
		center, _ := strconv.Atoi(r.URL.Query().Get("center"))

		go func() {
			// Detached from the request: the warm-up outlives the caller.
			_, _ = s.PrefetchStudy(context.Background(), studyID, total, center, loader.PriorityHigh)
		}()

		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "prefetch started for study %s", studyID)
	}
}

// progressHandler reports a running study warm-up, 404 once it finished.
func progressHandler(s *prefetch.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID := r.URL.Query().Get("study")
		prog := s.Progress(studyID)
		if prog == nil {
			http.Error(w, "no prefetch in progress", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"study_id":      prog.StudyID,
			"total_images":  prog.TotalImages,
			"loaded_images": prog.LoadedImages,
			"failed_images": prog.FailedImages,
			"eta_seconds":   prog.ETA.Seconds(),
		})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
