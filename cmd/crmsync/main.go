package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/crmsync/internal/crmsync"
	"github.com/agentworkforce/crmsync/internal/httpapi"
)

func main() {
	addr := os.Getenv("CRMSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	presets, err := crmsync.LoadConditionPresets(os.Getenv("CRMSYNC_CONDITIONS_FILE"))
	if err != nil {
		log.Fatalf("failed to load condition presets: %v", err)
	}

	gateway := crmsync.NewHTTPRemoteCRM(crmsync.HTTPRemoteCRMOptions{
		BaseURL:       os.Getenv("CRMSYNC_REMOTE_BASE_URL"),
		TokenProvider: crmsync.StaticTokenProvider(os.Getenv("CRMSYNC_REMOTE_TOKEN")),
		UserAgent:     "crmsync/1.0",
		MaxAttempts:   intEnv("CRMSYNC_REMOTE_MAX_ATTEMPTS", 0),
		BaseDelay:     durationEnv("CRMSYNC_REMOTE_RETRY_DELAY", 0),
		MaxDelay:      durationEnv("CRMSYNC_REMOTE_MAX_DELAY", 0),
	})

	engine := crmsync.NewEngine(crmsync.EngineOptions{
		StateBackend:  stateBackend,
		Gateway:       gateway,
		Logger:        logger,
		PageSize:      intEnv("CRMSYNC_PAGE_SIZE", 0),
		ChunkSize:     intEnv("CRMSYNC_MERGE_CHUNK_SIZE", 0),
		ChunkPause:    durationEnv("CRMSYNC_MERGE_CHUNK_PAUSE", 0),
		MergeWorkers:  intEnv("CRMSYNC_MERGE_WORKERS", 0),
		SweepInterval: durationEnv("CRMSYNC_SWEEP_INTERVAL", 0),
		ExportDir:     os.Getenv("CRMSYNC_EXPORT_DIR"),
		Presets:       presets,
	})
	defer engine.Close()

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		APIToken:     os.Getenv("CRMSYNC_API_TOKEN"),
		MaxBodyBytes: int64Env("CRMSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("crmsync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (crmsync.StateBackend, error) {
	backend := strings.TrimSpace(strings.ToLower(os.Getenv("CRMSYNC_STATE_BACKEND")))
	switch backend {
	case "", "memory":
		return nil, nil
	case "file":
		path := strings.TrimSpace(os.Getenv("CRMSYNC_STATE_FILE"))
		if path == "" {
			path = "crmsync-state.json"
		}
		return crmsync.NewJSONFileStateBackend(path), nil
	case "postgres":
		return crmsync.NewPostgresStateBackend(os.Getenv("CRMSYNC_STATE_DSN"))
	default:
		log.Fatalf("unknown CRMSYNC_STATE_BACKEND %q (want memory, file or postgres)", backend)
		return nil, nil
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
