package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conductor-dev/conductor/internal/agentapi"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/controller"
	"github.com/conductor-dev/conductor/internal/dispatch"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/fallback"
	"github.com/conductor-dev/conductor/internal/httpapi"
	"github.com/conductor-dev/conductor/internal/keystore"
	"github.com/conductor-dev/conductor/internal/matcher"
	"github.com/conductor-dev/conductor/internal/models"
	"github.com/conductor-dev/conductor/internal/planner"
	"github.com/conductor-dev/conductor/internal/ratecontrol"
	"github.com/conductor-dev/conductor/internal/reintegrate"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, err := store.New(cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to initialize result store", zap.Error(err))
	}
	defer results.Close()

	snapStore, err := state.NewSnapshotStore(cfg.State, logger)
	if err != nil {
		logger.Fatal("Failed to initialize snapshot store", zap.Error(err))
	}
	defer snapStore.Close()
	snaps := state.NewManager(cfg.Snapshot, snapStore, logger)

	keys := openKeyStore(logger)
	defer keys.Close()

	rates := ratecontrol.New(os.Getenv("CONDUCTOR_RATES_PATH"), logger)
	defer rates.Close()

	bus := events.NewBus(256, logger)
	health := fallback.NewManager(cfg.Fallback, logger)
	caller := agentapi.NewClient(keys, cfg.SubtaskTimeout(), logger)
	disp := dispatch.New(cfg, caller, results, bus, health, rates, logger)
	plan := planner.New(cfg.Batching, logger)
	match := matcher.New(cfg.Matcher, health, logger)
	ctrl := controller.New(cfg, plan, match, disp, health, results, snaps, bus, logger)
	compose := reintegrate.New(logger)

	mux := http.NewServeMux()
	httpapi.NewStreamHandler(bus, logger).Register(mux)
	if cfg.Observability.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	registerWorkflowRoutes(mux, ctx, ctrl, results, compose, logger)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Observability.Metrics.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Observability.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Observability.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openKeyStore prefers the encrypted file store and falls back to an empty
// in-memory store when no master secret is configured. Without credentials
// agent calls will fail per subtask rather than at startup.
func openKeyStore(logger *zap.Logger) keystore.KeyStore {
	path := os.Getenv("CONDUCTOR_KEYS_PATH")
	if path == "" {
		path = "config/keys.enc"
	}
	ks, err := keystore.Open(path, os.Getenv("CONDUCTOR_MASTER_KEY"), logger)
	if err != nil {
		logger.Warn("Encrypted key store unavailable, using empty store", zap.Error(err))
		return &keystore.StaticStore{}
	}
	return ks
}

// workflowRequest is the submit payload: the workflow definition plus the
// agent pool to run it against.
type workflowRequest struct {
	Prompt   string            `json:"prompt"`
	Subtasks []*models.Subtask `json:"subtasks"`
	Agents   []*models.Agent   `json:"agents"`
}

func registerWorkflowRoutes(mux *http.ServeMux, ctx context.Context, ctrl *controller.Controller, results store.ResultStore, compose *reintegrate.Reintegrator, logger *zap.Logger) {
	// registry keeps the submitted subtask sets for document assembly.
	registry := newWorkflowRegistry()

	mux.HandleFunc("POST /workflows", func(w http.ResponseWriter, r *http.Request) {
		var req workflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		wf := models.NewWorkflow(req.Prompt)
		for _, st := range req.Subtasks {
			if st.ID == "" {
				st.ID = models.NewID()
			}
			st.WorkflowID = wf.ID
			if st.Status == "" {
				st.Status = models.SubtaskPending
			}
			if st.CreatedAt.IsZero() {
				st.CreatedAt = time.Now().UTC()
			}
		}
		wf.Subtasks = req.Subtasks
		registry.put(wf)

		go func() {
			if _, err := ctrl.StartExecution(ctx, wf, req.Agents); err != nil {
				logger.Error("Workflow execution failed",
					zap.String("workflow_id", wf.ID), zap.Error(err))
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"workflow_id": wf.ID})
	})

	mux.HandleFunc("GET /workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := ctrl.State(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	})

	mux.HandleFunc("POST /workflows/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, ctrl.Pause(r.PathValue("id")))
	})
	mux.HandleFunc("POST /workflows/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, ctrl.Resume(r.PathValue("id")))
	})
	mux.HandleFunc("POST /workflows/{id}/halt", func(w http.ResponseWriter, r *http.Request) {
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator halt"
		}
		writeControlResult(w, ctrl.Halt(r.PathValue("id"), reason))
	})

	mux.HandleFunc("GET /workflows/{id}/document", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		wf := registry.get(id)
		if wf == nil {
			http.Error(w, "unknown workflow "+id, http.StatusNotFound)
			return
		}
		data, err := results.GetReintegrationData(r.Context(), id, wf.Subtasks)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if st, err := ctrl.State(id); err == nil {
			data.State = st
		}
		doc, err := compose.Compose(data, reintegrate.Options{
			Strategy: reintegrate.Strategy(r.URL.Query().Get("strategy")),
			Format:   reintegrate.Format(r.URL.Query().Get("format")),
			Title:    wf.Prompt,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write([]byte(doc))
	})
}

func writeControlResult(w http.ResponseWriter, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
