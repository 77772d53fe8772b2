package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chapterforge/internal/llmerr"
	"chapterforge/internal/logging"
	"chapterforge/internal/orchestrator"
	"chapterforge/internal/stream"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chapter API, worker runtime, and progress channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		log := logging.Get(logging.CategoryBoot)

		a.workers.Start(ctx)

		api := &http.Server{
			Addr:    serveAddr,
			Handler: a.limiter.Middleware(apiMux(a)),
		}
		ws := &http.Server{
			Addr:    cfg.Stream.ListenAddr,
			Handler: stream.NewServer(a.hub, cfg.Stream, a.orch.OwnerOf).Handler(),
		}

		errc := make(chan error, 2)
		go func() { errc <- api.ListenAndServe() }()
		go func() { errc <- ws.ListenAndServe() }()
		log.Info("serving",
			zap.String("api", serveAddr),
			zap.String("stream", cfg.Stream.ListenAddr))

		select {
		case <-ctx.Done():
		case err := <-errc:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = api.Shutdown(shutdownCtx)
		_ = ws.Shutdown(shutdownCtx)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8090", "API listen address")
}

func apiMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/chapters", func(w http.ResponseWriter, r *http.Request) {
		if a.workers.Saturated(r.Context()) {
			w.Header().Set("Retry-After", "30")
			http.Error(w, "generation backlog full, retry later", http.StatusServiceUnavailable)
			return
		}
		var req orchestrator.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		id, err := a.orch.Start(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"chapter_id": id})
	})

	mux.HandleFunc("GET /api/chapters/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, err := a.orch.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if c == nil {
			http.Error(w, "chapter not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, c)
	})

	mux.HandleFunc("POST /api/chapters/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if !a.orch.Cancel(r.PathValue("id")) {
			http.Error(w, "chapter is not running", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /api/chapters/{id}/sections/{index}/regenerate", func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(r.PathValue("index"))
		if err != nil {
			http.Error(w, "section index must be an integer", http.StatusBadRequest)
			return
		}
		// The body is optional: an empty POST regenerates from the plan
		// as-is.
		var opts orchestrator.RegenerateOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := a.orch.RegenerateSection(r.Context(), r.PathValue("id"), index, opts); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind, _ := llmerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case llmerr.KindInvalidInput:
		status = http.StatusBadRequest
	case llmerr.KindProviderUnavailable:
		status = http.StatusBadGateway
	case llmerr.KindProviderRateLimit:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}
