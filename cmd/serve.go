package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pagestream/internal/model"
)

var (
	servePort      int
	serveNoBrowser bool
)

// streamer starts a streaming scrape job.
type streamer interface {
	Stream(ctx context.Context, req model.Request) (<-chan model.Event, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streaming results server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, !serveNoBrowser)
		if err != nil {
			return err
		}
		defer env.Close()

		defaultMode := model.ModeFull
		if cfg.Scrape.Lightweight {
			defaultMode = model.ModeLightweight
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(env.Orchestrator, env.Stats, cfg.Server.AllowedOrigins, defaultMode),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the HTTP surface. CORS applies to the results stream only.
func newRouter(s streamer, stats func() map[string]any, origins []string, defaultMode model.Mode) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stats())
	})

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Cache-Control", "Last-Event-ID"},
			MaxAge:         300,
		}))
		r.Get("/get_results", resultsHandler(s, defaultMode))
		r.Options("/get_results", func(http.ResponseWriter, *http.Request) {})
	})

	return r
}

// resultsHandler streams one job as server-sent events. A client that
// disconnects cancels its job through the request context.
func resultsHandler(s streamer, defaultMode model.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		req := model.Request{
			Query:    q.Get("query"),
			Sentence: q.Get("sentence"),
			Mode:     defaultMode,
		}
		if v := q.Get("starting_index"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "starting_index must be an integer"})
				return
			}
			req.StartingIndex = n
		}
		if v := q.Get("lightweight"); v != "" {
			req.Mode = model.ParseMode(v)
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
			return
		}

		events, err := s.Stream(r.Context(), req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for ev := range events {
			frame, err := sseFrame(ev)
			if err != nil {
				zap.L().Warn("serve: encode event", zap.Error(err))
				continue
			}
			if _, err := w.Write(frame); err != nil {
				zap.L().Debug("serve: client went away", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// sseFrame encodes ev as a single "data:" frame.
func sseFrame(ev model.Event) ([]byte, error) {
	var payload []byte
	switch ev.Kind {
	case model.EventProcessing:
		payload = []byte("PROCESSING")
	case model.EventResult:
		r := model.EmptyResult()
		if ev.Result != nil {
			r = *ev.Result
		}
		b, err := json.Marshal(r)
		if err != nil {
			return nil, eris.Wrap(err, "serve: marshal result")
		}
		payload = b
	case model.EventEnd:
		payload = []byte("END")
	case model.EventError:
		payload = []byte("ERROR")
	default:
		return nil, eris.Errorf("serve: unknown event kind %q", ev.Kind)
	}

	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoBrowser, "no-browser", false, "do not start the browser pool; full-mode requests fall back to HTTP")
	rootCmd.AddCommand(serveCmd)
}
