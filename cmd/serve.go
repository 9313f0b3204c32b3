package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/schema-check/internal/db"
	"github.com/sells-group/schema-check/internal/pipeline"
	"github.com/sells-group/schema-check/internal/report"
	"github.com/sells-group/schema-check/internal/version"
)

var servePort int

// validationService is the part of the pipeline the HTTP API uses.
type validationService interface {
	Versions(ctx context.Context) ([]string, error)
	Run(ctx context.Context, pool db.Pool, req pipeline.Request) (*pipeline.Outcome, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the validation HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg.Server.Port = resolvePort(servePort, cfg.Server.Port)

		env, err := initApp(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		router := buildRouter(env.Pipeline, env.Pool, cfg.Server.CORSOrigins)
		return startServer(ctx, router, cfg.Server.Port)
	},
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// buildRouter wires the API routes. pool may be nil in tests that do not
// reach the validators.
func buildRouter(svc validationService, pool db.Pool, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/versions", func(w http.ResponseWriter, r *http.Request) {
		tags, err := svc.Versions(r.Context())
		if err != nil {
			zap.L().Error("list versions failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"default":  version.Latest,
			"versions": append([]string{version.Latest}, tags...),
		})
	})

	r.Post("/validate", func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		format := report.FormatJSON
		if f := r.URL.Query().Get("format"); f != "" {
			parsed, err := report.ParseFormat(f)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			format = parsed
		}

		out, err := svc.Run(r.Context(), pool, req)
		if err != nil {
			var unsupported *version.UnsupportedVersionError
			if errors.As(err, &unsupported) {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error":     unsupported.Error(),
					"supported": unsupported.Supported,
				})
				return
			}
			zap.L().Error("validation request failed", zap.String("version", req.Version), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		report.SortResults(out.Results)
		rep := report.New(out.RunID, out.Version, out.Results)
		if format != report.FormatJSON {
			w.Header().Set("Content-Type", contentType(format))
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "validation-"+rep.RunID+"."+string(format)))
			if err := report.Write(w, format, rep); err != nil {
				zap.L().Error("write report failed", zap.String("run_id", rep.RunID), zap.Error(err))
			}
			return
		}
		writeJSON(w, http.StatusOK, validateResponse{
			Report:    rep,
			FromCache: out.FromCache,
			Phases:    out.Phases,
		})
	})

	return r
}

type validateResponse struct {
	*report.Report
	FromCache bool             `json:"from_cache"`
	Phases    []pipeline.Phase `json:"phases"`
}

func contentType(f report.Format) string {
	switch f {
	case report.FormatCSV:
		return "text/csv"
	case report.FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// startServer serves handler until ctx is cancelled, then shuts down
// gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
