package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itchdl/itch-dl/internal/batch"
	"github.com/itchdl/itch-dl/internal/fetcher"
	"github.com/itchdl/itch-dl/internal/model"
	"github.com/itchdl/itch-dl/internal/naming"
	"github.com/itchdl/itch-dl/internal/resilience"
	"github.com/itchdl/itch-dl/internal/store"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		host := serveHost
		if host == "" {
			host = cfg.Server.Host
		}

		root, err := filepath.Abs(cfg.Server.DownloadRoot)
		if err != nil {
			return eris.Wrap(err, "serve: download root")
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return eris.Wrapf(err, "serve: create download root %s", root)
		}

		srv := &http.Server{
			Addr: net.JoinHostPort(host, strconv.Itoa(port)),
			Handler: buildRouter(newFetchServer(env.Engine, env.Store, env.Breakers, serveOptions{
				Defaults:       fetchOptions(cfg.Fetch),
				Root:           root,
				AllowedOrigins: cfg.Server.AllowedOrigins,
			})),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.String("addr", srv.Addr), zap.String("root", root))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type serveOptions struct {
	Defaults fetcher.Options
	// Root is the absolute directory every request destination is joined onto.
	Root           string
	AllowedOrigins []string
}

// fetchServer answers the /v1 routes. Fetches that share a destination are
// serialized; distinct destinations run in parallel.
type fetchServer struct {
	fetcher  fetcher.Fetcher
	store    store.Store
	breakers *resilience.HostBreakers
	opts     serveOptions

	mu    sync.Mutex
	locks map[string]*destinationLock
}

// destinationLock is dropped from the table once no request holds or waits on it.
type destinationLock struct {
	sync.Mutex
	refs int
}

func newFetchServer(f fetcher.Fetcher, st store.Store, breakers *resilience.HostBreakers, opts serveOptions) *fetchServer {
	if breakers == nil {
		breakers = batch.NewBreakers(0, 0)
	}
	return &fetchServer{
		fetcher:  f,
		store:    st,
		breakers: breakers,
		opts:     opts,
		locks:    make(map[string]*destinationLock),
	}
}

// lockDestination blocks until dest is free and returns its release func.
func (s *fetchServer) lockDestination(dest string) func() {
	s.mu.Lock()
	l, ok := s.locks[dest]
	if !ok {
		l = &destinationLock{}
		s.locks[dest] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, dest)
		}
		s.mu.Unlock()
	}
}

// resolveDestination confines a client-supplied destination to root. Empty
// means root itself; absolute paths and paths climbing out are rejected.
func resolveDestination(root, dest string) (string, error) {
	if dest == "" {
		return root, nil
	}
	if !filepath.IsLocal(dest) {
		return "", eris.Errorf("dest %q must be a relative path inside the download root", dest)
	}
	return filepath.Join(root, filepath.Clean(dest)), nil
}

func buildRouter(s *fetchServer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		// Writes accept JSON bodies only.
		r.With(middleware.AllowContentType("application/json")).Post("/fetch", s.handleFetch)
		r.Get("/fetches", s.handleListFetches)
		r.Get("/dlq", s.handleListDLQ)
		r.Get("/breakers", s.handleBreakers)
	})
	return r
}

type fetchRequest struct {
	URL             string `json:"url"`
	Dest            string `json:"dest"`
	Slug            bool   `json:"slug"`
	SkipIfIdentical *bool  `json:"skip_if_identical"`
	ArchiveExisting *bool  `json:"archive_existing"`
}

type fetchResponse struct {
	BatchID      string `json:"batch_id"`
	Outcome      string `json:"outcome"`
	Strategy     string `json:"strategy"`
	Path         string `json:"path,omitempty"`
	ArchivedPath string `json:"archived_path,omitempty"`
	Bytes        int64  `json:"bytes"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

func (s *fetchServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	var body fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := batch.ValidateURL(body.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dest, err := resolveDestination(s.opts.Root, body.Dest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := fetcher.Request{URL: body.URL, Destination: dest, Options: s.opts.Defaults}
	if body.SkipIfIdentical != nil {
		req.Options.SkipIfIdentical = *body.SkipIfIdentical
	}
	if body.ArchiveExisting != nil {
		req.Options.ArchiveExisting = *body.ArchiveExisting
	}
	if body.Slug {
		req.Options.Rename = naming.SlugifyFilename
	}

	release := s.lockDestination(dest)
	res, err := resilience.ExecuteVal(r.Context(), s.breakers.ForURL(body.URL), func(ctx context.Context) (*fetcher.Result, error) {
		return s.fetcher.Fetch(ctx, req)
	})
	release()

	resp := fetchResponse{BatchID: "api-" + uuid.NewString(), Outcome: fetcher.OutcomeFailed.String()}
	rec := model.FetchRecord{
		BatchID:     resp.BatchID,
		URL:         body.URL,
		Destination: dest,
		Attempts:    1,
		Status:      model.FetchStatusFailed,
	}
	if res != nil {
		resp.Outcome = res.Outcome.String()
		resp.Strategy = res.Strategy.String()
		resp.Path = res.Path
		resp.ArchivedPath = res.ArchivedPath
		resp.Bytes = res.Bytes
		resp.DurationMs = res.Duration.Milliseconds()
		rec.Path, rec.Bytes, rec.DurationMs = res.Path, res.Bytes, resp.DurationMs
	}

	status := http.StatusOK
	switch {
	case err != nil:
		resp.Reason = string(fetcher.ReasonOf(err))
		if eris.Is(err, resilience.ErrCircuitOpen) {
			resp.Reason = "circuit_open"
		}
		resp.Error = err.Error()
		rec.Reason, rec.Error = resp.Reason, resp.Error
		status = http.StatusBadGateway
	case res.Outcome == fetcher.OutcomeSkipped:
		rec.Status = model.FetchStatusSkipped
	default:
		rec.Status = model.FetchStatusDownloaded
	}

	if s.store != nil {
		if rerr := s.store.RecordFetch(r.Context(), rec); rerr != nil {
			zap.L().Warn("record api fetch", zap.String("url", body.URL), zap.Error(rerr))
		}
	}
	writeJSON(w, status, resp)
}

func (s *fetchServer) handleListFetches(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	recs, err := s.store.ListFetches(r.Context(), store.FetchFilter{
		BatchID: q.Get("batch"),
		Status:  model.FetchStatus(q.Get("status")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		zap.L().Error("list fetches", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list fetches failed")
		return
	}
	if recs == nil {
		recs = []model.FetchRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fetches": recs})
}

func (s *fetchServer) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := s.store.ListDLQ(r.Context(), resilience.DLQFilter{
		BatchID:   q.Get("batch"),
		ErrorType: q.Get("error_type"),
		Limit:     limit,
	})
	if err != nil {
		zap.L().Error("list dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list dlq failed")
		return
	}
	total, err := s.store.CountDLQ(r.Context())
	if err != nil {
		zap.L().Error("count dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "count dlq failed")
		return
	}
	if entries == nil {
		entries = []resilience.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

func (s *fetchServer) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	states := make(map[string]string)
	for host, st := range s.breakers.States() {
		states[host] = st.String()
	}
	writeJSON(w, http.StatusOK, states)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
