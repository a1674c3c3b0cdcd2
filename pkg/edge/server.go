// Package edge is a reference sync peer: an HTTP server implementing
// the push/pull wire contract over a bbolt change feed. It backs
// `apiary edge serve` and the syncer's integration tests; production
// deployments may point the syncer at any peer speaking the same
// contract.
package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/types"
)

// Server serves /push, /pull, and /health.
type Server struct {
	feed   *Log
	token  string
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer wires the routes. An empty token disables auth.
func NewServer(feed *Log, token string) *Server {
	s := &Server{
		feed:   feed,
		token:  token,
		logger: log.WithComponent("edge"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Head("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/push", s.handlePush)
		r.Post("/pull", s.handlePull)
	})
	s.router = r
	return s
}

// Handler exposes the route tree, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("edge peer listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// authenticate enforces the bearer token and requires a client id on
// the sync routes.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if r.Header.Get("X-Client-Id") == "" {
			writeError(w, http.StatusBadRequest, "missing X-Client-Id header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req types.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding push request: "+err.Error())
		return
	}
	clientID := r.Header.Get("X-Client-Id")

	resp := types.PushResponse{
		Accepted:        []string{},
		Rejected:        []types.PushRejection{},
		ServerTimestamp: time.Now().UTC(),
	}
	for _, change := range req.Changes {
		accepted, conflict, err := s.feed.Append(clientID, change)
		switch {
		case err != nil:
			resp.Rejected = append(resp.Rejected, types.PushRejection{
				ID:     change.ID,
				Reason: err.Error(),
			})
		case accepted:
			resp.Accepted = append(resp.Accepted, change.ID)
		default:
			resp.Rejected = append(resp.Rejected, types.PushRejection{
				ID:       change.ID,
				Reason:   "entity has a newer copy",
				Conflict: conflict,
			})
		}
	}
	resp.Success = len(resp.Rejected) == 0

	s.logger.Debug().
		Str("client", clientID).
		Int("accepted", len(resp.Accepted)).
		Int("rejected", len(resp.Rejected)).
		Msg("push handled")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req types.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding pull request: "+err.Error())
		return
	}

	q := PageQuery{
		Since:         req.LastSyncAt,
		ExcludeClient: r.Header.Get("X-Client-Id"),
		EntityTypes:   req.EntityTypes,
		Limit:         req.Limit,
	}
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		after, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed cursor")
			return
		}
		q.AfterVersion = after
	} else if req.SinceVersion != nil {
		q.AfterVersion = *req.SinceVersion
	}

	page, lastVer, hasMore, err := s.feed.Page(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	latest, err := s.feed.LatestVersion()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if page == nil {
		page = []*types.ChangeLogEntry{}
	}
	resp := types.PullResponse{
		Changes:         page,
		HasMore:         hasMore,
		ServerTimestamp: time.Now().UTC(),
		LatestVersion:   latest,
	}
	if hasMore {
		resp.NextCursor = strconv.FormatInt(lastVer, 10)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
