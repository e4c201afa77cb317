// Package server exposes the message router over a local HTTP API.
package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/api"
	"github.com/rsclarke/portalgate/internal/auth"
	"github.com/rsclarke/portalgate/internal/db"
	"github.com/rsclarke/portalgate/internal/logging"
	"github.com/rsclarke/portalgate/internal/metrics"
	"github.com/rsclarke/portalgate/internal/router"
	"github.com/rsclarke/portalgate/internal/rules"
)

const maxMessageBytes = 8 << 20

// Dispatcher is satisfied by router.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg router.Message, sender router.Sender) (<-chan router.Reply, error)
}

// APIServer handles the local message API.
type APIServer struct {
	DB     *sql.DB
	Router Dispatcher
	Rules  *rules.Engine
	Logger *zap.Logger
}

// AuthMiddleware validates API key authentication for protected routes.
func (s *APIServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, ok := auth.FromBearer(r.Header.Get("Authorization"))
		if !ok {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		prefix, _, err := auth.Parse(apiKey)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		storedKey, err := db.GetAPIKeyByPrefix(s.DB, prefix)
		if err != nil || storedKey == nil || storedKey.RevokedAt != nil {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		if !auth.Verify(apiKey, storedKey.KeyHash) {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler for the API server. Health and metrics
// are served without authentication.
func (s *APIServer) Handler() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/messages", s.handleMessage)
	protected.HandleFunc("GET /v1/rules", s.handleRules)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/v1/", s.AuthMiddleware(protected))
	return mux
}

func (s *APIServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *APIServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(api.HeaderRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(api.HeaderRequestID, reqID)

	var req api.MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "type is required"})
		return
	}

	sender := router.Sender{
		TabID: r.Header.Get(api.HeaderTabID),
		URL:   r.Header.Get(api.HeaderTabURL),
	}
	ctx := router.WithRequestID(r.Context(), reqID)

	replies, err := s.Router.Dispatch(ctx, router.Message{
		Type:    req.Type,
		Payload: req.Payload,
		URL:     req.URL,
	}, sender)
	if errors.Is(err, router.ErrUnknownMessage) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.logger().Error("dispatch failed", logging.RequestID(reqID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "dispatch failed"})
		return
	}
	if replies == nil {
		writeJSON(w, http.StatusAccepted, api.AcceptedResponse{Accepted: true})
		return
	}

	select {
	case reply := <-replies:
		writeJSON(w, http.StatusOK, reply)
	case <-r.Context().Done():
		s.logger().Debug("client gone before reply", logging.RequestID(reqID), logging.MessageType(req.Type))
	}
}

func (s *APIServer) handleRules(w http.ResponseWriter, _ *http.Request) {
	active := []rules.HeaderRule{}
	if s.Rules != nil {
		active = append(active, s.Rules.Rules()...)
	}
	writeJSON(w, http.StatusOK, api.RulesResponse{Rules: active})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		if err := s.DB.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "db unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
