// Package api exposes the query pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/IM-26-AI/QueryMind/pkg/pipeline"
)

const maxRequestBytes = 1 << 20

// Runner answers one question.
type Runner interface {
	Run(ctx context.Context, question string) (*pipeline.Result, error)
}

// Pinger reports database reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type QueryRequest struct {
	Question string `json:"question"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type QueryHandler struct {
	runner Runner
	pinger Pinger
	logger *zap.Logger
}

func NewQueryHandler(runner Runner, pinger Pinger, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{runner: runner, pinger: pinger, logger: logger}
}

// Query runs the pipeline for the posted question.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "question is required"})
		return
	}

	result, err := h.runner.Run(r.Context(), req.Question)
	if result == nil {
		h.logger.Error("run returned no result", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: internalServerError})
		return
	}
	writeJSON(w, statusFor(err), result)
}

// Health reports liveness and, when a pinger is configured, database reachability.
func (h *QueryHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch pipeline.KindOf(err) {
	case pipeline.KindRetryBudgetExhausted:
		return http.StatusUnprocessableEntity
	case pipeline.KindBudget:
		return http.StatusPaymentRequired
	case pipeline.KindCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	case pipeline.KindRetrieval, pipeline.KindGeneration, pipeline.KindExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
