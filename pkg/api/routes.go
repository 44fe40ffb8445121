package api

import (
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func SetupRoutes(h *QueryHandler, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := mux.NewRouter()

	r.Use(LoggingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))

	r.HandleFunc("/api/v1/query", h.Query).Methods("POST")
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	return r
}
