package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/chatforge/pipeline-service/internal/handlers"
	"github.com/chatforge/pipeline-service/internal/services"
)

type Server struct {
	httpAddr string
	pipeline *services.PipelineService
}

func NewServer(httpAddr string, pipeline *services.PipelineService) *Server {
	return &Server{
		httpAddr: httpAddr,
		pipeline: pipeline,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	chatHandler := handlers.NewChatHandler(s.pipeline)
	chatHandler.RegisterRoutes(mux)

	statsHandler := handlers.NewStatsHandler(s.pipeline)
	statsHandler.RegisterRoutes(mux)

	slog.Info("HTTP server starting",
		"addr", s.httpAddr,
		"endpoints", []string{"/v1/chat", "/v1/dispatch", "/v1/messages", "/v1/stats/*", "/healthz"})

	srv := &http.Server{Addr: s.httpAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	return srv.ListenAndServe()
}
