package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dstack-verify/attestor/internal/platform/logger"
	"github.com/dstack-verify/attestor/internal/platform/service"
	"github.com/dstack-verify/attestor/internal/sync"
)

var _ service.Service = (*Service)(nil)

// Service exposes the task API over HTTP and fits into the process
// service.Manager lifecycle, following the teacher's own httpapi
// Service shape.
type Service struct {
	addr    string
	handler http.Handler
	server  *http.Server
	log     *logger.Logger
}

// NewService wires Commands into an HTTP server bound to host:port.
func NewService(cmds *Commands, syncEngine *sync.Engine, host string, port int, tokens []string, cronKey string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Service{
		addr:    fmt.Sprintf("%s:%d", host, port),
		handler: NewHandler(cmds, syncEngine, tokens, cronKey),
		log:     log,
	}
}

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         s.Name(),
		Domain:       "verification",
		Layer:        service.LayerIngress,
		Capabilities: []string{"create-task", "query-task", "cancel-task", "retry-task", "widget"},
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithField("error", err).Error("http server stopped unexpectedly")
		}
	}()
	s.log.WithField("addr", s.addr).Info("task api listening")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
