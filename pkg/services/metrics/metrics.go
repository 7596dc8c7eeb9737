// Package metrics exposes the node's Prometheus metrics and pprof handlers
// over HTTP as optional services.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peercall/peercall/pkg/config"
)

// Service serves one HTTP-based monitoring endpoint on the configured
// addresses.
type Service struct {
	http        []*http.Server
	config      config.BasicService
	log         *zap.Logger
	serviceType string
	started     bool
	lock        sync.Mutex
}

const shutdownTimeout = 5 * time.Second

// newService configures logger and returns new service instance.
func newService(cfg config.BasicService, handler http.Handler, name string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	servers := make([]*http.Server, 0, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		servers = append(servers, &http.Server{
			Addr:    addr,
			Handler: handler,
		})
	}
	return &Service{
		http:        servers,
		config:      cfg,
		serviceType: name,
		log:         log.With(zap.String("service", name)),
	}
}

// Start runs the service's listeners. It returns nil when the service is
// disabled by configuration.
func (ms *Service) Start() error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if !ms.config.Enabled {
		ms.log.Info("service hasn't started since it's disabled")
		return nil
	}
	if ms.started {
		return errors.New("service already started")
	}
	for _, srv := range ms.http {
		ms.log.Info("starting service", zap.String("endpoint", srv.Addr))
		go func(srv *http.Server) {
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				ms.log.Error("failed to start service",
					zap.String("endpoint", srv.Addr),
					zap.Error(err))
			}
		}(srv)
	}
	ms.started = true
	return nil
}

// ShutDown stops the service.
func (ms *Service) ShutDown() {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if !ms.config.Enabled || !ms.started {
		return
	}
	for _, srv := range ms.http {
		ms.log.Info("shutting down service", zap.String("endpoint", srv.Addr))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := srv.Shutdown(ctx)
		cancel()
		if err != nil {
			ms.log.Error("can't shut service down", zap.String("endpoint", srv.Addr), zap.Error(err))
		}
	}
	ms.started = false
}
