// Package server exposes datasets over HTTP and gorpc.  Remote accesses of other processes
// fetch and store blocks through it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/janelia-flyem/hzvol/dataset"
	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/rpc"
	"github.com/janelia-flyem/hzvol/storage"
)

// Server serves the datasets of a catalog.
type Server struct {
	config   *Config
	catalog  *dataset.Catalog
	registry *storage.Registry
	service  *rpc.Service
	auth     *authorizer

	rpcServer  *rpc.Server
	httpServer *http.Server
}

// New loads every dataset of the configuration and opens its access.
func New(cfg *Config) (*Server, error) {
	reg := dataset.NewRegistry()
	catalog := dataset.NewCatalog()
	for _, name := range cfg.DatasetNames() {
		dc := cfg.Datasets[name]
		ds, err := dataset.Load(dc.Path, reg)
		if err != nil {
			catalog.Close()
			return nil, fmt.Errorf("could not load dataset %q: %w", name, err)
		}
		access, err := openAccess(ds, dc.Access)
		if err != nil {
			catalog.Close()
			return nil, fmt.Errorf("could not open access of dataset %q: %w", name, err)
		}
		if err := catalog.Add(name, ds, access); err != nil {
			access.Close()
			catalog.Close()
			return nil, err
		}
		hzvol.Infof("Serving dataset %q with access %q\n", name, access.Name())
	}
	return newServer(cfg, catalog, reg)
}

// NewWithCatalog serves an already populated catalog.
func NewWithCatalog(cfg *Config, catalog *dataset.Catalog) (*Server, error) {
	return newServer(cfg, catalog, dataset.NewRegistry())
}

func newServer(cfg *Config, catalog *dataset.Catalog, reg *storage.Registry) (*Server, error) {
	auth, err := newAuthorizer(cfg.Auth)
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:   cfg,
		catalog:  catalog,
		registry: reg,
		auth:     auth,
		service:  &rpc.Service{Backend: catalog},
	}
	if auth != nil {
		s.service.Authorize = auth.authorizeWrite
	}
	return s, nil
}

// openAccess builds the configured access chain, or the one of the descriptor if none.
func openAccess(ds *dataset.Dataset, cfgs []storage.Config) (storage.Access, error) {
	switch len(cfgs) {
	case 0:
		return ds.DefaultAccess()
	case 1:
		return ds.CreateAccess(cfgs[0])
	default:
		return ds.CreateAccess(storage.Config{
			Type:     string(storage.KindMultiplex),
			Name:     "served",
			Children: cfgs,
		})
	}
}

// Catalog returns the served datasets.
func (s *Server) Catalog() *dataset.Catalog {
	return s.catalog
}

// Handler returns the HTTP handler of the server, CORS included.
func (s *Server) Handler() http.Handler {
	return s.corsHandler(s.routes())
}

// Serve runs the HTTP and, if configured, the gorpc servers until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.config.Logging.SetLogger()
	if err := s.config.writePidFile(); err != nil {
		return fmt.Errorf("could not write pid file: %v", err)
	}
	if addr := s.config.Server.RPCAddress; addr != "" {
		s.rpcServer = rpc.NewServer(addr, s.service)
		if err := s.rpcServer.Start(); err != nil {
			return fmt.Errorf("could not start rpc server on %s: %v", addr, err)
		}
	}
	s.httpServer = &http.Server{
		Addr:    s.config.Server.HTTPAddress,
		Handler: s.Handler(),
	}
	if secs := s.config.Server.ReadTimeout; secs > 0 {
		s.httpServer.ReadTimeout = time.Duration(secs) * time.Second
	}
	if s.config.Server.Note != "" {
		hzvol.Infof("Server note: %s\n", s.config.Server.Note)
	}

	errc := make(chan error, 1)
	go func() {
		hzvol.Infof("Web server listening at %s ...\n", s.httpServer.Addr)
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.stopRPC()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	delay := time.Duration(s.config.Server.ShutdownDelay) * time.Second
	hzvol.Infof("Shutting down with a %s delay for in-flight requests...\n", delay)
	sctx, cancel := context.WithTimeout(context.Background(), delay)
	defer cancel()
	err := s.httpServer.Shutdown(sctx)
	s.stopRPC()
	return err
}

func (s *Server) stopRPC() {
	if s.rpcServer != nil {
		s.rpcServer.Stop()
		s.rpcServer = nil
	}
}

// Close releases every dataset access.
func (s *Server) Close() error {
	s.stopRPC()
	err := s.catalog.Close()
	hzvol.Shutdown()
	return err
}
