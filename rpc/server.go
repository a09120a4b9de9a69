/*
	Package rpc carries block read and write requests between hzvol processes.

	Two front ends share the same Service: gorpc over TCP, implemented here, and HTTP in the
	server package.  HTTP replies with several blocks are framed as msgpack arrays of
	BlockReply (see WriteBatch).
*/
package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/valyala/gorpc"

	"github.com/janelia-flyem/hzvol/hzvol"
)

const (
	// The default address for block messaging to this server
	DefaultAddress = "localhost:8002"

	readBlocksFunc = "ReadBlocks"
	writeBlockFunc = "WriteBlock"
)

var (
	ErrNoServerRunning = errors.New("no servers are running")
	ErrServerNotFound  = errors.New("server not found")
)

var registerOnce sync.Once

func registerTypes() {
	registerOnce.Do(func() {
		gorpc.RegisterType(&ReadRequest{})
		gorpc.RegisterType(&ReadReply{})
		gorpc.RegisterType(&WriteRequest{})
	})
}

// newDispatcher routes calls to svc.  Clients pass nil since they only need the signatures.
// gorpc only accepts struct requests by pointer.
func newDispatcher(svc *Service) *gorpc.Dispatcher {
	registerTypes()
	d := gorpc.NewDispatcher()
	d.AddFunc(readBlocksFunc, func(req *ReadRequest) (*ReadReply, error) {
		reply, err := svc.ReadBlocks(context.Background(), *req)
		if err != nil {
			return nil, err
		}
		return &reply, nil
	})
	d.AddFunc(writeBlockFunc, func(req *WriteRequest) error {
		return svc.WriteBlock(context.Background(), *req)
	})
	return d
}

// Server is a gorpc server answering block requests.
type Server struct {
	address string
	s       *gorpc.Server
}

var (
	servers   = make(map[string]*Server)
	serversMu sync.Mutex
)

// NewServer returns a server for svc at address.  Call Start or Serve.
func NewServer(address string, svc *Service) *Server {
	gorpc.SetErrorLogger(hzvol.Errorf) // Send gorpc errors to appropriate error log.
	d := newDispatcher(svc)
	return &Server{address: address, s: gorpc.NewTCPServer(address, d.NewHandlerFunc())}
}

// Start listens in the background.
func (s *Server) Start() error {
	if err := s.s.Start(); err != nil {
		return err
	}
	serversMu.Lock()
	servers[s.address] = s
	serversMu.Unlock()
	hzvol.Infof("Block rpc server listening on %s\n", s.address)
	return nil
}

// Serve listens and blocks until the server stops.
func (s *Server) Serve() error {
	serversMu.Lock()
	servers[s.address] = s
	serversMu.Unlock()
	return s.s.Serve()
}

// Stop halts the server.
func (s *Server) Stop() {
	serversMu.Lock()
	delete(servers, s.address)
	serversMu.Unlock()
	s.s.Stop()
}

// StopServer halts the server at address.
func StopServer(address string) error {
	serversMu.Lock()
	s, found := servers[address]
	running := len(servers)
	serversMu.Unlock()
	if !found {
		if running == 0 {
			return ErrNoServerRunning
		}
		return ErrServerNotFound
	}
	s.Stop()
	return nil
}

// Shutdown halts all RPC servers.
func Shutdown() {
	serversMu.Lock()
	running := make([]*Server, 0, len(servers))
	for _, s := range servers {
		running = append(running, s)
	}
	serversMu.Unlock()
	for _, s := range running {
		s.Stop()
	}
	hzvol.Infof("Halted %d RPC servers.\n", len(running))
}
